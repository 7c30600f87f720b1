// Package consumer wraps the companion logical-replication consumer
// subprocess as a black box: spawn it with a curated environment, read
// its stdout/stderr line by line, classify each line's level heuristically,
// and forward it to the logger. It never speaks the consumer's protocol
// directly — that is left entirely to the wire/replication packages on
// the proxy side.
package consumer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/natew/orez/logging"
)

// stderrTailCapacity is "the last ~20 lines of stderr" spec.md §7 requires
// surfacing on crash and on health-check timeout.
const stderrTailCapacity = 20

// stopGrace is how long Stop waits after SIGTERM before escalating to
// SIGKILL (spec.md §7).
const stopGrace = 3 * time.Second

// Env is the curated environment a consumer process is launched with:
// three connection strings for the postgres/cvr/cdb databases plus the
// replica cache file and allocated port, layered over fixed defaults and
// the parent process's own environment (spec.md §4.8, §6).
type Env struct {
	PGHost       string
	PGPort       int
	User         string
	Password     string
	ReplicaFile  string
	ConsumerPort int
}

// connectionURL builds a postgresql:// URL for the named logical database,
// all three pointed at the proxy's own PG port (spec.md §6).
func connectionURL(e Env, database string) string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s", e.User, e.Password, e.PGHost, e.PGPort, database)
}

// buildEnviron layers: fixed defaults, then the parent process's
// environment, then the three database URLs and replica/port variables,
// in that order so the derived values always win (spec.md §6).
func buildEnviron(e Env) []string {
	env := []string{
		"NODE_ENV=development",
		"SYNC_WORKERS=1",
		"DISABLE_QUERY_PLANNER_CACHE=1",
	}
	env = append(env, os.Environ()...)
	env = append(env,
		"ZERO_UPSTREAM_DB="+connectionURL(e, "postgres"),
		"ZERO_CVR_DB="+connectionURL(e, "cvr"),
		"ZERO_CHANGE_DB="+connectionURL(e, "cdb"),
		"ZERO_REPLICA_FILE="+e.ReplicaFile,
		"ZERO_PORT="+strconv.Itoa(e.ConsumerPort),
	)
	return env
}

// Process supervises one running consumer subprocess.
type Process struct {
	cmd    *exec.Cmd
	log    *logrus.Entry
	tail   *logging.RingBuffer
	done   chan struct{}
	waitMu sync.Mutex
	waitErr error
	waited  bool
}

// Start launches binary with the derived environment, streaming its
// stdout and stderr line by line into log at a heuristically classified
// level, and returns once the process has been spawned (not once it is
// ready — callers wait for health separately).
func Start(ctx context.Context, binary string, args []string, e Env, log *logrus.Entry) (*Process, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = buildEnviron(e)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "consumer: stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "consumer: stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "consumer: start")
	}

	p := &Process{
		cmd:  cmd,
		log:  log,
		tail: logging.NewRingBuffer(stderrTailCapacity),
		done: make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.pump(&wg, stdout, false)
	go p.pump(&wg, stderr, true)

	go func() {
		wg.Wait()
		err := cmd.Wait()
		p.waitMu.Lock()
		p.waitErr = err
		p.waited = true
		p.waitMu.Unlock()
		close(p.done)
	}()

	return p, nil
}

// pump reads lines from r, classifies and logs each one, and (for stderr)
// retains the most recent stderrTailCapacity lines for crash reporting.
func (p *Process) pump(wg *sync.WaitGroup, r io.Reader, isStderr bool) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if isStderr {
			p.tail.Append(line)
		}
		entry := p.log
		switch classify(line) {
		case logrus.ErrorLevel:
			entry.Error(line)
		case logrus.WarnLevel:
			entry.Warn(line)
		default:
			entry.Info(line)
		}
	}
}

// classify elevates a line to error/warn level heuristically based on
// substring content (spec.md §6); anything else logs at info.
func classify(line string) logrus.Level {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"):
		return logrus.ErrorLevel
	case strings.Contains(lower, "warn"):
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}

// Exited reports whether the subprocess has already terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the subprocess exits and returns its exit error, if
// any.
func (p *Process) Wait() error {
	<-p.done
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	return p.waitErr
}

// Done returns a channel closed when the subprocess has exited, for
// select-based waiting alongside a health-check timer.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// StderrTail returns the most recent captured stderr lines, for crash and
// health-timeout reporting (spec.md §7's "Consumer-crash" / "visible
// failure behavior").
func (p *Process) StderrTail() []string {
	return p.tail.Lines()
}

// Stop sends SIGTERM, then escalates to SIGKILL after stopGrace if the
// process has not exited (spec.md §7).
func (p *Process) Stop() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrap(err, "consumer: signal SIGTERM")
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(stopGrace):
	}

	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return errors.Wrap(err, "consumer: signal SIGKILL")
	}
	<-p.done
	return nil
}
