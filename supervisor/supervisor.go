// Package supervisor implements the lifecycle supervisor (spec component
// H): port allocation, consumer subprocess management, the health wait,
// lifecycle hooks, stop, the cache-only/full reset operations, and the
// inbound OS signal wiring. It is grounded on the teacher's main.go
// top-level wiring (flag parsing, NewServer, signal.Notify) generalized
// from a single-process start into a full start/stop/reset lifecycle.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/natew/orez/changelog"
	"github.com/natew/orez/config"
	"github.com/natew/orez/consumer"
	"github.com/natew/orez/engine"
	"github.com/natew/orez/instance"
	"github.com/natew/orez/logging"
	"github.com/natew/orez/proxy"
)

// pidFileName and adminPortFileName are the lifecycle files spec.md §6
// names, relative to Config.DataDir.
const (
	pidFileName       = "orez.pid"
	adminPortFileName = "orez.admin"
	resetMarkerName   = "orez.resetting"
)

// ConsumerBinary is the path to the companion consumer subprocess
// executable. Left as a package variable rather than a Config field
// because spec.md treats the consumer as a black box resolved by the
// outer CLI, not something this package's config shape owns.
var ConsumerBinary = "zero-cache"

// Dependencies bundles the injected introspection callbacks the
// supervisor needs to reinstall change tracking and resync the managed
// publication during a full reset, without this package hardcoding any
// dialect-specific catalog query itself.
type Dependencies struct {
	Columns         changelog.ColumnLister
	Tables          instance.TableLister
	PublishedTables func(ctx context.Context) ([]string, error)
}

// Supervisor owns the proxy server, the instance manager, and the
// consumer subprocess, and exposes the start/stop/reset operations.
type Supervisor struct {
	cfg  *config.Config
	deps Dependencies
	log  *logging.Logger

	driver    engine.Driver
	instances *instance.Manager
	server    *proxy.Server
	proc      *consumer.Process

	pgPort       int
	consumerPort int

	resetInProgress atomic.Bool
	stopOnce        sync.Once
}

// New builds a Supervisor. Start performs all side-effecting setup.
func New(cfg *config.Config, deps Dependencies, driver engine.Driver, log *logging.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, deps: deps, driver: driver, log: log}
}

// Run builds a Supervisor, starts it, and blocks until a shutdown signal
// arrives, returning whatever error Start or the final Stop produced. This
// is the entire surface cmd/orez/main.go needs.
func Run(ctx context.Context, cfg *config.Config, deps Dependencies, driver engine.Driver, log *logging.Logger) error {
	s := New(cfg, deps, driver, log)
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.RunUntilSignal(ctx)
}

// Start allocates ports, opens the three instances, runs migrations,
// seeds, syncs the publication, runs the on-db-ready hook, spawns the
// consumer (unless SkipConsumer), waits for it to become healthy, and
// runs the on-healthy hook. Any failure here is fatal (spec.md §7:
// Engine-startup-failed / Port-in-use-exhausted / Consumer-startup-failed
// / Hook-failed are all fatal during initial start).
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	pgPort, err := allocatePort("127.0.0.1", s.cfg.PGPort)
	if err != nil {
		return errors.Wrap(err, "supervisor: allocate pg port")
	}
	s.pgPort = pgPort

	consumerPort, err := allocatePort("127.0.0.1", s.cfg.ConsumerPort)
	if err != nil {
		return errors.Wrap(err, "supervisor: allocate consumer port")
	}
	s.consumerPort = consumerPort

	instances, err := instance.Open(ctx, s.driver, s.cfg.DataDir)
	if err != nil {
		return errors.Wrap(err, "supervisor: open instances")
	}
	s.instances = instances

	if err := s.prepareDatabase(ctx); err != nil {
		return err
	}

	if err := s.runHook(ctx, config.HookOnDBReady, true); err != nil {
		return err
	}

	s.server = proxy.NewServer(s.driver, s.instances, s.cfg.AuthUser, s.cfg.AuthPassword, s.log.For("F"))
	if _, err := s.server.Listen("0.0.0.0", s.pgPort); err != nil {
		return errors.Wrap(err, "supervisor: listen")
	}
	go s.server.Serve(ctx)

	if err := s.writeLifecycleFiles(); err != nil {
		return err
	}

	if !s.cfg.SkipConsumer {
		if err := s.startConsumer(ctx); err != nil {
			return err
		}
		if err := s.runHook(ctx, config.HookOnHealthy, false); err != nil {
			return err
		}
	}

	return nil
}

// prepareDatabase runs migrations, seeding, change-tracking install, and
// publication sync, in that order (spec.md §4.7).
func (s *Supervisor) prepareDatabase(ctx context.Context) error {
	if err := s.instances.RunMigrations(ctx, s.cfg.MigrationsDir); err != nil {
		return errors.Wrap(err, "supervisor: run migrations")
	}
	if err := s.instances.Seed(ctx, s.cfg.SeedFile); err != nil {
		return errors.Wrap(err, "supervisor: seed")
	}
	if err := s.reinstallChangeTracking(ctx); err != nil {
		return err
	}
	if err := s.instances.SyncPublication(ctx, s.cfg.PublicationName(), s.cfg.UserSuppliedPublication(), s.deps.Tables); err != nil {
		return errors.Wrap(err, "supervisor: sync publication")
	}
	return nil
}

func (s *Supervisor) reinstallChangeTracking(ctx context.Context) error {
	tracking := s.deps.PublishedTables != nil && s.deps.Columns != nil
	var tables []string
	if tracking {
		var err error
		tables, err = s.deps.PublishedTables(ctx)
		if err != nil {
			return errors.Wrap(err, "supervisor: list published tables")
		}
	}
	return s.instances.WithInstance(ctx, instance.Postgres, func(inst engine.Instance) error {
		if err := changelog.CreateInternalSchema(ctx, s.driver, inst); err != nil {
			return err
		}
		if !tracking {
			return nil
		}
		return changelog.Install(ctx, s.driver, inst, tables, s.deps.Columns)
	})
}

// runHook runs every configured hook at point, in order. fatal controls
// whether a failing hook aborts startup (on-db-ready) or is only logged
// (on-healthy), per spec.md §7's Hook-failed policy.
func (s *Supervisor) runHook(ctx context.Context, point config.HookPoint, fatal bool) error {
	env := s.derivedEnv()
	for _, h := range s.cfg.Hooks {
		if h.Point != point {
			continue
		}
		if err := h.Run(env); err != nil {
			if fatal {
				return errors.Wrapf(err, "supervisor: hook %q failed", point)
			}
			s.log.For("H").WithError(err).WithField("point", string(point)).Warn("hook failed")
		}
	}
	return nil
}

func (s *Supervisor) derivedEnv() map[string]string {
	return map[string]string{
		"ZERO_UPSTREAM_DB": fmt.Sprintf("postgresql://%s:%s@127.0.0.1:%d/postgres", s.cfg.AuthUser, s.cfg.AuthPassword, s.pgPort),
		"ZERO_CVR_DB":      fmt.Sprintf("postgresql://%s:%s@127.0.0.1:%d/zero_cvr", s.cfg.AuthUser, s.cfg.AuthPassword, s.pgPort),
		"ZERO_CHANGE_DB":   fmt.Sprintf("postgresql://%s:%s@127.0.0.1:%d/zero_cdb", s.cfg.AuthUser, s.cfg.AuthPassword, s.pgPort),
		"ZERO_PORT":        strconv.Itoa(s.consumerPort),
	}
}

func (s *Supervisor) replicaFile() string {
	return filepath.Join(s.cfg.DataDir, "replica.db")
}

// startConsumer spawns the subprocess and waits for its health endpoint,
// failing with the captured stderr tail if it crashes or times out
// (spec.md §4.8).
func (s *Supervisor) startConsumer(ctx context.Context) error {
	env := consumer.Env{
		PGHost:       "127.0.0.1",
		PGPort:       s.pgPort,
		User:         s.cfg.AuthUser,
		Password:     s.cfg.AuthPassword,
		ReplicaFile:  s.replicaFile(),
		ConsumerPort: s.consumerPort,
	}
	proc, err := consumer.Start(ctx, ConsumerBinary, nil, env, s.log.For("H"))
	if err != nil {
		return errors.Wrap(err, "supervisor: start consumer")
	}
	s.proc = proc

	timeout := time.Duration(s.cfg.HealthTimeout()) * time.Second
	if err := waitHealthy(ctx, proc, s.consumerPort, timeout); err != nil {
		tail := proc.StderrTail()
		return errors.Wrapf(err, "supervisor: consumer failed to become healthy, stderr tail: %v", tail)
	}
	return nil
}

// writeLifecycleFiles writes the PID file and, if AdminPort is
// configured, the admin-port file (spec.md §4.8, §6).
func (s *Supervisor) writeLifecycleFiles() error {
	if err := os.WriteFile(s.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return errors.Wrap(err, "supervisor: write pid file")
	}
	if s.cfg.AdminPort != 0 {
		if err := os.WriteFile(s.adminPortPath(), []byte(strconv.Itoa(s.cfg.AdminPort)), 0o644); err != nil {
			return errors.Wrap(err, "supervisor: write admin port file")
		}
	}
	return nil
}

func (s *Supervisor) pidPath() string        { return filepath.Join(s.cfg.DataDir, pidFileName) }
func (s *Supervisor) adminPortPath() string  { return filepath.Join(s.cfg.DataDir, adminPortFileName) }
func (s *Supervisor) resetMarkerPath() string { return filepath.Join(s.cfg.DataDir, resetMarkerName) }

// Stop performs ordered shutdown: stop the consumer, close the listener,
// close all instances, unlink the lifecycle files (spec.md §4.8).
func (s *Supervisor) Stop(ctx context.Context) error {
	var first error
	s.stopOnce.Do(func() {
		if s.proc != nil {
			if err := s.proc.Stop(); err != nil && first == nil {
				first = err
			}
		}
		if s.server != nil {
			if err := s.server.Close(); err != nil && first == nil {
				first = err
			}
		}
		if s.instances != nil {
			if err := s.instances.Close(ctx); err != nil && first == nil {
				first = err
			}
		}
		os.Remove(s.pidPath())
		os.Remove(s.adminPortPath())
	})
	return first
}

// PGPort returns the bound PostgreSQL listener port (after auto-increment).
func (s *Supervisor) PGPort() int { return s.pgPort }

// ConsumerPort returns the allocated consumer health port.
func (s *Supervisor) ConsumerPort() int { return s.consumerPort }

// RunUntilSignal blocks, dispatching SIGINT/SIGTERM to shutdown,
// SIGUSR1 to full reset, and SIGUSR2 to stop-consumer-without-restart,
// until shutdown completes (spec.md §4.8). Signal handling itself never
// runs reset/stop logic inline; it only dispatches to those routines, per
// spec.md §5.
func (s *Supervisor) RunUntilSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return s.Stop(context.Background())
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				return s.Stop(context.Background())
			case syscall.SIGUSR1:
				if err := s.FullReset(context.Background()); err != nil {
					s.log.For("H").WithError(err).Error("full reset failed")
				}
			case syscall.SIGUSR2:
				if s.proc != nil {
					if err := s.proc.Stop(); err != nil {
						s.log.For("H").WithError(err).Warn("stop consumer failed")
					}
				}
			}
		}
	}
}
