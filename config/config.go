// Package config defines the immutable configuration record for the
// proxy and its lifecycle supervisor. Loading it from flags, files, or
// environment variables is the job of the (out-of-scope) CLI front-end;
// this package only defines the shape and its validation.
package config

import (
	"os/exec"

	"github.com/cockroachdb/errors"
)

// HookPoint names a defined point in the supervisor's lifecycle at which
// hooks run.
type HookPoint string

const (
	// HookOnDBReady fires after migrations have applied but before the
	// consumer subprocess starts.
	HookOnDBReady HookPoint = "on-db-ready"
	// HookOnHealthy fires after the consumer subprocess reports healthy.
	HookOnHealthy HookPoint = "on-healthy"
)

// HookFunc is the in-process callback arm of a Hook. It receives the same
// derived environment a shell-command hook would see.
type HookFunc func(env map[string]string) error

// Hook is a tagged union: either a shell command string or an in-process
// callback, run at a HookPoint with a derived environment.
type Hook struct {
	Point HookPoint

	// Command is the shell-string arm. Empty if Callback is set.
	Command string

	// Callback is the in-process arm. Nil if Command is set.
	Callback HookFunc
}

// Run executes the hook, passing env to whichever arm is populated.
func (h Hook) Run(env map[string]string) error {
	if h.Callback != nil {
		return h.Callback(env)
	}
	if h.Command == "" {
		return nil
	}

	cmd := exec.Command("/bin/sh", "-c", h.Command)
	cmd.Env = flattenEnv(env)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "hook %q failed, output: %s", h.Command, out)
	}
	return nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Config is the immutable record of spec.md §3.1. Ports are rewritten
// exactly once, at startup, to reflect the auto-increment performed when
// a requested port is already taken; after that the Config is treated as
// frozen by every other component.
type Config struct {
	// DataDir is the root directory under which instance storage, the
	// PID/admin-port files, and the reset marker live.
	DataDir string

	// PGPort is the port the proxy's PostgreSQL wire-protocol listener
	// binds to.
	PGPort int

	// ConsumerPort is the port allocated to the companion consumer
	// subprocess's HTTP health endpoint.
	ConsumerPort int

	// AdminPort is the port for the (out-of-scope) dashboard; 0 disables
	// writing the admin-port file.
	AdminPort int

	// AuthUser and AuthPassword are the single configured credential pair
	// checked during cleartext authentication.
	AuthUser     string
	AuthPassword string

	// MigrationsDir holds ordered SQL migration files, optionally indexed
	// by a journal file (see instance.RunMigrations).
	MigrationsDir string

	// SeedFile is a SQL file applied once, only when the instance is
	// detected empty.
	SeedFile string

	// SkipConsumer disables spawning the companion consumer subprocess,
	// useful for tests that only exercise the proxy.
	SkipConsumer bool

	// LogLevel filters the structured logger (component I).
	LogLevel string

	// Hooks are run at their HookPoint in the order given.
	Hooks []Hook

	// AppID seeds the synthesized managed-publication name
	// (orez_<AppID>_public) when Publication is empty.
	AppID string

	// Publication overrides the synthesized publication name; when set,
	// the publication is treated as user-supplied and read-only to the
	// system (spec.md §3.4).
	Publication string

	// HealthTimeoutSeconds bounds how long the supervisor waits for the
	// consumer's health endpoint during startup. Zero means the default
	// of 60 seconds.
	HealthTimeoutSeconds int
}

// Validate checks the invariants this package is responsible for. It does
// not reach out to the filesystem or network; that happens at use.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: DataDir must not be empty")
	}
	if c.PGPort <= 0 || c.PGPort > 65535 {
		return errors.Newf("config: invalid PGPort %d", c.PGPort)
	}
	if c.AuthUser == "" {
		return errors.New("config: AuthUser must not be empty")
	}
	if c.AuthPassword == "" {
		return errors.New("config: AuthPassword must not be empty")
	}
	return nil
}

// PublicationName returns the configured publication name, synthesizing
// orez_<app_id>_public (app_id defaulting to "zero") when none is set.
func (c *Config) PublicationName() string {
	if c.Publication != "" {
		return c.Publication
	}
	appID := c.AppID
	if appID == "" {
		appID = "zero"
	}
	return "orez_" + appID + "_public"
}

// UserSuppliedPublication reports whether the publication name came from
// configuration rather than being synthesized, meaning it is read-only to
// the system (spec.md §3.4).
func (c *Config) UserSuppliedPublication() bool {
	return c.Publication != ""
}

// HealthTimeout returns the configured health-wait timeout, defaulting to
// 60 seconds per spec.md §4.8.
func (c *Config) HealthTimeout() int {
	if c.HealthTimeoutSeconds <= 0 {
		return 60
	}
	return c.HealthTimeoutSeconds
}
