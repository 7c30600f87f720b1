package supervisor

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/natew/orez/changelog"
	"github.com/natew/orez/config"
	"github.com/natew/orez/engine"
	"github.com/natew/orez/instance"
)

// errResetAlreadyInProgress guards both reset operations against
// concurrent invocation (spec.md §4.8: "gated by an in-progress flag and
// serialized via a marker file on disk").
var errResetAlreadyInProgress = errors.New("supervisor: reset already in progress")

// withResetGuard serializes reset operations: an in-process atomic flag
// for same-process callers (SIGUSR1 arriving twice in a row), plus an
// on-disk marker file so a concurrent second supervisor process attached
// to the same data directory also refuses to race a reset.
func (s *Supervisor) withResetGuard(fn func() error) error {
	if !s.resetInProgress.CompareAndSwap(false, true) {
		return errResetAlreadyInProgress
	}
	defer s.resetInProgress.Store(false)

	marker := s.resetMarkerPath()
	if _, err := os.Stat(marker); err == nil {
		return errResetAlreadyInProgress
	}
	if err := os.WriteFile(marker, []byte{}, 0o644); err != nil {
		return errors.Wrap(err, "supervisor: write reset marker")
	}
	defer os.Remove(marker)

	return fn()
}

// ResetCacheOnly stops the consumer, discards its on-disk replica cache,
// and restarts it, without touching the cvr/cdb instances or the change
// log (spec.md §4.8's cache-only reset: the consumer rebuilds its view
// from the upstream's existing change log and a fresh replica file).
func (s *Supervisor) ResetCacheOnly(ctx context.Context) error {
	return s.withResetGuard(func() error {
		if s.proc != nil {
			if err := s.proc.Stop(); err != nil {
				return errors.Wrap(err, "supervisor: stop consumer for cache-only reset")
			}
		}

		if err := removeReplicaArtifacts(s.replicaFile()); err != nil {
			return err
		}

		if s.cfg.SkipConsumer {
			return nil
		}
		return s.startConsumer(ctx)
	})
}

// removeReplicaArtifacts deletes the SQLite replica file and its WAL/SHM
// sidecar files, if present.
func removeReplicaArtifacts(path string) error {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "supervisor: remove replica artifact %q", path+suffix)
		}
	}
	return nil
}

// FullReset stops the consumer, closes and recreates the cvr/cdb
// instances from scratch, truncates the postgres instance's internal
// change log and replication-slot tables and resets its watermark
// counter, reinstalls change tracking and resyncs the managed
// publication, reruns the on-db-ready hook, then restarts the consumer
// and waits for it to become healthy again (spec.md §4.8's full reset).
func (s *Supervisor) FullReset(ctx context.Context) error {
	return s.withResetGuard(func() error {
		if s.proc != nil {
			if err := s.proc.Stop(); err != nil {
				return errors.Wrap(err, "supervisor: stop consumer for full reset")
			}
		}

		if err := removeReplicaArtifacts(s.replicaFile()); err != nil {
			return err
		}

		err := s.instances.WithInstance(ctx, instance.Postgres, func(inst engine.Instance) error {
			if err := changelog.ResetWatermarkSequence(ctx, s.driver, inst); err != nil {
				return err
			}
			remaining, err := changelog.ListSlots(ctx, s.driver, inst)
			if err != nil {
				return errors.Wrap(err, "supervisor: confirm slots dropped")
			}
			if len(remaining) != 0 {
				return errors.Newf("supervisor: %d replication slot(s) survived reset", len(remaining))
			}
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "supervisor: reset change log")
		}

		for _, name := range []string{instance.CVR, instance.CDB} {
			if err := s.instances.ResetInstance(ctx, name); err != nil {
				return errors.Wrapf(err, "supervisor: reset %q instance", name)
			}
		}

		if err := s.prepareDatabase(ctx); err != nil {
			return err
		}
		if err := s.runHook(ctx, config.HookOnDBReady, true); err != nil {
			return err
		}

		if s.cfg.SkipConsumer {
			return nil
		}
		return s.startConsumer(ctx)
	})
}
