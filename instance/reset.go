package instance

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/natew/orez/engine"
)

// ResetInstance closes the named instance, deletes its on-disk directory,
// and reopens a fresh one in its place, holding the instance's mutex for
// the whole sequence so no caller observes a half-torn-down instance
// (spec.md §4.8's full reset: "close cvr/cdb instances, delete their
// directories, recreate empty instances").
func (m *Manager) ResetInstance(ctx context.Context, name string) error {
	h, ok := m.handles[name]
	if !ok {
		return errors.Newf("instance: unknown instance %q", name)
	}

	resetID := uuid.NewString()
	log := logrus.WithField("component", "G").WithField("instance", name).WithField("reset_id", resetID)
	log.Debug("instance: resetting")

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := m.driver.Close(ctx, h.inst); err != nil {
		return errors.Wrapf(err, "instance: close %q for reset", name)
	}

	dir := dirFor(m.dataDir, name)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "instance: remove %q directory", name)
	}

	inst, err := m.driver.Open(ctx, dir, engine.Options{})
	if err != nil {
		return errors.Wrapf(err, "instance: reopen %q", name)
	}
	if err := m.driver.WaitReady(ctx, inst); err != nil {
		return errors.Wrapf(err, "instance: wait ready %q after reset", name)
	}

	h.inst = inst
	log.Debug("instance: reset complete")
	return nil
}
