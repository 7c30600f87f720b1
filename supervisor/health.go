package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/natew/orez/consumer"
)

// healthPollInterval is how often the health endpoint is polled while
// waiting for the consumer to become ready.
const healthPollInterval = 250 * time.Millisecond

// ErrConsumerCrashedDuringHealthWait is returned by waitHealthy when the
// subprocess exits before the health endpoint ever answers successfully.
var ErrConsumerCrashedDuringHealthWait = errors.New("supervisor: consumer exited before becoming healthy")

// waitHealthy polls the consumer's health endpoint until it answers with
// 200 or 404 (its root is unrouted but reachable, spec.md §4.8), the
// subprocess exits, or timeout elapses.
func waitHealthy(ctx context.Context, proc *consumer.Process, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)

	for {
		if proc.Exited() {
			return ErrConsumerCrashedDuringHealthWait
		}

		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return errors.Newf("supervisor: health check timed out after %s", timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.Done():
			return ErrConsumerCrashedDuringHealthWait
		case <-time.After(healthPollInterval):
		}
	}
}
