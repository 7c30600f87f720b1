package supervisor

import (
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
)

// maxPortIncrements bounds the port-in-use auto-increment search (spec.md
// §4.8, §7's Port-in-use-exhausted kind).
const maxPortIncrements = 100

// allocatePort probes requested, incrementing by one on EADDRINUSE up to
// maxPortIncrements times, and returns the first free port found.
func allocatePort(host string, requested int) (int, error) {
	port := requested
	for i := 0; i < maxPortIncrements; i++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
		if err == nil {
			l.Close()
			return port, nil
		}
		port++
	}
	return 0, errors.Newf("supervisor: no free port found starting at %d", requested)
}
