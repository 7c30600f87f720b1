// Package replication implements the synthesized logical-replication
// handler (spec component E): the fake LSN sequence, the
// IDENTIFY_SYSTEM/CREATE_REPLICATION_SLOT/DROP_REPLICATION_SLOT command
// table, and the START_REPLICATION streaming loop. It is grounded on the
// teacher's pgserver/logrepl/replication.go, reusing
// github.com/jackc/pglogrepl for the LSN type and wire formatting instead
// of that package's real-WAL client logic (this system has no real WAL to
// stream from; it synthesizes one).
package replication

import (
	"fmt"
	"sync/atomic"

	"github.com/jackc/pglogrepl"
)

// lsnStart and lsnStep implement spec.md §4.5's synthesized LSN: "a single
// 64-bit counter starting at 0x01000000, incremented by 0x100 each time a
// new LSN is required".
const (
	lsnStart = 0x01000000
	lsnStep  = 0x100
)

// LSNGenerator hands out monotonically increasing synthesized LSNs,
// shared process-wide so every replication connection and every change
// observes a consistent, ever-increasing position.
type LSNGenerator struct {
	counter uint64
}

// NewLSNGenerator returns a generator seeded at lsnStart so the first
// call to Next returns lsnStart + lsnStep.
func NewLSNGenerator() *LSNGenerator {
	g := &LSNGenerator{}
	atomic.StoreUint64(&g.counter, lsnStart)
	return g
}

// Next atomically advances and returns the next synthesized LSN.
func (g *LSNGenerator) Next() pglogrepl.LSN {
	v := atomic.AddUint64(&g.counter, lsnStep)
	return pglogrepl.LSN(v)
}

// Current returns the most recently handed-out LSN without advancing it.
func (g *LSNGenerator) Current() pglogrepl.LSN {
	return pglogrepl.LSN(atomic.LoadUint64(&g.counter))
}

// FormatLSN renders an LSN as Postgres' HIGH/LOW hex pair, matching
// pglogrepl.LSN.String() exactly; kept as a named function because
// spec.md §4.5 calls the format out explicitly.
func FormatLSN(lsn pglogrepl.LSN) string {
	return fmt.Sprintf("%X/%X", uint64(lsn)>>32, uint64(lsn)&0xFFFFFFFF)
}
