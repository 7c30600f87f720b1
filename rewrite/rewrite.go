// Package rewrite implements the ordered text substitution table and
// no-op interception applied to Query and Parse message bodies (spec
// component D). It operates on raw strings rather than a SQL parser, by
// design (spec.md §9): the embedded engine already understands real SQL,
// this package only needs to paper over the handful of client probes a
// Postgres driver sends that the engine itself would reject or answer
// wrong.
package rewrite

import (
	"regexp"
	"strings"

	"github.com/natew/orez/changelog"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

var rules = []rule{
	{regexp.MustCompile(`(?i)version\(\)`), `'PostgreSQL 16.4 on x86_64-pc-linux-gnu, compiled by gcc (GCC) 12.2.0, 64-bit'`},
	{regexp.MustCompile(`(?i)current_setting\(\s*'wal_level'\s*\)`), `'logical'::text`},
	{regexp.MustCompile(`(?i)\bREAD\s+ONLY\b`), ``},
	{regexp.MustCompile(`(?i)\bISOLATION\s+LEVEL\s+(SERIALIZABLE|REPEATABLE\s+READ|READ\s+COMMITTED|READ\s+UNCOMMITTED)\b`), ``},
	{regexp.MustCompile(`(?i)^\s*SET\s+TRANSACTION\s*;`), `;`},
	{regexp.MustCompile(`\bpg_replication_slots\b`), changelog.InternalPrefix + "replication_slots"},
}

// Apply runs the full ordered substitution table against a query or
// Parse-message body, in the order spec.md §4.4 lists them (each rule
// sees the output of the previous one).
func Apply(sql string) string {
	out := sql
	for _, r := range rules {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}
	return out
}

var (
	setTransactionPattern = regexp.MustCompile(`(?i)^\s*SET\s+TRANSACTION\b`)
	setSessionPattern     = regexp.MustCompile(`(?i)^\s*SET\s+SESSION\b`)
)

// IsNoOp reports whether the (already rewritten) query matches a
// statement the proxy answers itself without involving the engine:
// SET TRANSACTION or SET SESSION, after trimming (spec.md §4.4).
func IsNoOp(rewritten string) bool {
	trimmed := strings.TrimSpace(rewritten)
	return setTransactionPattern.MatchString(trimmed) || setSessionPattern.MatchString(trimmed)
}

// subscriptionNoOpPattern recognizes ALTER/DROP SUBSCRIPTION statements a
// real consumer occasionally probes for. This system IS the upstream, so
// there is no subscription to alter or drop; SPEC_FULL.md's supplement
// has these answered as no-ops rather than forwarded to the engine, using
// the same regex shape as the teacher's subscription_handler.go
// CREATE SUBSCRIPTION parser.
var subscriptionNoOpPattern = regexp.MustCompile(`(?i)^\s*(ALTER|DROP)\s+SUBSCRIPTION\b`)

// IsSubscriptionNoOp reports whether sql is an ALTER/DROP SUBSCRIPTION
// statement that should be answered locally instead of forwarded.
func IsSubscriptionNoOp(sql string) bool {
	return subscriptionNoOpPattern.MatchString(strings.TrimSpace(sql))
}
