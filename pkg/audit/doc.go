// Package audit records security-relevant events: authorization decisions
// on proxied requests, permission grants and revocations, and principal
// administration.
//
// Three sinks are provided. DBLogger stores events in PostgreSQL and is the
// preferred query backend; FileLogger appends newline-delimited JSON for
// small deployments and offline review; MultiLogger fans out to both. When
// auditing is disabled the gateway runs with NopLogger, so call sites never
// branch on configuration.
//
// Events are written on the request path. Sinks must therefore stay cheap:
// one INSERT or one flushed file write per event, no batching layers that
// would lose the tail of the log on a crash.
package audit
