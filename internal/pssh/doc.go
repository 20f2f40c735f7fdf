// Package pssh is the parallel execution engine. A Pool fans one command (or
// one command per host) out to a fixed host set over SSH, collects per-host
// output and tracks which hosts are still reachable across calls.
//
// A Pool is not safe for overlapping calls: it mutates its reachable set and
// may rebuild its client handle while a call completes.
package pssh
