// Package cache implements a configurable, set-associative cache model
// for use inside a cycle-accurate microarchitectural simulator.
//
// A Cache resolves addresses to blocks, detects hits and misses, drives
// replacement, tracks dirtiness, and synthesizes access latency from a
// pluggable next-level callback and a shared refill bus. It does not
// model a backing store, coherence across nodes, or a CPU pipeline;
// those are external collaborators supplied by the caller.
package cache
