// Package storage mirrors the session record across three tiers:
//
//	fast (Redis) → scoped (process memory) → durable (BadgerDB)
//
// Every tier is written independently and a failing tier never blocks the
// others. Reads walk the tiers in order and take the first record that
// parses. Per-tier outcomes are reported as Result values so callers and
// tests can see which tiers degraded.
package storage
