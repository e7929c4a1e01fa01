// Package tracking creates view-tracking links and polls their hit counts
// against a link-shortening service.
//
// Each outgoing message embeds a 1x1 pixel whose URL is a private short link
// keyed by the message's identifier. Loading the pixel bumps the link's hit
// counter, which the Aggregator later reads back.
//
// The remote service is slow and unreliable. Every per-identifier request is
// retried a bounded number of times and then degraded rather than failed:
// link creation falls back to a deterministic untracked URL, and a count
// lookup reports unknown and retires the identifier so later polls skip it.
// Fan-out is capped by MaxConcurrency both in the worker group and in the
// transport's per-host connection limit.
package tracking
