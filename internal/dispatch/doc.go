// Package dispatch sends a batch of pre-rendered messages through a single
// sending credential at a capped rate.
//
// A Dispatcher runs at most one batch at a time. The worker sends up to Cap
// messages, then waits out the rest of Interval before the next group. That
// wait is where Cancel takes effect: a cancelled batch stops before its next
// send and keeps the results already produced.
//
// Once a batch finishes, the Dispatcher refuses new batches until the caller
// releases it with AllowNextBatch. This stops an upload form that is
// submitted twice from mailing everyone twice.
//
// Results can be read at any time, including while the worker is sending.
package dispatch
