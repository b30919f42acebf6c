// Package comm implements the in-process message bus used for all
// agent-to-agent communication: immutable messages, per-agent bounded
// queues with priority drain order, type subscriptions, synchronous
// request/response with correlation IDs, and a bounded routing history.
package comm
