// Package metrics exposes the queue's Prometheus collectors and the
// /metrics handler for the ops listeners. [Sink] bridges store events to
// counters so submission metrics need no extra plumbing.
package metrics
