// Package health provides liveness and readiness handlers for the queue
// binaries' ops listeners. Readiness aggregates named dependency probes
// (database, redis) run in parallel with a shared timeout.
package health
