// Package reaper recovers jobs whose lease expired without an
// acknowledgement, typically because a worker crashed mid-execution.
//
// Each sweep calls the store's reclaim operation, which returns expired
// leases to queued (immediately eligible) or dead-letters them once the
// retry budget is spent. Every reclaimed job is logged and counted so
// lease churn is visible in telemetry.
package reaper
