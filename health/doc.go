// Package health runs liveness and readiness checks and serves them over
// HTTP. Checks run concurrently; the overall status is the worst status
// reported by any check.
package health
