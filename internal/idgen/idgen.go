// Package idgen generates the per-Client worker identifier that the
// Client attaches as a "worker_id" field to its log events. Job rows and
// leases do not record it.
//
// Grounded on the teacher's pkg/uuid.go, which generates a worker ID
// the same way for every acquired job.
package idgen

import "github.com/google/uuid"

// NewWorkerID creates a unique identifier for a worker process/goroutine.
func NewWorkerID() string {
	return uuid.New().String()
}
