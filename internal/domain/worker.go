package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkerID uniquely identifies a registered worker machine.
type WorkerID string

// NewWorkerID generates a new unique WorkerID using UUID v4.
func NewWorkerID() WorkerID {
	return WorkerID(uuid.New().String())
}

// String returns the string representation of the WorkerID.
func (id WorkerID) String() string {
	return string(id)
}

// WorkerStatus represents the lifecycle state of a worker.
type WorkerStatus string

const (
	// WorkerOnline indicates the worker is reachable and accepting work.
	WorkerOnline WorkerStatus = "online"
	// WorkerIdle indicates the worker reported itself idle; it remains
	// available for allocation.
	WorkerIdle WorkerStatus = "idle"
	// WorkerBusy indicates the worker currently holds a subtask.
	WorkerBusy WorkerStatus = "busy"
	// WorkerOffline indicates the worker unregistered or missed
	// heartbeats for longer than the configured timeout.
	WorkerOffline WorkerStatus = "offline"
)

// String returns the string representation of the WorkerStatus.
func (s WorkerStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized WorkerStatus value.
func (s WorkerStatus) IsValid() bool {
	switch s {
	case WorkerOnline, WorkerIdle, WorkerBusy, WorkerOffline:
		return true
	}
	return false
}

// Allocatable reports whether the status permits new assignments.
// Busy and offline workers never receive work.
func (s WorkerStatus) Allocatable() bool {
	return s == WorkerOnline || s == WorkerIdle
}

// ResourceUsage carries the percentages a worker reports with each
// heartbeat. Nil components are unknown and score neutrally during
// allocation.
type ResourceUsage struct {
	CPUPercent    *float64 `json:"cpu_percent,omitempty"`
	MemoryPercent *float64 `json:"memory_percent,omitempty"`
	DiskPercent   *float64 `json:"disk_percent,omitempty"`
}

// Mean averages the known components; unknown components are skipped.
// Returns 0 when nothing is known. Used only for allocation tie-breaks.
func (r ResourceUsage) Mean() float64 {
	var sum float64
	var n int
	for _, c := range []*float64{r.CPUPercent, r.MemoryPercent, r.DiskPercent} {
		if c != nil {
			sum += *c
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Worker is a fleet machine hosting one or more AI coding tools.
type Worker struct {
	ID WorkerID

	// MachineID is the stable identity of the host; registration is
	// idempotent on it.
	MachineID   string
	MachineName string
	Status      WorkerStatus

	// Tools is the ordered list of tool names the worker advertises.
	// Order matters: assigned_tool falls back to Tools[0] when the
	// subtask recommends nothing.
	Tools []string

	Resources     ResourceUsage
	LastHeartbeat time.Time
	SystemInfo    map[string]any

	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// HeartbeatExpired reports whether the worker's last heartbeat is older
// than the given timeout at the reference time.
func (w *Worker) HeartbeatExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > timeout
}

// WorkerAPIKey is a credential a worker presents on every authenticated
// call. Only the SHA-256 digest of the secret is persisted; the
// plaintext is shown exactly once at issuance.
type WorkerAPIKey struct {
	ID       string
	WorkerID WorkerID

	// Prefix is the public, indexable part of the credential used for
	// lookup before the constant-time hash comparison.
	Prefix string
	// Hash is the hex-encoded SHA-256 of the full plaintext credential.
	Hash string

	CreatedAt time.Time
	RevokedAt *time.Time
	ExpiresAt *time.Time
}

// NewWorkerAPIKey builds the persistent half of a freshly issued key.
func NewWorkerAPIKey(workerID WorkerID, prefix, hash string, expiresAt *time.Time) *WorkerAPIKey {
	return &WorkerAPIKey{
		ID:        uuid.New().String(),
		WorkerID:  workerID,
		Prefix:    prefix,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
}

// Active reports whether the key may authenticate at the reference time:
// not revoked and not expired.
func (k *WorkerAPIKey) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}
