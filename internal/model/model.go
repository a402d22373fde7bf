// Package model defines the core data structures shared across all layers of
// the Agent. These types represent the canonical in-memory form of all
// collected data; every other package depends on this package and nothing
// here depends on any other internal package.
package model

import (
	"encoding/json"
	"time"
)

// Job is a logical group of operating-system processes observed together.
// Once admitted to the registry, ID and CollectorNames are immutable; PIDs
// shrinks monotonically as members die.
type Job struct {
	ID             int       `json:"job_id"`
	PIDs           []int     `json:"job_pids"`
	CreateTime     time.Time `json:"job_create_time"`
	CollectorNames []string  `json:"lens"`
}

// Clone returns a deep copy of j so callers may mutate the returned value
// (e.g. filter PIDs) without racing the registry's own copy.
func (j Job) Clone() Job {
	out := j
	out.PIDs = append([]int(nil), j.PIDs...)
	out.CollectorNames = append([]string(nil), j.CollectorNames...)
	return out
}

// CollectorDescriptor is a human name, a collector type tag, and the name of
// the configuration section that carries the collector's opaque settings
// (sampling frequency, collector-specific fields). Descriptors are loaded
// once at startup from configuration and never mutated.
type CollectorDescriptor struct {
	Name       string
	Type       string
	ConfigName string
}

// SamplingRecord is a tuple <collector_name, job_snapshot, payload, timestamp>
// produced once per (collector, job) tick. Payload is a polymorphic value
// whose concrete variant depends on the collector.
type SamplingRecord struct {
	CollectorName string
	Job           Job
	Payload       any
	Timestamp     time.Time
}

// Lease is the failover election record persisted in a shared lock file.
type Lease struct {
	Epoch       uint64          `json:"epoch"`
	UpdatedAtMs uint64          `json:"updated_at_ms"`
	ExpireAtMs  uint64          `json:"expire_at_ms"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
}

// JobEvent names a job lifecycle transition delivered to subscribers.
type JobEvent int

const (
	// JobAdded fires after a job is admitted to the registry.
	JobAdded JobEvent = iota
	// JobRemoved fires after a job is erased from the registry.
	JobRemoved
)

func (e JobEvent) String() string {
	switch e {
	case JobAdded:
		return "added"
	case JobRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// JobLifecycleCallback is invoked by the job registry on Added/Removed
// transitions, with no registry lock held.
type JobLifecycleCallback func(event JobEvent, job Job)

// FinishCallback is invoked by the sampling orchestrator once per produced
// SamplingRecord, once per registered sink.
type FinishCallback func(collectorName string, job Job, payload any, ts time.Time)
