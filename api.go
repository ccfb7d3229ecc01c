package xsaga

import (
	"context"
	"time"
)

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Dispatched        uint64
	Committed         uint64
	Created           uint64
	Completed         uint64
	Conflicts         uint64
	Retries           uint64
	DeadLettered      uint64
	TimeoutsScheduled uint64
	TimeoutsFired     uint64
	Unhandled         uint64
	Errors            uint64
	EventsDropped     uint64
	AvgDispatchTimeMs float64
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API is the complete runtime surface of the bus.
type API interface {
	Publish(ctx context.Context, topic, name string, payload any, meta map[string]string) error
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
