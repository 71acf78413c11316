package contracts

import "time"

// Metrics is the comparable health signal of one monitored component.
type Metrics struct {
	Latency   float64 `json:"latency"`
	ErrorRate float64 `json:"error_rate"`
}

// Baseline holds the last-accepted metrics for one component.
type Baseline struct {
	ComponentID   string    `json:"component_id"`
	Metrics       Metrics   `json:"metrics"`
	EstablishedBy string    `json:"established_by,omitempty"`
	EstablishedAt time.Time `json:"established_at"`
}

// HealthReport is what a Model-Health Source returns for one component.
type HealthReport struct {
	ComponentID string  `json:"component_id"`
	Healthy     bool    `json:"healthy"`
	Metrics     Metrics `json:"metrics"`
	Found       bool    `json:"found"`
}
