package routing

import (
	"time"

	"github.com/tributary-ai/health-router/internal/types"
)

// RoutingDecision records where one request was sent
type RoutingDecision struct {
	RequestID string `json:"request_id"`

	// Classified is what the classifier chose; Destination is where the
	// request actually went
	Classified  types.Destination `json:"classified"`
	Destination types.Destination `json:"destination"`

	FallbackUsed bool      `json:"fallback_used"`
	Reasoning    []string  `json:"reasoning"`
	Timestamp    time.Time `json:"timestamp"`
}

// Delivered reports whether the request reached a processor
func (d RoutingDecision) Delivered() bool {
	return d.Destination != types.DestinationError
}

// Stats summarizes the decisions of one router instance
type Stats struct {
	Routed        int64                       `json:"routed"`
	Fallbacks     int64                       `json:"fallbacks"`
	Undeliverable int64                       `json:"undeliverable"`
	ByDestination map[types.Destination]int64 `json:"by_destination"`
	Started       time.Time                   `json:"started"`
}
