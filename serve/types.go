package serve

import (
	"time"

	"github.com/everydev1618/shopkeep"
)

// --- API Response Types ---

// ShopDetailResponse is a shop record with the transitions of its current attempt.
type ShopDetailResponse struct {
	shopkeep.ShopRecord
	Transitions []shopkeep.Transition `json:"transitions"`
}

// RewriteResponse reports whether re-applying rewrites changed anything.
type RewriteResponse struct {
	SiteName string `json:"site_name"`
	Changed  bool   `json:"changed"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Details []string `json:"details,omitempty"`
}

// --- SSE Event Types ---

// BrokerEvent is an event sent to SSE subscribers.
type BrokerEvent struct {
	Type      string    `json:"type"`
	Site      string    `json:"site,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
