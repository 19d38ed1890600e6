package http

import "github.com/fyrsmithlabs/autopilot/internal/telemetry"

// HeaderActor names the operator behind a request. Requests without it
// are attributed to DefaultActor.
const (
	HeaderActor  = "X-Actor"
	DefaultActor = "api"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}
