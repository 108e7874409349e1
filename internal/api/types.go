package api

import (
	"stratlab/internal/strategy/graph"
	"stratlab/internal/types"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SubmitRunRequest submits a graph for simulation
type SubmitRunRequest struct {
	Graph  *graph.Graph    `json:"graph" binding:"required"`
	Config types.RunConfig `json:"config"`
}

// SubmitRunResponse acknowledges a queued run
type SubmitRunResponse struct {
	RunID  string          `json:"run_id"`
	Status types.RunStatus `json:"status"`
}

// ValidateGraphResponse reports a graph that passed validation
type ValidateGraphResponse struct {
	Valid bool     `json:"valid"`
	Order []string `json:"order"`
	Hash  string   `json:"hash"`
}

// BlockInfo describes a registered block type
type BlockInfo struct {
	Type        string `json:"type"`
	Family      string `json:"family"`
	Description string `json:"description"`
}

// HealthResponse reports dependency health
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}
