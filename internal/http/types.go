package http

import (
	"time"

	"github.com/fyrsmithlabs/tierd/internal/clearance"
	"github.com/fyrsmithlabs/tierd/internal/pipeline"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

// QueryResponse is the response body for POST /api/v1/query.
type QueryResponse struct {
	Answer    string   `json:"answer"`
	Sources   []string `json:"sources"`
	Endpoint  string   `json:"endpoint,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	CacheTier string   `json:"cache_tier,omitempty"`
}

func newQueryResponse(a pipeline.Answer) QueryResponse {
	sources := a.Sources
	if sources == nil {
		sources = []string{}
	}
	return QueryResponse{
		Answer:    a.Text,
		Sources:   sources,
		Endpoint:  string(a.Endpoint),
		Reason:    a.Decision.Reason,
		CacheTier: string(a.CacheTier),
	}
}

// ClearanceResponse is the response body for GET /api/v1/clearance/:user_id.
type ClearanceResponse struct {
	UserID          string           `json:"user_id"`
	OrgLevel        clearance.Level  `json:"org_level"`
	DepartmentID    string           `json:"department_id,omitempty"`
	DepartmentLevel *clearance.Level `json:"department_level,omitempty"`
	MaxLevel        clearance.Level  `json:"max_level"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	FromDefault     bool             `json:"from_default"`
}

func newClearanceResponse(e clearance.Effective) ClearanceResponse {
	r := ClearanceResponse{
		UserID:          e.UserID,
		OrgLevel:        e.OrgValue,
		DepartmentID:    e.DepartmentID,
		MaxLevel:        e.Max(),
		FromDefault:     e.FromDefault,
	}
	if e.DeptValue.Valid() {
		dept := e.DeptValue
		r.DepartmentLevel = &dept
	}
	if !e.ExpiresAt.IsZero() {
		at := e.ExpiresAt
		r.ExpiresAt = &at
	}
	return r
}

// OverrideRequest is the request body for POST /api/v1/overrides.
type OverrideRequest struct {
	UserID       string                 `json:"user_id"`
	Type         clearance.OverrideType `json:"type"`
	DepartmentID string                 `json:"department_id,omitempty"`
	Level        clearance.Level        `json:"level"`
	ValidFrom    time.Time              `json:"valid_from"`
	ValidUntil   time.Time              `json:"valid_until"`
	Reason       string                 `json:"reason"`
}

// DecisionRequest is the request body for POST /api/v1/overrides/:id/decision.
type DecisionRequest struct {
	Decision string `json:"decision"`
}

// OverrideResponse describes an override.
type OverrideResponse struct {
	ID           string                   `json:"id"`
	UserID       string                   `json:"user_id"`
	Type         clearance.OverrideType   `json:"type"`
	DepartmentID string                   `json:"department_id,omitempty"`
	Level        clearance.Level          `json:"level"`
	ValidFrom    time.Time                `json:"valid_from"`
	ValidUntil   time.Time                `json:"valid_until"`
	IsActive     bool                     `json:"is_active"`
	Status       clearance.OverrideStatus `json:"status"`
}

func newOverrideResponse(o clearance.Override) OverrideResponse {
	return OverrideResponse{
		ID:           o.ID,
		UserID:       o.UserID,
		Type:         o.Type,
		DepartmentID: o.DepartmentID,
		Level:        o.Level,
		ValidFrom:    o.ValidFrom,
		ValidUntil:   o.ValidUntil,
		IsActive:     o.IsActive,
		Status:       o.Status,
	}
}
