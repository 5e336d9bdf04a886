// Package model defines the data shared by the broadcast pipeline: scripts,
// targets, request envelopes and per-target results.
package model

import "slices"

// Strategy is the response policy used to collapse target results into one
// client-facing response.
type Strategy string

const (
	// StrategyAll returns the full per-target aggregate.
	StrategyAll Strategy = "all"
	// StrategySpecific returns the result of one configured target.
	StrategySpecific Strategy = "specific"
	// StrategyFirst returns the fastest successful target result.
	StrategyFirst Strategy = "first"
	// StrategyMock returns a configured mock response.
	StrategyMock Strategy = "mock"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAll, StrategySpecific, StrategyFirst, StrategyMock:
		return true
	default:
		return false
	}
}

// MockResponse is the canned response returned by the mock strategy.
type MockResponse struct {
	Status     int               `json:"status,omitempty" yaml:"status,omitempty"`
	StatusText string            `json:"statusText,omitempty" yaml:"statusText,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body       any               `json:"body,omitempty" yaml:"body,omitempty"`
}

// ResponseConfig is the response policy declared by a script.
type ResponseConfig struct {
	Strategy     Strategy      `json:"strategy" yaml:"strategy"`
	TargetID     string        `json:"targetId,omitempty" yaml:"targetId,omitempty"`
	MockResponse *MockResponse `json:"mockResponse,omitempty" yaml:"mockResponse,omitempty"`
	MockForce    *bool         `json:"mockForce,omitempty" yaml:"mockForce,omitempty"`
	Enabled      bool          `json:"enabled" yaml:"enabled"`
}

// MockForced reports whether the mock must be returned regardless of target
// outcomes. An unset flag counts as forced.
func (c *ResponseConfig) MockForced() bool {
	if c == nil || c.MockForce == nil {
		return true
	}
	return *c.MockForce
}

// Script is a user-authored transformation module as stored by the
// management surface.
type Script struct {
	Name           string          `json:"name" yaml:"name"`
	Content        string          `json:"content" yaml:"content"`
	Tags           []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	PathPattern    string          `json:"pathPattern,omitempty" yaml:"pathPattern,omitempty"`
	ResponseConfig *ResponseConfig `json:"responseConfig,omitempty" yaml:"responseConfig,omitempty"`
}

// AppliesToTags reports whether the script applies to a target carrying
// targetTags. Scripts without tags apply to every target.
func (s *Script) AppliesToTags(targetTags []string) bool {
	if len(s.Tags) == 0 {
		return true
	}
	for _, tag := range s.Tags {
		if slices.Contains(targetTags, tag) {
			return true
		}
	}
	return false
}

// Target is a backend host that receives a copy of every proxied request.
type Target struct {
	ID       string         `json:"id" yaml:"id"`
	Nickname string         `json:"nickname,omitempty" yaml:"nickname,omitempty"`
	BaseURL  string         `json:"baseUrl" yaml:"baseUrl"`
	Tags     []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}
