// Package selector collapses the per-target results of a broadcast into the
// single response returned to the client.
package selector

import (
	"net/http"

	"github.com/vyrodovalexey/avafanout/internal/model"
)

// Strategy tags reported on the selected response.
const (
	TagDefault          = "default"
	TagAll              = "all"
	TagSpecific         = "specific"
	TagSpecificFallback = "specific-fallback"
	TagFirst            = "first"
	TagFirstFallback    = "first-fallback"
	TagMock             = "mock"
	TagMockFallback     = "mock-fallback"
	TagUnavailable      = "unavailable"
)

// NoResponsesMessage is the error returned when there is nothing to select.
const NoResponsesMessage = "No target responses available"

// Select picks the response for the client. It is a pure function of the
// aggregate and the policy; a nil or disabled policy selects the first
// available result.
func Select(agg *model.Aggregate, policy *model.ResponseConfig) model.SelectedResponse {
	if policy == nil || !policy.Enabled {
		return firstAvailable(agg, TagDefault)
	}

	switch policy.Strategy {
	case model.StrategyAll:
		return selectAll(agg)
	case model.StrategySpecific:
		return selectSpecific(agg, policy.TargetID)
	case model.StrategyFirst:
		return selectFirst(agg)
	case model.StrategyMock:
		return selectMock(agg, policy)
	default:
		return firstAvailable(agg, TagDefault)
	}
}

func selectAll(agg *model.Aggregate) model.SelectedResponse {
	if agg.Len() == 0 {
		return unavailable(agg)
	}
	return model.SelectedResponse{
		Status:     http.StatusOK,
		StatusText: http.StatusText(http.StatusOK),
		Headers:    map[string]string{},
		Body:       agg,
		Strategy:   TagAll,
		Targets:    agg,
	}
}

func selectSpecific(agg *model.Aggregate, targetID string) model.SelectedResponse {
	if targetID == "" {
		return firstAvailable(agg, TagSpecificFallback)
	}

	var (
		selectedKey string
		selected    *model.TargetResult
	)
	agg.Each(func(key string, r *model.TargetResult) bool {
		if r != nil && r.TargetID == targetID {
			selectedKey, selected = key, r
			return false
		}
		return true
	})
	if selected == nil {
		return firstAvailable(agg, TagSpecificFallback)
	}
	return fromResult(agg, selectedKey, selected, TagSpecific)
}

func selectFirst(agg *model.Aggregate) model.SelectedResponse {
	var (
		bestKey string
		best    *model.TargetResult
	)
	agg.Each(func(key string, r *model.TargetResult) bool {
		if !r.Succeeded() {
			return true
		}
		if best == nil || r.ElapsedMs < best.ElapsedMs {
			bestKey, best = key, r
		}
		return true
	})
	if best == nil {
		return firstAvailable(agg, TagFirstFallback)
	}
	return fromResult(agg, bestKey, best, TagFirst)
}

func selectMock(agg *model.Aggregate, policy *model.ResponseConfig) model.SelectedResponse {
	if policy.MockForced() {
		return mock(agg, policy.MockResponse)
	}

	if agg.Len() == 0 {
		return unavailable(agg)
	}

	succeeded := false
	agg.Each(func(_ string, r *model.TargetResult) bool {
		succeeded = r.Succeeded()
		return !succeeded
	})
	if succeeded {
		return mock(agg, policy.MockResponse)
	}

	key, last, _ := agg.Last()
	return fromResult(agg, key, last, TagMockFallback)
}

func mock(agg *model.Aggregate, m *model.MockResponse) model.SelectedResponse {
	resp := model.SelectedResponse{
		Status:     http.StatusOK,
		StatusText: http.StatusText(http.StatusOK),
		Headers:    map[string]string{},
		Body:       map[string]any{},
		Strategy:   TagMock,
		Targets:    agg,
	}
	if m == nil {
		return resp
	}
	if m.Status != 0 {
		resp.Status = m.Status
		resp.StatusText = http.StatusText(m.Status)
	}
	if m.StatusText != "" {
		resp.StatusText = m.StatusText
	}
	if m.Headers != nil {
		resp.Headers = model.CloneStringMap(m.Headers)
	}
	if m.Body != nil {
		resp.Body = model.CloneValue(m.Body)
	}
	return resp
}

func firstAvailable(agg *model.Aggregate, tag string) model.SelectedResponse {
	key, first, ok := agg.First()
	if !ok {
		return unavailable(agg)
	}
	return fromResult(agg, key, first, tag)
}

func fromResult(agg *model.Aggregate, key string, r *model.TargetResult, tag string) model.SelectedResponse {
	return model.SelectedResponse{
		Status:         r.Status,
		StatusText:     r.StatusText,
		Headers:        model.CloneStringMap(r.Headers),
		Body:           r.Body,
		Strategy:       tag,
		SelectedTarget: key,
		Targets:        agg,
	}
}

func unavailable(agg *model.Aggregate) model.SelectedResponse {
	return model.SelectedResponse{
		Status:     http.StatusServiceUnavailable,
		StatusText: http.StatusText(http.StatusServiceUnavailable),
		Headers:    map[string]string{},
		Body:       map[string]any{"error": NoResponsesMessage},
		Strategy:   TagUnavailable,
		Targets:    agg,
	}
}
