package search

import (
	"context"
	"errors"
	"strings"
	"time"

	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/metrics"
)

// Platform health is fed by search fan-out and by the acquisition pipeline's
// extract and download calls. Both count toward the breaker that keeps
// search away from a struggling platform, except acquisition failures that
// concern a single upload (removed, private, region locked).

const (
	OperationSearch   = "search"
	OperationExtract  = "extract"
	OperationDownload = "download"
)

const (
	platformFailureThreshold = 3
	platformBlockBase        = 2 * time.Minute
	platformBlockMax         = 15 * time.Minute
)

type failureClass int

const (
	failureNone failureClass = iota
	failureTimeout
	// failureThrottled is the platform refusing us: rate limits and bot
	// checks. It opens the breaker at once.
	failureThrottled
	// failureItem concerns one upload and says nothing about the platform.
	failureItem
	failureOther
)

var (
	throttleMarkers = []string{
		"http error 429", "too many requests",
		"http error 412", "precondition failed",
		"sign in to confirm", "rate limit",
	}
	itemMarkers = []string{
		"video unavailable", "private video", "has been removed",
		"not available in your country", "copyright", "members-only",
		"this live event", "premieres in",
	}
)

func classifyFailure(err error) failureClass {
	if err == nil {
		return failureNone
	}
	if isTimeoutLikeError(err) {
		return failureTimeout
	}
	value := strings.ToLower(err.Error())
	for _, marker := range throttleMarkers {
		if strings.Contains(value, marker) {
			return failureThrottled
		}
	}
	for _, marker := range itemMarkers {
		if strings.Contains(value, marker) {
			return failureItem
		}
	}
	return failureOther
}

type platformHealth struct {
	consecutiveFailures int
	blockedUntil        time.Time
	lastError           string
	lastOperation       string
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastLatency         time.Duration
	lastTimeout         bool
	lastQuery           string
	lastSourceURL       string
	totalRequests       int64
	totalFailures       int64
	timeoutCount        int64
	throttledCount      int64
	acquireRequests     int64
	acquireFailures     int64
}

func (s *Service) isPlatformBlocked(platform string, now time.Time) (bool, time.Time, string) {
	name := strings.ToLower(strings.TrimSpace(platform))
	if name == "" {
		return false, time.Time{}, ""
	}

	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	state := s.health[name]
	if state == nil || state.blockedUntil.IsZero() || now.After(state.blockedUntil) {
		return false, time.Time{}, ""
	}
	return true, state.blockedUntil, state.lastError
}

// RecordAcquisition reports the outcome of an extract or download call made
// outside search. Cancelled calls are ignored.
func (s *Service) RecordAcquisition(platform, operation, sourceURL string, err error, latency time.Duration) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.recordPlatformResult(platform, operation, sourceURL, err, latency, time.Now())
}

// recordPlatformResult updates the breaker for one call. subject is the
// keyword for searches and the source URL otherwise.
func (s *Service) recordPlatformResult(platform, operation, subject string, err error, latency time.Duration, now time.Time) {
	name := strings.ToLower(strings.TrimSpace(platform))
	if name == "" {
		return
	}
	class := classifyFailure(err)

	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	state := s.health[name]
	if state == nil {
		state = &platformHealth{}
		s.health[name] = state
	}
	state.totalRequests++
	state.lastOperation = operation
	if operation == OperationSearch {
		state.lastQuery = strings.TrimSpace(subject)
	} else {
		state.acquireRequests++
		state.lastSourceURL = strings.TrimSpace(subject)
	}
	if latency > 0 {
		state.lastLatency = latency
		metrics.PlatformRequestDuration.WithLabelValues(name, operation).Observe(latency.Seconds())
	}
	state.lastTimeout = class == failureTimeout

	switch class {
	case failureNone:
		state.consecutiveFailures = 0
		state.blockedUntil = time.Time{}
		state.lastError = ""
		state.lastSuccessAt = now
		metrics.PlatformRequestsTotal.WithLabelValues(name, operation, "ok").Inc()
		metrics.PlatformAvailable.WithLabelValues(name).Set(1)
		return
	case failureItem:
		// The platform answered; the upload itself is gone.
		if operation != OperationSearch {
			state.acquireFailures++
		}
		state.totalFailures++
		metrics.PlatformRequestsTotal.WithLabelValues(name, operation, "unavailable").Inc()
		return
	}

	state.totalFailures++
	if operation != OperationSearch {
		state.acquireFailures++
	}
	state.lastFailureAt = now
	state.lastError = err.Error()
	state.consecutiveFailures++

	status := "error"
	switch class {
	case failureTimeout:
		state.timeoutCount++
		status = "timeout"
	case failureThrottled:
		state.throttledCount++
		state.consecutiveFailures = max(state.consecutiveFailures, platformFailureThreshold)
		status = "throttled"
	}
	metrics.PlatformRequestsTotal.WithLabelValues(name, operation, status).Inc()

	if state.consecutiveFailures >= platformFailureThreshold {
		state.blockedUntil = now.Add(exponentialBlockDuration(state.consecutiveFailures))
		metrics.PlatformAvailable.WithLabelValues(name).Set(0)
	}
}

// exponentialBlockDuration doubles the base block for every failure past the
// threshold, capped at platformBlockMax.
func exponentialBlockDuration(consecutiveFailures int) time.Duration {
	exponent := max(consecutiveFailures-platformFailureThreshold, 0)
	d := platformBlockBase
	for range exponent {
		d *= 2
		if d > platformBlockMax {
			return platformBlockMax
		}
	}
	return d
}

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "timeout") || strings.Contains(value, "timed out") || strings.Contains(value, "deadline exceeded")
}

func (s *Service) PlatformDiagnostics() []domain.PlatformDiagnostics {
	infos := s.Platforms()
	if len(infos) == 0 {
		return nil
	}

	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	items := make([]domain.PlatformDiagnostics, 0, len(infos))
	for _, info := range infos {
		item := domain.PlatformDiagnostics{
			Name:    info.Name,
			Label:   info.Label,
			Kind:    info.Kind,
			Enabled: info.Enabled,
		}
		if state := s.health[strings.ToLower(info.Name)]; state != nil {
			state.fill(&item)
		}
		items = append(items, item)
	}
	return items
}

func (h *platformHealth) fill(item *domain.PlatformDiagnostics) {
	item.ConsecutiveFailures = h.consecutiveFailures
	item.BlockedUntil = timePtr(h.blockedUntil)
	item.LastError = h.lastError
	item.LastOperation = h.lastOperation
	item.LastSuccessAt = timePtr(h.lastSuccessAt)
	item.LastFailureAt = timePtr(h.lastFailureAt)
	item.LastLatencyMS = h.lastLatency.Milliseconds()
	item.LastTimeout = h.lastTimeout
	item.LastQuery = h.lastQuery
	item.LastSourceURL = h.lastSourceURL
	item.TotalRequests = h.totalRequests
	item.TotalFailures = h.totalFailures
	item.TimeoutCount = h.timeoutCount
	item.ThrottledCount = h.throttledCount
	item.AcquireRequests = h.acquireRequests
	item.AcquireFailures = h.acquireFailures
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
