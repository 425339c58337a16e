package core

import (
	"errors"
	"sync"
	"time"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned by callers that consult the breaker before an
// outbound request.
var ErrCircuitOpen = errors.New("circuit open")

// HealthMonitor is a failure-counting circuit breaker for an upstream API.
// After failureThreshold consecutive failures it opens; once recoveryTimeout
// has passed a single probe is let through (half-open).
type HealthMonitor struct {
	successCount     int64
	failureCount     int64
	consecutive      int
	lastResponse     time.Time
	circuitState     CircuitState
	failureThreshold int
	recoveryTimeout  time.Duration
	probing          bool
	now              func() time.Time
	mutex            sync.Mutex
}

func NewHealthMonitor(failureThreshold int, recoveryTimeout time.Duration) *HealthMonitor {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &HealthMonitor{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		circuitState:     CircuitClosed,
		now:              time.Now,
	}
}

// CanProceed reports whether a request may be sent now.
func (hm *HealthMonitor) CanProceed() bool {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	switch hm.circuitState {
	case CircuitOpen:
		if hm.now().Sub(hm.lastResponse) > hm.recoveryTimeout {
			hm.circuitState = CircuitHalfOpen
			hm.probing = true
			return true
		}
		return false
	case CircuitHalfOpen:
		// one probe at a time
		if hm.probing {
			return false
		}
		hm.probing = true
		return true
	case CircuitClosed:
		return true
	default:
		return false
	}
}

func (hm *HealthMonitor) RecordSuccess() {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.successCount++
	hm.consecutive = 0
	hm.lastResponse = hm.now()
	hm.probing = false
	hm.circuitState = CircuitClosed
}

func (hm *HealthMonitor) RecordFailure() {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.failureCount++
	hm.consecutive++
	hm.lastResponse = hm.now()
	hm.probing = false

	if hm.circuitState == CircuitHalfOpen || hm.consecutive >= hm.failureThreshold {
		hm.circuitState = CircuitOpen
	}
}

func (hm *HealthMonitor) GetCircuitState() string {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	return hm.circuitState.String()
}

func (hm *HealthMonitor) GetStats() map[string]interface{} {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	return map[string]interface{}{
		"circuit_state":        hm.circuitState.String(),
		"success_count":        hm.successCount,
		"failure_count":        hm.failureCount,
		"consecutive_failures": hm.consecutive,
	}
}
