// Package circuit guards the uploader's S3 calls with a trip/cooldown state
// machine so a failing or throttling endpoint doesn't turn every batch into a
// slow, doomed retry.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker's current position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes the trip and recovery behavior.
type Config struct {
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(Counts) bool
	OnStateChange func(from, to State)
}

// Counts tracks request outcomes within the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onRequest() { c.Requests++ }
func (c *Counts) onSuccess() { c.TotalSuccesses++; c.ConsecutiveSuccesses++; c.ConsecutiveFailures = 0 }
func (c *Counts) onFailure() { c.TotalFailures++; c.ConsecutiveFailures++; c.ConsecutiveSuccesses = 0 }
func (c *Counts) clear()     { *c = Counts{} }

// Breaker is a single circuit breaker instance, one per upload destination.
type Breaker struct {
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

var (
	ErrOpen           = errors.New("circuit breaker open")
	ErrHalfOpenLimit  = errors.New("circuit breaker half-open request limit reached")
)

// New creates a Breaker. A nil ReadyToTrip falls back to five consecutive
// failures, which matches the uploader's non-retrying-at-the-app-level
// failure semantics: each PUT either succeeds or the batch is abandoned, so
// the breaker trips on consecutive rather than ratio-based failures.
func New(config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	return &Breaker{config: config, state: StateClosed, expiry: time.Now().Add(config.Interval)}
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if state == StateOpen {
		return ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return ErrHalfOpenLimit
	}
	b.counts.onRequest()
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())
	if err == nil {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = time.Now().Add(b.config.Interval)
	case StateOpen:
		b.expiry = time.Now().Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(prev, state)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}
