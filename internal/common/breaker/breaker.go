// Package breaker wraps calls to flaky dependencies in per-name circuit breakers
// with a rolling failure window, a per-call timeout and an optional fallback.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when a call is short-circuited and no fallback is bound.
	ErrCircuitOpen = errors.New("CIRCUIT_OPEN")
	// ErrTimeout is returned when the operation did not settle within Settings.Timeout.
	ErrTimeout = errors.New("CIRCUIT_TIMEOUT")
)

// State of a circuit. The numeric value is exported as the state gauge.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings tunes one circuit.
type Settings struct {
	Timeout                  time.Duration
	ErrorThresholdPercentage int
	ResetTimeout             time.Duration
	RollingCountTimeout      time.Duration
	RollingCountBuckets      int
	// VolumeThreshold is the minimum number of settled calls in the window before the circuit may trip.
	VolumeThreshold int
	// IsRejection marks errors that are a valid answer from a healthy dependency.
	// They are returned to the caller as is, count as a success and skip the fallback.
	IsRejection func(error) bool
}

// DefaultSettings: 5s timeout, 50% threshold, 30s reset, 60s window of 10 buckets.
func DefaultSettings() Settings {
	return Settings{
		Timeout:                  5 * time.Second,
		ErrorThresholdPercentage: 50,
		ResetTimeout:             30 * time.Second,
		RollingCountTimeout:      60 * time.Second,
		RollingCountBuckets:      10,
	}
}

func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.ErrorThresholdPercentage < 0 || s.ErrorThresholdPercentage > 100 {
		s.ErrorThresholdPercentage = d.ErrorThresholdPercentage
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = d.ResetTimeout
	}
	if s.RollingCountTimeout <= 0 {
		s.RollingCountTimeout = d.RollingCountTimeout
	}
	if s.RollingCountBuckets < 1 {
		s.RollingCountBuckets = d.RollingCountBuckets
	}
	if s.VolumeThreshold < 0 {
		s.VolumeThreshold = 0
	}
	return s
}

// Operation is the wrapped call. It receives the caller's context, which is
// not cancelled when the breaker stops waiting on a timeout.
type Operation[A, T any] func(ctx context.Context, arg A) (T, error)

// Fallback is invoked with the original argument when the circuit is open or
// the operation failed. cause is ErrCircuitOpen, ErrTimeout or the operation error.
type Fallback[A, T any] func(ctx context.Context, arg A, cause error) (T, error)

// circuit holds the shared state of one named breaker.
type circuit struct {
	name     string
	settings Settings
	clock    Clock
	notify   func(Event)

	mu            sync.Mutex
	state         State
	openedAt      time.Time
	trialInFlight bool
	window        *window
}

func newCircuit(name string, s Settings, clock Clock, notify func(Event)) *circuit {
	s = s.normalized()
	return &circuit{
		name:     name,
		settings: s,
		clock:    clock,
		notify:   notify,
		state:    StateClosed,
		window:   newWindow(s.RollingCountTimeout, s.RollingCountBuckets, clock.Now()),
	}
}

func (c *circuit) event(t EventType, err error) Event {
	return Event{Breaker: c.name, Type: t, State: c.state, Err: err, At: c.clock.Now()}
}

func (c *circuit) emit(events []Event) {
	if c.notify == nil {
		return
	}
	for _, e := range events {
		c.notify(e)
	}
}

// admit decides whether a call may reach the operation. trial is true for the
// single probe allowed in half-open.
func (c *circuit) admit() (admitted, trial bool) {
	c.mu.Lock()
	now := c.clock.Now()
	c.window.current(now).Fires++

	var events []Event
	switch c.state {
	case StateClosed:
		admitted = true
	case StateOpen:
		if now.Sub(c.openedAt) >= c.settings.ResetTimeout {
			c.state = StateHalfOpen
			c.trialInFlight = true
			events = append(events, c.event(EventHalfOpen, nil))
			admitted, trial = true, true
		}
	case StateHalfOpen:
		if !c.trialInFlight {
			c.trialInFlight = true
			admitted, trial = true, true
		}
	}
	if !admitted {
		c.window.current(now).Rejects++
		events = append(events, c.event(EventReject, ErrCircuitOpen))
	}
	c.mu.Unlock()

	c.emit(events)
	return admitted, trial
}

func (c *circuit) onSuccess(trial bool) {
	c.mu.Lock()
	now := c.clock.Now()
	c.window.current(now).Successes++
	events := []Event{c.event(EventSuccess, nil)}
	if trial && c.state == StateHalfOpen {
		c.trialInFlight = false
		c.state = StateClosed
		c.window.reset(now)
		events = append(events, c.event(EventClose, nil))
	}
	c.mu.Unlock()

	c.emit(events)
}

func (c *circuit) onFailure(trial bool, kind EventType, err error) {
	c.mu.Lock()
	now := c.clock.Now()
	b := c.window.current(now)
	b.Failures++
	if kind == EventTimeout {
		b.Timeouts++
	}
	events := []Event{c.event(kind, err)}

	switch {
	case trial && c.state == StateHalfOpen:
		c.trialInFlight = false
		c.trip(now)
		events = append(events, c.event(EventOpen, err))
	case c.state == StateClosed && c.shouldTrip(now):
		c.trip(now)
		events = append(events, c.event(EventOpen, err))
	}
	c.mu.Unlock()

	c.emit(events)
}

// abandon releases a trial whose caller went away before it settled.
func (c *circuit) abandon(trial bool) {
	if !trial {
		return
	}
	c.mu.Lock()
	if c.state == StateHalfOpen {
		c.trialInFlight = false
	}
	c.mu.Unlock()
}

func (c *circuit) onFallback(cause error) {
	c.mu.Lock()
	c.window.current(c.clock.Now()).Fallbacks++
	events := []Event{c.event(EventFallback, cause)}
	c.mu.Unlock()

	c.emit(events)
}

func (c *circuit) shouldTrip(now time.Time) bool {
	totals := c.window.totals(now)
	settled := totals.Successes + totals.Failures
	if settled == 0 || settled < c.settings.VolumeThreshold {
		return false
	}
	return totals.ErrorPercentage() > float64(c.settings.ErrorThresholdPercentage)
}

func (c *circuit) trip(now time.Time) {
	c.state = StateOpen
	c.openedAt = now
}

func (c *circuit) isRejection(err error) bool {
	return c.settings.IsRejection != nil && c.settings.IsRejection(err)
}

func (c *circuit) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	st := Status{
		Name:  c.name,
		State: c.state,
		Stats: c.window.totals(now),
		Settings: StatusSettings{
			Timeout:                  c.settings.Timeout.String(),
			ErrorThresholdPercentage: c.settings.ErrorThresholdPercentage,
			ResetTimeout:             c.settings.ResetTimeout.String(),
			RollingCountTimeout:      c.settings.RollingCountTimeout.String(),
			RollingCountBuckets:      c.settings.RollingCountBuckets,
			VolumeThreshold:          c.settings.VolumeThreshold,
		},
	}
	if c.state != StateClosed {
		opened := c.openedAt
		st.OpenedAt = &opened
	}
	return st
}

// Command binds an operation and its fallback to a named circuit.
type Command[A, T any] struct {
	circuit  *circuit
	op       Operation[A, T]
	fallback Fallback[A, T]
}

// Name of the circuit the command fires through.
func (c *Command[A, T]) Name() string { return c.circuit.name }

// State of the shared circuit.
func (c *Command[A, T]) State() State {
	c.circuit.mu.Lock()
	defer c.circuit.mu.Unlock()
	return c.circuit.state
}

type outcome[T any] struct {
	val T
	err error
}

// Fire calls the operation through the circuit.
func (c *Command[A, T]) Fire(ctx context.Context, arg A) (T, error) {
	var zero T
	cb := c.circuit
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	admitted, trial := cb.admit()
	if !admitted {
		return c.fallbackOr(ctx, arg, fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name))
	}

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("breaker %s: operation panicked: %v", cb.name, r)}
			}
		}()
		v, err := c.op(ctx, arg)
		done <- outcome[T]{val: v, err: err}
	}()

	timer := time.NewTimer(cb.settings.Timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err == nil {
			cb.onSuccess(trial)
			return out.val, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(out.err, ctxErr) {
			// the caller gave up; not a verdict on the dependency
			cb.abandon(trial)
			return zero, out.err
		}
		if cb.isRejection(out.err) {
			cb.onSuccess(trial)
			return zero, out.err
		}
		cb.onFailure(trial, EventFailure, out.err)
		return c.fallbackOr(ctx, arg, out.err)
	case <-timer.C:
		// the operation keeps running; its result lands in the buffered channel and is dropped
		err := fmt.Errorf("%w: %s timed out after %s", ErrTimeout, cb.name, cb.settings.Timeout)
		cb.onFailure(trial, EventTimeout, err)
		return c.fallbackOr(ctx, arg, err)
	case <-ctx.Done():
		cb.abandon(trial)
		return zero, ctx.Err()
	}
}

func (c *Command[A, T]) fallbackOr(ctx context.Context, arg A, cause error) (T, error) {
	if c.fallback == nil {
		var zero T
		return zero, cause
	}
	c.circuit.onFallback(cause)
	return c.fallback(ctx, arg, cause)
}
