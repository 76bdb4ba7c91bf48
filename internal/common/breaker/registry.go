package breaker

import (
	"sort"
	"sync"
	"time"
)

// EventType names a breaker event.
type EventType string

const (
	EventOpen     EventType = "open"
	EventHalfOpen EventType = "half_open"
	EventClose    EventType = "close"
	EventSuccess  EventType = "success"
	EventFailure  EventType = "failure"
	EventTimeout  EventType = "timeout"
	EventReject   EventType = "reject"
	EventFallback EventType = "fallback"
)

// Event is delivered to listeners after the circuit lock is released.
// State is the circuit state once the event was applied.
type Event struct {
	Breaker string
	Type    EventType
	State   State
	Err     error
	At      time.Time
}

// Listener observes breaker events. Listeners must not block.
type Listener func(Event)

// Clock supplies the current time for windows and reset timeouts.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SettingsFunc resolves the settings of a circuit the first time its name is used.
type SettingsFunc func(name string) Settings

// StatusSettings is the printable form of Settings.
type StatusSettings struct {
	Timeout                  string `json:"timeout"`
	ErrorThresholdPercentage int    `json:"error_threshold_percentage"`
	ResetTimeout             string `json:"reset_timeout"`
	RollingCountTimeout      string `json:"rolling_count_timeout"`
	RollingCountBuckets      int    `json:"rolling_count_buckets"`
	VolumeThreshold          int    `json:"volume_threshold"`
}

// Status is a point-in-time snapshot of one circuit.
type Status struct {
	Name     string         `json:"name"`
	State    State          `json:"state"`
	OpenedAt *time.Time     `json:"opened_at,omitempty"`
	Stats    Counts         `json:"stats"`
	Settings StatusSettings `json:"settings"`
}

// Registry creates circuits lazily and keeps them for its own lifetime.
type Registry struct {
	settings  SettingsFunc
	clock     Clock
	listeners []Listener

	mu       sync.Mutex
	circuits map[string]*circuit
}

type RegistryOption func(*Registry)

// WithListener registers a listener for events of every circuit.
func WithListener(l Listener) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewRegistry builds an empty registry. A nil settings func yields DefaultSettings for every name.
func NewRegistry(settings SettingsFunc, opts ...RegistryOption) *Registry {
	if settings == nil {
		settings = func(string) Settings { return DefaultSettings() }
	}
	r := &Registry{
		settings: settings,
		clock:    systemClock{},
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) notify(e Event) {
	for _, l := range r.listeners {
		l(e)
	}
}

func (r *Registry) circuit(name string) *circuit {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits[name]; ok {
		return c
	}
	c := newCircuit(name, r.settings(name), r.clock, r.notify)
	r.circuits[name] = c
	return c
}

// Get returns a command bound to op and fallback that fires through the circuit
// called name. Commands sharing a name share state. fallback may be nil.
func Get[A, T any](r *Registry, name string, op Operation[A, T], fallback Fallback[A, T]) *Command[A, T] {
	return &Command[A, T]{
		circuit:  r.circuit(name),
		op:       op,
		fallback: fallback,
	}
}

// Status reports the named circuit, if it has been created.
func (r *Registry) Status(name string) (Status, bool) {
	r.mu.Lock()
	c, ok := r.circuits[name]
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return c.status(), true
}

// Statuses reports every circuit created so far.
func (r *Registry) Statuses() map[string]Status {
	r.mu.Lock()
	circuits := make([]*circuit, 0, len(r.circuits))
	for _, c := range r.circuits {
		circuits = append(circuits, c)
	}
	r.mu.Unlock()

	out := make(map[string]Status, len(circuits))
	for _, c := range circuits {
		out[c.name] = c.status()
	}
	return out
}

// names lists created circuits in sorted order.
func (r *Registry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
