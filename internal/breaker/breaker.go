// Package breaker isolates flaky sources with a per-source failure count and
// exponential backoff.
package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultThreshold is the number of consecutive failures that opens a circuit.
	DefaultThreshold = 3
	// DefaultBaseBackoff is the first open period.
	DefaultBaseBackoff = 60 * time.Second
	// DefaultMaxBackoff caps every open period.
	DefaultMaxBackoff = 30 * time.Minute
	// DefaultMaxDoublings caps the exponent of the backoff.
	DefaultMaxDoublings = 6
)

// Options tune the registry. Zero values fall back to the defaults.
type Options struct {
	Threshold    int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxDoublings int
	Now          func() time.Time
}

// State is the failure bookkeeping for one source.
type State struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenUntil           *time.Time `json:"circuit_open_until,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Registry holds the circuit state of every source for the process lifetime.
// A source without an entry is closed.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	states map[string]*State
}

// New constructs an empty registry.
func New(opts Options, logger zerolog.Logger) *Registry {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxDoublings < 0 {
		opts.MaxDoublings = 0
	} else if opts.MaxDoublings == 0 {
		opts.MaxDoublings = DefaultMaxDoublings
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:   opts,
		logger: logger.With().Str("component", "circuit_breaker").Logger(),
		states: make(map[string]*State),
	}
}

// Backoff returns the open period after the given number of consecutive failures.
func (r *Registry) Backoff(failures int) time.Duration {
	if failures < r.opts.Threshold {
		return 0
	}
	exp := failures - r.opts.Threshold
	if exp > r.opts.MaxDoublings {
		exp = r.opts.MaxDoublings
	}
	d := r.opts.BaseBackoff
	for i := 0; i < exp; i++ {
		d *= 2
		if d >= r.opts.MaxBackoff {
			return r.opts.MaxBackoff
		}
	}
	if d > r.opts.MaxBackoff {
		return r.opts.MaxBackoff
	}
	return d
}

// Allow reports whether the source may be polled now. An expired open
// period soft-closes the circuit by clearing the entry.
func (r *Registry) Allow(sourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[sourceID]
	if !ok || st.OpenUntil == nil {
		return true
	}
	if !r.opts.Now().Before(*st.OpenUntil) {
		delete(r.states, sourceID)
		r.logger.Info().Str("source", sourceID).Msg("circuit backoff expired; source eligible again")
		return true
	}
	return false
}

// RecordFailure counts a failed attempt and opens the circuit once the
// threshold is reached.
func (r *Registry) RecordFailure(sourceID, errMsg string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[sourceID]
	if !ok {
		st = &State{}
		r.states[sourceID] = st
	}
	st.ConsecutiveFailures++
	st.LastError = errMsg

	if st.ConsecutiveFailures >= r.opts.Threshold {
		backoff := r.Backoff(st.ConsecutiveFailures)
		until := r.opts.Now().Add(backoff)
		st.OpenUntil = &until
		r.logger.Warn().Str("source", sourceID).
			Int("failures", st.ConsecutiveFailures).
			Dur("backoff", backoff).
			Time("open_until", until).
			Msg("circuit open")
	}
	return *st
}

// RecordSuccess clears all failure state for the source.
func (r *Registry) RecordSuccess(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[sourceID]; ok {
		delete(r.states, sourceID)
		r.logger.Info().Str("source", sourceID).Msg("circuit closed after success")
	}
}

// Get returns a copy of the source's state.
func (r *Registry) Get(sourceID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[sourceID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Snapshot copies every tracked state, for status endpoints.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.states))
	for id, st := range r.states {
		out[id] = *st
	}
	return out
}

// OpenSources lists sources whose circuit is currently open.
func (r *Registry) OpenSources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.opts.Now()
	var ids []string
	for id, st := range r.states {
		if st.OpenUntil != nil && now.Before(*st.OpenUntil) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
