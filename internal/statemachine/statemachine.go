// ============================================================================
// fleetlink Worker State Machine
// ============================================================================
//
// Package: internal/statemachine
// File: statemachine.go
//
// Every managed device has one finite state machine describing what its
// worker is doing. Inbound work is only handed to a device whose machine is
// IDLE, so this registry is the gate of the whole dispatch path.
//
// Transition table:
//
//   INIT              → NOT_LOGINED, IDLE, INIT
//   NOT_LOGINED       → IDLE, INIT
//   IDLE              → WORKING, IDLE_EXCEPTION, NOT_LOGINED
//   WORKING           → IDLE, WORKING_EXCEPTION, NOT_LOGINED
//   WORKING_EXCEPTION → WORKING, NOT_LOGINED, IDLE, IDLE_EXCEPTION
//   IDLE_EXCEPTION    → IDLE, NOT_LOGINED
//
// Machines are created lazily on the first Dispatch. Reads never create.
//
// ============================================================================

package statemachine

import (
	"log/slog"
	"sync"

	"github.com/ChuLiYu/fleetlink/internal/metrics"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

var transitions = map[types.WorkerState][]types.WorkerState{
	types.StateInit:             {types.StateNotLogined, types.StateIdle, types.StateInit},
	types.StateNotLogined:       {types.StateIdle, types.StateInit},
	types.StateIdle:             {types.StateWorking, types.StateIdleException, types.StateNotLogined},
	types.StateWorking:          {types.StateIdle, types.StateWorkingException, types.StateNotLogined},
	types.StateWorkingException: {types.StateWorking, types.StateNotLogined, types.StateIdle, types.StateIdleException},
	types.StateIdleException:    {types.StateIdle, types.StateNotLogined},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to types.WorkerState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EnterHandler runs after a machine enters a state. It is called outside the
// registry lock, so it may read the registry or dispatch again.
type EnterHandler func(deviceID string, from types.WorkerState, payload any)

// Config configures a Registry.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Registry holds one machine per device id.
type Registry struct {
	mu       sync.RWMutex
	states   map[string]types.WorkerState
	handlers map[types.WorkerState][]EnterHandler
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		states:   make(map[string]types.WorkerState),
		handlers: make(map[types.WorkerState][]EnterHandler),
		logger:   cfg.Logger.With("component", "statemachine"),
		metrics:  cfg.Metrics,
	}
}

// OnEnter registers h to run every time a machine enters state. Register
// handlers before the registry is shared between goroutines.
func (r *Registry) OnEnter(state types.WorkerState, h EnterHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[state] = append(r.handlers[state], h)
}

// Dispatch moves deviceID to next. A device without a machine starts from
// INIT, and the machine is only created once that first transition is legal.
// Illegal transitions and empty ids are logged, leave the registry untouched
// and return false.
func (r *Registry) Dispatch(deviceID string, next types.WorkerState, payload any) bool {
	if deviceID == "" {
		r.logger.Warn("state dispatch without device id", "to", next)
		return false
	}

	r.mu.Lock()
	current, ok := r.states[deviceID]
	if !ok {
		current = types.StateInit
	}
	if !CanTransition(current, next) {
		r.mu.Unlock()
		r.logger.Warn("illegal state transition rejected",
			"device_id", deviceID,
			"from", current,
			"to", next)
		r.metrics.RecordRejection(string(current), string(next))
		return false
	}
	r.states[deviceID] = next
	handlers := r.handlers[next]
	r.mu.Unlock()

	r.logger.Debug("state transition", "device_id", deviceID, "from", current, "to", next)
	r.metrics.RecordTransition(string(current), string(next))

	for _, h := range handlers {
		h(deviceID, current, payload)
	}
	return true
}

// CurrentState returns the state of deviceID, INIT when no machine exists.
func (r *Registry) CurrentState(deviceID string) types.WorkerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.states[deviceID]; ok {
		return s
	}
	return types.StateInit
}

// Exists reports whether a machine has been created for deviceID.
func (r *Registry) Exists(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.states[deviceID]
	return ok
}

// CreateMachine replaces any existing machine for deviceID with a fresh one
// in INIT.
func (r *Registry) CreateMachine(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[deviceID] = types.StateInit
}

// Remove tears down the machine of deviceID.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, deviceID)
}

// Snapshot returns a copy of every machine's state.
func (r *Registry) Snapshot() map[string]types.WorkerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.WorkerState, len(r.states))
	for id, s := range r.states {
		out[id] = s
	}
	return out
}
