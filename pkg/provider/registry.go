// Package provider implements the Protocol/Provider Registry (C3): it
// validates protocols, routes a (protocol, method) pair to a healthy
// provider, and tracks provider health and rolling success rate. The
// registry shape follows the donor's Mel registry (pkg/api/mel.go) —
// an RWMutex-guarded in-memory collection reached through narrow
// methods — generalized from a single node-type lookup to routing by
// (protocol, method).
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/gleitzeit/gleitzeit/pkg/protocol"
	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
)

// Health is the provider health state tracked by the registry.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

type HealthStatus struct {
	Status  Health
	Details string
}

// Provider is the contract every protocol implementation must satisfy,
// whether it runs in-process or proxies to a remote process over its
// own transport.
type Provider interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) (HealthStatus, error)
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	SupportedMethods() []string
}

// Stats is a snapshot of a provider's rolling request/error counters.
type Stats struct {
	RequestCount uint64
	ErrorCount   uint64
	SuccessRate  float64
	InFlight     int64
	Health       Health
}

type entry struct {
	id         string
	protocolID string
	provider   Provider

	mu                  sync.Mutex
	health              Health
	consecutiveFailures int
	requestCount        uint64
	errorCount          uint64
	window              []bool // true = success, bounded to windowSize
	inFlight            int64
}

func (e *entry) snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	successes := 0
	for _, ok := range e.window {
		if ok {
			successes++
		}
	}
	rate := 1.0
	if len(e.window) > 0 {
		rate = float64(successes) / float64(len(e.window))
	}
	return Stats{
		RequestCount: e.requestCount,
		ErrorCount:   e.errorCount,
		SuccessRate:  rate,
		InFlight:     atomic.LoadInt64(&e.inFlight),
		Health:       e.health,
	}
}

// Registry is the C3 Protocol/Provider Registry.
type Registry struct {
	mu         sync.RWMutex
	protocols  map[string]protocol.Spec
	providers  map[string][]*entry // protocolID -> providers
	byID       map[string]*entry   // protocolID+"/"+providerID -> entry
	windowSize int
}

// NewRegistry creates a Registry with a rolling-success-rate window of
// windowSize attempts, clamped into the specified [50, 500] range.
func NewRegistry(windowSize int) *Registry {
	if windowSize < 50 {
		windowSize = 50
	}
	if windowSize > 500 {
		windowSize = 500
	}
	return &Registry{
		protocols:  make(map[string]protocol.Spec),
		providers:  make(map[string][]*entry),
		byID:       make(map[string]*entry),
		windowSize: windowSize,
	}
}

// RegisterProtocol accepts a protocol spec; re-registering the identical
// protocol id is allowed (idempotent), anything else with the same id
// is rejected.
func (r *Registry) RegisterProtocol(spec protocol.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.protocols[spec.ProtocolID]; ok {
		if !reflect.DeepEqual(existing, spec) {
			return rpcerr.NewInvalidParams(fmt.Sprintf("protocol %q already registered with a different spec", spec.ProtocolID))
		}
	}
	r.protocols[spec.ProtocolID] = spec
	return nil
}

// RegisterProvider accepts a provider for a known protocol, rejecting it
// if the protocol is unknown or if it advertises a method the protocol
// doesn't declare.
func (r *Registry) RegisterProvider(ctx context.Context, protocolID, providerID string, p Provider) error {
	r.mu.Lock()
	spec, ok := r.protocols[protocolID]
	if !ok {
		r.mu.Unlock()
		return rpcerr.NewInvalidParams(fmt.Sprintf("protocol %q is not registered", protocolID))
	}
	for _, m := range p.SupportedMethods() {
		if _, ok := spec.Methods[m]; !ok {
			r.mu.Unlock()
			return rpcerr.NewInvalidParams(fmt.Sprintf("provider %q advertises unknown method %q for protocol %q", providerID, m, protocolID))
		}
	}
	e := &entry{id: providerID, protocolID: protocolID, provider: p, health: HealthHealthy}
	r.providers[protocolID] = append(r.providers[protocolID], e)
	r.byID[protocolID+"/"+providerID] = e
	r.mu.Unlock()

	return p.Initialize(ctx)
}

// selectEntry returns a healthy provider entry supporting method, per the
// selection policy: highest success_rate among healthy providers, ties
// broken by lowest in-flight load.
func (r *Registry) selectEntry(protocolID, method string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	var bestStats Stats
	for _, e := range r.providers[protocolID] {
		if !supportsMethod(e.provider, method) {
			continue
		}
		e.mu.Lock()
		healthy := e.health == HealthHealthy
		e.mu.Unlock()
		if !healthy {
			continue
		}
		stats := e.snapshot()
		if best == nil ||
			stats.SuccessRate > bestStats.SuccessRate ||
			(stats.SuccessRate == bestStats.SuccessRate && stats.InFlight < bestStats.InFlight) {
			best = e
			bestStats = stats
		}
	}
	if best == nil {
		return nil, rpcerr.NewProviderNotAvailable(fmt.Sprintf("no healthy provider for %s.%s", protocolID, method))
	}
	return best, nil
}

func supportsMethod(p Provider, method string) bool {
	for _, m := range p.SupportedMethods() {
		if m == method {
			return true
		}
	}
	return false
}

// Dispatch validates params against the method's schema, selects a
// healthy provider, executes the call under ctx, and records per-attempt
// stats and health transitions.
func (r *Registry) Dispatch(ctx context.Context, protocolID, method string, params json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	spec, ok := r.protocols[protocolID]
	r.mu.RUnlock()
	if !ok {
		return nil, rpcerr.NewInvalidParams(fmt.Sprintf("protocol %q is not registered", protocolID))
	}
	methodSpec, ok := spec.Methods[method]
	if !ok {
		return nil, rpcerr.NewMethodNotFound(fmt.Sprintf("%s has no method %q", protocolID, method))
	}

	var parsed map[string]interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &parsed); err != nil {
			return nil, rpcerr.NewInvalidParams(fmt.Sprintf("params must be a JSON object: %v", err))
		}
	} else {
		parsed = map[string]interface{}{}
	}
	if err := methodSpec.ValidateParams(parsed); err != nil {
		return nil, err
	}

	e, err := r.selectEntry(protocolID, method)
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&e.inFlight, 1)
	defer atomic.AddInt64(&e.inFlight, -1)

	result, callErr := e.provider.HandleRequest(ctx, method, params)
	r.recordOutcome(ctx, e, callErr == nil)

	if callErr != nil {
		return nil, classifyProviderError(ctx, callErr)
	}
	return result, nil
}

func classifyProviderError(ctx context.Context, err error) error {
	if rerr, ok := err.(*rpcerr.Error); ok {
		return rerr
	}
	if ctx.Err() != nil {
		return rpcerr.NewProviderTimeout(ctx.Err().Error())
	}
	return rpcerr.Wrap(rpcerr.ProviderNotAvailable, rpcerr.CategoryTransientNetwork, "provider call failed", err)
}

// recordOutcome updates the rolling window, request/error counters, and
// applies health-state transitions: a probe fires on every 3rd
// consecutive failure, downgrading the provider a step; a success
// resets the failure streak and restores healthy status.
func (r *Registry) recordOutcome(ctx context.Context, e *entry, success bool) {
	e.mu.Lock()
	e.requestCount++
	if !success {
		e.errorCount++
	}
	e.window = append(e.window, success)
	if len(e.window) > r.windowSize {
		e.window = e.window[len(e.window)-r.windowSize:]
	}
	if success {
		e.consecutiveFailures = 0
		e.health = HealthHealthy
		e.mu.Unlock()
		return
	}
	e.consecutiveFailures++
	probe := e.consecutiveFailures%3 == 0
	e.mu.Unlock()

	if !probe {
		return
	}
	status, err := e.provider.HealthCheck(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil || status.Status == HealthUnhealthy {
		e.health = downgrade(e.health)
		return
	}
	e.health = status.Status
}

func downgrade(h Health) Health {
	switch h {
	case HealthHealthy:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// ProviderHealth reports the current health snapshot of one provider,
// used by the read-only registry-introspection HTTP endpoint.
func (r *Registry) ProviderHealth(protocolID, providerID string) (Stats, error) {
	r.mu.RLock()
	e, ok := r.byID[protocolID+"/"+providerID]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, rpcerr.NewInvalidParams(fmt.Sprintf("no such provider %s/%s", protocolID, providerID))
	}
	return e.snapshot(), nil
}

// Shutdown tears down every registered provider.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	var firstErr error
	for _, e := range entries {
		if err := e.provider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
