// Package capability hosts the native capture facilities the form
// renderer can request through the bridge: camera, barcode scanner,
// microphone, signature pad and location.
package capability

import (
	"context"
	"sync"

	"synkronus-host/internal/domain"
)

// Registry maps capability kinds to their implementations.
type Registry struct {
	mu       sync.RWMutex
	caps     map[domain.CapabilityKind]domain.Capability
	disabled map[domain.CapabilityKind]bool
}

func NewRegistry() *Registry {
	return &Registry{
		caps:     make(map[domain.CapabilityKind]domain.Capability),
		disabled: make(map[domain.CapabilityKind]bool),
	}
}

// Disable marks kinds as administratively unavailable. A disabled
// capability stays registered but every request for it is refused, so
// the renderer gets a distinct error from "never existed".
func (r *Registry) Disable(kinds ...domain.CapabilityKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range kinds {
		r.disabled[k] = true
	}
}

// Register adds or replaces the implementation for cap's kind.
func (r *Registry) Register(cap domain.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[cap.Kind()] = cap
}

// Get returns the capability for kind, or ErrCapabilityUnknown.
func (r *Registry) Get(kind domain.CapabilityKind) (domain.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[kind]
	if !ok {
		return nil, domain.NewSubSystemError("capability", "Registry.Get", domain.ErrCapabilityUnknown, string(kind))
	}
	if r.disabled[kind] {
		return nil, domain.NewSubSystemError("capability", "Registry.Get", domain.ErrCapabilityDisabled, string(kind))
	}
	return cap, nil
}

// Request resolves kind and forwards the capture request.
func (r *Registry) Request(ctx context.Context, kind domain.CapabilityKind, req domain.CaptureRequest) (*domain.CaptureResult, error) {
	cap, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	return cap.Request(ctx, req)
}

// Kinds lists the registered capability kinds.
func (r *Registry) Kinds() []domain.CapabilityKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.CapabilityKind, 0, len(r.caps))
	for k := range r.caps {
		kinds = append(kinds, k)
	}
	return kinds
}
