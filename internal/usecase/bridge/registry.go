package bridge

import (
	"regexp"
	"strings"
	"sync"

	"synkronus-host/internal/domain"
)

// verbPattern constrains action verbs to names that are safe both as
// envelope type values and as JavaScript identifiers on the renderer
// side.
var verbPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Registry is the capability-indexed set of host-side operations
// invocable by the remote form renderer. Verbs are mapped to handlers
// explicitly and validated at registration time, so a typo surfaces as
// an error when the host wires itself up, not as a silently unreachable
// handler at dispatch time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]domain.ActionHandler
	catchAll domain.ActionHandler
}

// NewRegistry creates an empty action handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]domain.ActionHandler)}
}

// Register binds verb to handler. The verb must be a valid identifier,
// must not collide with a reserved envelope type, and must not already
// be registered.
func (r *Registry) Register(verb string, handler domain.ActionHandler) error {
	if handler == nil {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "nil handler for "+verb)
	}
	if err := validateVerb("Registry.Register", verb); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[verb]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, verb)
	}
	r.handlers[verb] = handler
	return nil
}

// SetCatchAll installs the handler that receives the full envelope for
// any verb with no registered handler.
func (r *Registry) SetCatchAll(handler domain.ActionHandler) {
	r.mu.Lock()
	r.catchAll = handler
	r.mu.Unlock()
}

// Lookup returns the handler for verb. When no specific handler exists,
// the catch-all is returned with catchAll=true; (nil, false) means
// neither is available.
func (r *Registry) Lookup(verb string) (handler domain.ActionHandler, catchAll bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[verb]; ok {
		return h, false
	}
	return r.catchAll, r.catchAll != nil
}

// Verbs returns the registered verb names, unsorted.
func (r *Registry) Verbs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	verbs := make([]string, 0, len(r.handlers))
	for v := range r.handlers {
		verbs = append(verbs, v)
	}
	return verbs
}

func validateVerb(op, verb string) error {
	switch {
	case verb == "":
		return domain.NewDomainError(op, domain.ErrVerbInvalid, "empty verb")
	case verb == domain.TypeReady, verb == domain.TypeResponse:
		return domain.NewDomainError(op, domain.ErrVerbInvalid, verb+" is reserved")
	case strings.HasPrefix(verb, domain.ConsolePrefix):
		return domain.NewDomainError(op, domain.ErrVerbInvalid, verb+" collides with console passthrough")
	case strings.HasSuffix(verb, domain.ResponseSuffix):
		return domain.NewDomainError(op, domain.ErrVerbInvalid, verb+" collides with response envelope types")
	case !verbPattern.MatchString(verb):
		return domain.NewDomainError(op, domain.ErrVerbInvalid, verb)
	}
	return nil
}
