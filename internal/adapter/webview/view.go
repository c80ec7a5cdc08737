// Package webview adapts a platform web content container to the
// bridge's ContentView interface. The host application cannot call into
// the renderer directly; the only primitives the platform shell
// provides are "evaluate this script" and "deliver me posted messages".
package webview

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"synkronus-host/internal/domain"
	"synkronus-host/internal/usecase/bridge"
)

// Evaluator is the narrow surface a platform shell must supply for one
// web content container: script evaluation with the stringified result.
type Evaluator interface {
	// Evaluate runs script in the container and returns the result of
	// the final expression, stringified.
	Evaluate(ctx context.Context, script string) (string, error)
}

// View wraps an Evaluator as a domain.ContentView. The Evaluator
// reference may be detached when the platform tears the container down;
// injections then fail with ErrTransportUnavailable instead of panicking.
type View struct {
	label  string
	logger *slog.Logger

	mu   sync.RWMutex
	eval Evaluator
}

// NewView creates a View for the given container.
func NewView(label string, eval Evaluator, logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}
	return &View{label: label, eval: eval, logger: logger.With("view", label)}
}

// Detach drops the container reference. Subsequent injections fail with
// ErrTransportUnavailable until Attach is called again.
func (v *View) Detach() {
	v.mu.Lock()
	v.eval = nil
	v.mu.Unlock()
}

// Attach (re)binds the container reference.
func (v *View) Attach(eval Evaluator) {
	v.mu.Lock()
	v.eval = eval
	v.mu.Unlock()
}

func (v *View) Label() string { return v.label }

// Inject evaluates script in the container, discarding the result.
func (v *View) Inject(ctx context.Context, script string) error {
	v.mu.RLock()
	eval := v.eval
	v.mu.RUnlock()
	if eval == nil {
		return domain.NewDomainError("View.Inject", domain.ErrTransportUnavailable, v.label)
	}
	if _, err := eval.Evaluate(ctx, script); err != nil {
		return domain.NewSubSystemError("bridge", "View.Inject", domain.ErrUnavailable, err.Error())
	}
	return nil
}

// HasBridge probes the container for the bridge invocation surface.
func (v *View) HasBridge(ctx context.Context) (bool, error) {
	v.mu.RLock()
	eval := v.eval
	v.mu.RUnlock()
	if eval == nil {
		return false, domain.NewDomainError("View.HasBridge", domain.ErrTransportUnavailable, v.label)
	}
	out, err := eval.Evaluate(ctx, bridge.ProbeExpression)
	if err != nil {
		return false, domain.WrapOp("View.HasBridge", err)
	}
	return strings.TrimSpace(out) == "true", nil
}
