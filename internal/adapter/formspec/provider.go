// Package formspec resolves form definitions from the downloaded form
// bundle and validates submitted payloads against their JSON Schemas.
package formspec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"

	"synkronus-host/internal/domain"
)

// formTypePattern guards against path traversal through form identifiers.
var formTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

type manifest struct {
	Version string `json:"version"`
}

type formFile struct {
	Schema json.RawMessage `json:"schema"`
	Layout json.RawMessage `json:"layout,omitempty"`
}

type cachedSpec struct {
	spec     *domain.FormSpec
	compiled *jsonschema.Schema
}

// Provider implements domain.FormSpecProvider over a form bundle
// directory. The bundle holds a manifest.json with the bundle version
// and one <formType>.json file per form.
type Provider struct {
	dir    string
	logger *slog.Logger
	bus    domain.EventBus

	mu    sync.RWMutex
	cache map[string]*cachedSpec
}

// NewProvider creates a provider over the bundle at dir.
func NewProvider(dir string, logger *slog.Logger, bus domain.EventBus) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		dir:    dir,
		logger: logger,
		bus:    bus,
		cache:  make(map[string]*cachedSpec),
	}
}

// BundleVersion reads the current bundle version from the manifest.
// Returns an empty version when no bundle has been downloaded yet.
func (p *Provider) BundleVersion() (string, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, "manifest.json"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read bundle manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse bundle manifest: %w", err)
	}
	return m.Version, nil
}

func (p *Provider) Resolve(ctx context.Context, formType string) (*domain.FormSpec, error) {
	entry, err := p.resolve(formType)
	if err != nil {
		return nil, err
	}
	return entry.spec, nil
}

func (p *Provider) Validate(ctx context.Context, formType string, payload json.RawMessage) error {
	entry, err := p.resolve(formType)
	if err != nil {
		return err
	}
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return domain.NewSubSystemError("form", "FormSpec.Validate", domain.ErrPayloadInvalid, "payload is not valid JSON")
	}
	result := entry.compiled.Validate(data)
	if !result.IsValid() {
		return domain.NewSubSystemError("form", "FormSpec.Validate", domain.ErrPayloadInvalid, result.Error())
	}
	return nil
}

func (p *Provider) Invalidate(formType string) {
	p.mu.Lock()
	if formType == "" {
		p.cache = make(map[string]*cachedSpec)
	} else {
		delete(p.cache, formType)
	}
	p.mu.Unlock()

	if p.bus != nil {
		payload, _ := json.Marshal(map[string]string{"form_type": formType})
		p.bus.Publish(context.Background(), domain.Event{
			Type:      domain.EventFormSpecInvalidated,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}
}

func (p *Provider) resolve(formType string) (*cachedSpec, error) {
	if !formTypePattern.MatchString(formType) {
		return nil, domain.NewSubSystemError("form", "FormSpec.Resolve", domain.ErrInvalidInput, formType)
	}

	p.mu.RLock()
	entry, ok := p.cache[formType]
	p.mu.RUnlock()
	if ok {
		return entry, nil
	}

	entry, err := p.load(formType)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	// Another goroutine may have loaded the same form; keep the first.
	if existing, ok := p.cache[formType]; ok {
		entry = existing
	} else {
		p.cache[formType] = entry
	}
	p.mu.Unlock()
	return entry, nil
}

func (p *Provider) load(formType string) (*cachedSpec, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, formType+".json"))
	if os.IsNotExist(err) {
		return nil, domain.NewSubSystemError("form", "FormSpec.Resolve", domain.ErrFormNotFound, formType)
	}
	if err != nil {
		return nil, fmt.Errorf("read form %s: %w", formType, err)
	}

	var ff formFile
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, domain.NewSubSystemError("form", "FormSpec.Resolve", domain.ErrFormSchemaInvalid,
			fmt.Sprintf("%s: %v", formType, err))
	}
	if len(ff.Schema) == 0 || strings.TrimSpace(string(ff.Schema)) == "null" {
		return nil, domain.NewSubSystemError("form", "FormSpec.Resolve", domain.ErrFormSchemaInvalid,
			fmt.Sprintf("%s: missing schema", formType))
	}

	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile([]byte(ff.Schema))
	if err != nil {
		return nil, domain.NewSubSystemError("form", "FormSpec.Resolve", domain.ErrFormSchemaInvalid,
			fmt.Sprintf("%s: %v", formType, err))
	}

	version, err := p.BundleVersion()
	if err != nil {
		p.logger.Warn("form bundle manifest unreadable", "error", err)
	}

	return &cachedSpec{
		spec: &domain.FormSpec{
			FormType: formType,
			Version:  version,
			Schema:   ff.Schema,
			Layout:   ff.Layout,
		},
		compiled: compiled,
	}, nil
}
