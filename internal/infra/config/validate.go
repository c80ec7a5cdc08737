package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found, allowing
// callers to inspect all issues at once.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateBridge(cfg, ve)
	validateStore(cfg, ve)
	validateForms(cfg, ve)
	validateSync(cfg, ve)
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateBridge(cfg *Config, ve *ValidationError) {
	if cfg.Bridge.RequestTimeout <= 0 {
		ve.Add("bridge.request_timeout must be > 0")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

func validateForms(cfg *Config, ve *ValidationError) {
	if cfg.Forms.BundleDir == "" {
		ve.Add("forms.bundle_dir must not be empty")
	}
}

func validateSync(cfg *Config, ve *ValidationError) {
	if !cfg.Sync.Enabled {
		return
	}
	if cfg.Sync.BaseURL == "" {
		ve.Add("sync.base_url is required when sync is enabled")
	} else if u, err := url.Parse(cfg.Sync.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		ve.Add("sync.base_url must be an http(s) URL, got %q", cfg.Sync.BaseURL)
	}
	if cfg.Sync.Schedule == "" {
		ve.Add("sync.schedule is required when sync is enabled")
	}
	if cfg.Sync.Timeout <= 0 {
		ve.Add("sync.timeout must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when the gateway is enabled")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if len(cfg.Gateway.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must not be empty when the gateway is enabled")
	}
	for i, tok := range cfg.Gateway.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not one of stdout, noop", cfg.Tracer.Exporter)
	}
}
