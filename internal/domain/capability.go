package domain

import (
	"context"
	"encoding/json"
)

// CapabilityKind identifies a native capture capability of the host.
type CapabilityKind string

const (
	CapabilityCamera     CapabilityKind = "camera"
	CapabilityScanner    CapabilityKind = "scanner"
	CapabilityMicrophone CapabilityKind = "microphone"
	CapabilitySignature  CapabilityKind = "signature"
	CapabilityLocation   CapabilityKind = "location"
)

// CaptureStatus tags the outcome of a capability invocation. A result
// is exactly one of these three variants, never partially filled.
type CaptureStatus string

const (
	CaptureOK        CaptureStatus = "ok"
	CaptureCancelled CaptureStatus = "cancelled"
	CaptureFailed    CaptureStatus = "failed"
)

// CaptureRequest asks a capability to produce an artifact for a form field.
type CaptureRequest struct {
	FieldID string          `json:"fieldId"`
	Options json.RawMessage `json:"options,omitempty"`
}

// CaptureResult is the tagged outcome of a capability invocation.
// Value is set only when Status is CaptureOK; Reason only when Status
// is CaptureFailed.
type CaptureResult struct {
	Status CaptureStatus   `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// OKResult wraps an already-marshalled value as a successful capture.
func OKResult(value json.RawMessage) *CaptureResult {
	return &CaptureResult{Status: CaptureOK, Value: value}
}

// CancelledResult reports a user-cancelled capture.
func CancelledResult() *CaptureResult {
	return &CaptureResult{Status: CaptureCancelled}
}

// FailedResult reports a failed capture with a reason.
func FailedResult(reason string) *CaptureResult {
	return &CaptureResult{Status: CaptureFailed, Reason: reason}
}

// Capability is a single native capture facility. Request blocks until
// the user completes or cancels the capture, or ctx is done.
type Capability interface {
	Kind() CapabilityKind
	Request(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
}
