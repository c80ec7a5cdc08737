// Package actions implements the host-side operations the form
// renderer can invoke across the bridge: native captures, record
// persistence, form submission and specification lookup.
package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"synkronus-host/internal/domain"
	"synkronus-host/internal/usecase/bridge"
)

// CapabilityRequester resolves and runs a native capture capability.
type CapabilityRequester interface {
	Request(ctx context.Context, kind domain.CapabilityKind, req domain.CaptureRequest) (*domain.CaptureResult, error)
}

// Service wires renderer-invocable verbs to the host's capabilities and
// local storage.
type Service struct {
	store  domain.RecordRepository
	forms  domain.FormSpecProvider
	caps   CapabilityRequester
	bus    domain.EventBus
	logger *slog.Logger
}

func NewService(store domain.RecordRepository, forms domain.FormSpecProvider, caps CapabilityRequester, bus domain.EventBus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, forms: forms, caps: caps, bus: bus, logger: logger}
}

// Bind registers every handler verb on reg. Registration failures are
// wiring bugs and surface immediately.
func (s *Service) Bind(reg *bridge.Registry) error {
	handlers := map[string]domain.ActionHandler{
		"requestCamera":    s.captureHandler(domain.CapabilityCamera),
		"requestQRScan":    s.captureHandler(domain.CapabilityScanner),
		"requestAudio":     s.captureHandler(domain.CapabilityMicrophone),
		"requestSignature": s.captureHandler(domain.CapabilitySignature),
		"requestLocation":  s.captureHandler(domain.CapabilityLocation),
		"saveRecord":       s.saveRecord,
		"submitForm":       s.submitForm,
		"partialSave":      s.partialSave,
		"getFormSpec":      s.getFormSpec,
	}
	for verb, h := range handlers {
		if err := reg.Register(verb, h); err != nil {
			return err
		}
	}
	return nil
}

// captureMessage is the envelope body for the request* verbs.
type captureMessage struct {
	FieldID  string          `json:"fieldId"`
	RecordID string          `json:"recordId,omitempty"`
	Options  json.RawMessage `json:"options,omitempty"`
}

// captureHandler builds the handler for one capability kind. The
// capture outcome — including user cancellation — travels in the result
// so the renderer can distinguish "no photo taken" from a failure.
func (s *Service) captureHandler(kind domain.CapabilityKind) domain.ActionHandler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var msg captureMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, domain.NewDomainError("actions.capture", domain.ErrMalformedMessage, err.Error())
		}
		res, err := s.caps.Request(ctx, kind, domain.CaptureRequest{FieldID: msg.FieldID, Options: msg.Options})
		if err != nil {
			return nil, err
		}
		if res.Status == domain.CaptureOK && msg.RecordID != "" {
			s.linkAttachment(ctx, kind, &msg, res)
		}
		return res, nil
	}
}

// linkAttachment persists a file-backed capture against its record.
// Non-file results (location fixes, scanned text) stay inline in the
// form payload and are not linked.
func (s *Service) linkAttachment(ctx context.Context, kind domain.CapabilityKind, msg *captureMessage, res *domain.CaptureResult) {
	var art struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(res.Value, &art); err != nil || art.URI == "" {
		return
	}
	att := &domain.Attachment{
		RecordID: msg.RecordID,
		FieldID:  msg.FieldID,
		Kind:     string(kind),
		URI:      art.URI,
		Metadata: res.Value,
	}
	if err := s.store.AddAttachment(ctx, att); err != nil {
		s.logger.Error("attachment link failed", "record_id", msg.RecordID, "field_id", msg.FieldID, "error", err)
	}
}

// recordMessage is the envelope body for saveRecord, submitForm and
// partialSave.
type recordMessage struct {
	RecordID string          `json:"recordId,omitempty"`
	FormType string          `json:"formType"`
	Data     json.RawMessage `json:"data"`
	Finalize bool            `json:"finalize,omitempty"`
}

// recordResult is what the renderer gets back from a persistence verb.
type recordResult struct {
	RecordID string              `json:"recordId"`
	Status   domain.RecordStatus `json:"status"`
	SavedAt  time.Time           `json:"savedAt"`
}

func (s *Service) saveRecord(ctx context.Context, payload json.RawMessage) (any, error) {
	msg, err := parseRecordMessage(payload)
	if err != nil {
		return nil, err
	}
	status := domain.RecordDraft
	eventType := domain.EventRecordSaved
	if msg.Finalize {
		if err := s.forms.Validate(ctx, msg.FormType, msg.Data); err != nil {
			return nil, err
		}
		status = domain.RecordFinalized
		eventType = domain.EventRecordFinalized
	}
	rec, err := s.persist(ctx, msg, status)
	if err != nil {
		return nil, err
	}
	s.publishRecord(ctx, eventType, rec)
	return &recordResult{RecordID: rec.ID, Status: rec.Status, SavedAt: rec.UpdatedAt}, nil
}

func (s *Service) submitForm(ctx context.Context, payload json.RawMessage) (any, error) {
	msg, err := parseRecordMessage(payload)
	if err != nil {
		return nil, err
	}
	if err := s.forms.Validate(ctx, msg.FormType, msg.Data); err != nil {
		return nil, err
	}
	rec, err := s.persist(ctx, msg, domain.RecordFinalized)
	if err != nil {
		return nil, err
	}
	s.publishRecord(ctx, domain.EventFormSubmitted, rec)
	return &recordResult{RecordID: rec.ID, Status: rec.Status, SavedAt: rec.UpdatedAt}, nil
}

// partialSave persists an in-progress draft without schema validation,
// so half-filled forms survive a renderer teardown.
func (s *Service) partialSave(ctx context.Context, payload json.RawMessage) (any, error) {
	msg, err := parseRecordMessage(payload)
	if err != nil {
		return nil, err
	}
	rec, err := s.persist(ctx, msg, domain.RecordDraft)
	if err != nil {
		return nil, err
	}
	s.publishRecord(ctx, domain.EventRecordSaved, rec)
	return &recordResult{RecordID: rec.ID, Status: rec.Status, SavedAt: rec.UpdatedAt}, nil
}

func (s *Service) getFormSpec(ctx context.Context, payload json.RawMessage) (any, error) {
	var msg struct {
		FormType string `json:"formType"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, domain.NewDomainError("actions.getFormSpec", domain.ErrMalformedMessage, err.Error())
	}
	return s.forms.Resolve(ctx, msg.FormType)
}

func parseRecordMessage(payload json.RawMessage) (*recordMessage, error) {
	var msg recordMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, domain.NewDomainError("actions.record", domain.ErrMalformedMessage, err.Error())
	}
	if msg.FormType == "" {
		return nil, domain.NewDomainError("actions.record", domain.ErrInvalidInput, "formType is required")
	}
	return &msg, nil
}

func (s *Service) persist(ctx context.Context, msg *recordMessage, status domain.RecordStatus) (*domain.Record, error) {
	if msg.RecordID == "" {
		return s.store.CreateRecord(ctx, msg.FormType, msg.Data, status)
	}
	return s.store.UpdateRecord(ctx, msg.RecordID, msg.Data, status)
}

func (s *Service) publishRecord(ctx context.Context, eventType domain.EventType, rec *domain.Record) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"record_id": rec.ID,
		"form_type": rec.FormType,
		"status":    string(rec.Status),
	})
	s.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
