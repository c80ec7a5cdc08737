package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synkronus-host/internal/domain"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.CreateRecord(ctx, "household_survey", json.RawMessage(`{"name":"Ada"}`), "")
	require.NoError(t, err)
	assert.Len(t, rec.ID, 26)
	assert.Equal(t, domain.RecordDraft, rec.Status)

	got, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "household_survey", got.FormType)
	assert.JSONEq(t, `{"name":"Ada"}`, string(got.Payload))

	updated, err := s.UpdateRecord(ctx, rec.ID, json.RawMessage(`{"name":"Ada","age":36}`), domain.RecordFinalized)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordFinalized, updated.Status)

	got, err = s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","age":36}`, string(got.Payload))
	assert.Equal(t, domain.RecordFinalized, got.Status)
}

func TestFinalizedRecordIsImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.CreateRecord(ctx, "household_survey", nil, domain.RecordFinalized)
	require.NoError(t, err)

	_, err = s.UpdateRecord(ctx, rec.ID, json.RawMessage(`{"tampered":true}`), domain.RecordDraft)
	assert.True(t, errors.Is(err, domain.ErrRecordFinalized))

	// The transition to synced is still allowed.
	synced, err := s.UpdateRecord(ctx, rec.ID, nil, domain.RecordSynced)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordSynced, synced.Status)
}

func TestGetRecordNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetRecord(context.Background(), "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.True(t, errors.Is(err, domain.ErrRecordNotFound))

	var de *domain.DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "record", de.SubSystem)
}

func TestListRecordsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRecord(ctx, "survey_a", nil, domain.RecordDraft)
	require.NoError(t, err)
	_, err = s.CreateRecord(ctx, "survey_a", nil, domain.RecordFinalized)
	require.NoError(t, err)
	_, err = s.CreateRecord(ctx, "survey_b", nil, domain.RecordDraft)
	require.NoError(t, err)

	all, err := s.ListRecords(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	surveysA, err := s.ListRecords(ctx, "survey_a", "")
	require.NoError(t, err)
	assert.Len(t, surveysA, 2)

	drafts, err := s.ListRecords(ctx, "survey_a", domain.RecordDraft)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, domain.RecordDraft, drafts[0].Status)
}

func TestAttachments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.CreateRecord(ctx, "inspection", nil, "")
	require.NoError(t, err)

	att := &domain.Attachment{
		RecordID: rec.ID,
		FieldID:  "photo_front",
		Kind:     "camera",
		URI:      "file:///data/attachments/abc.jpg",
		Metadata: json.RawMessage(`{"width":1920}`),
	}
	require.NoError(t, s.AddAttachment(ctx, att))
	assert.Len(t, att.ID, 26)

	second := &domain.Attachment{
		RecordID: rec.ID,
		FieldID:  "signature",
		Kind:     "signature",
		URI:      "file:///data/attachments/sig.png",
	}
	require.NoError(t, s.AddAttachment(ctx, second))

	atts, err := s.ListAttachments(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.Equal(t, "photo_front", atts[0].FieldID)
	assert.JSONEq(t, `{"width":1920}`, string(atts[0].Metadata))

	// Attachment for a record that does not exist is rejected.
	err = s.AddAttachment(ctx, &domain.Attachment{RecordID: "missing", FieldID: "x", Kind: "camera", URI: "file:///x"})
	assert.True(t, errors.Is(err, domain.ErrRecordNotFound))
}

func TestAddAttachmentValidation(t *testing.T) {
	s := openTestStore(t)

	err := s.AddAttachment(context.Background(), &domain.Attachment{})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}
