package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"synkronus-host/internal/domain"
)

// BundleCache is the slice of the form specification provider the sync
// service needs: the version it has on disk and cache invalidation.
type BundleCache interface {
	BundleVersion() (string, error)
	Invalidate(formType string)
}

// Service runs the two halves of a sync pass: push finalized records
// up, pull form bundle updates down.
type Service struct {
	client    *Client
	store     domain.RecordRepository
	bundle    BundleCache
	bundleDir string
	bus       domain.EventBus
	logger    *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewService(client *Client, store domain.RecordRepository, bundle BundleCache, bundleDir string, bus domain.EventBus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:    client,
		store:     store,
		bundle:    bundle,
		bundleDir: bundleDir,
		bus:       bus,
		logger:    logger,
		cron:      cron.New(),
	}
}

// Run performs one full sync pass. Push and pull failures are reported
// together; a failed push does not block the bundle pull.
func (s *Service) Run(ctx context.Context) error {
	s.publish(ctx, domain.EventSyncStarted, nil)
	start := time.Now()

	pushed, pushErr := s.pushRecords(ctx)
	updated, pullErr := s.pullBundle(ctx)

	if pushErr != nil || pullErr != nil {
		err := pushErr
		if err == nil {
			err = pullErr
		} else if pullErr != nil {
			err = fmt.Errorf("push: %w; pull: %v", pushErr, pullErr)
		}
		s.logger.Error("sync pass failed", "error", err, "duration", time.Since(start))
		s.publish(ctx, domain.EventSyncFailed, map[string]any{"error": err.Error()})
		return domain.WrapOp("Sync.Run", err)
	}

	s.logger.Info("sync pass completed",
		"records_pushed", pushed,
		"bundle_updated", updated,
		"duration", time.Since(start))
	s.publish(ctx, domain.EventSyncCompleted, map[string]any{
		"records_pushed": pushed,
		"bundle_updated": updated,
	})
	return nil
}

// pushRecords uploads finalized records and marks the accepted ones as
// synced.
func (s *Service) pushRecords(ctx context.Context) (int, error) {
	records, err := s.store.ListRecords(ctx, "", domain.RecordFinalized)
	if err != nil {
		return 0, fmt.Errorf("list finalized records: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	batch := make([]*RecordUpload, 0, len(records))
	for _, rec := range records {
		atts, err := s.store.ListAttachments(ctx, rec.ID)
		if err != nil {
			return 0, fmt.Errorf("list attachments for %s: %w", rec.ID, err)
		}
		batch = append(batch, &RecordUpload{
			ID:          rec.ID,
			FormType:    rec.FormType,
			Payload:     rec.Payload,
			FinalizedAt: rec.UpdatedAt,
			Attachments: atts,
		})
	}

	accepted, err := s.client.PushRecords(ctx, batch)
	if err != nil {
		return 0, err
	}
	for _, id := range accepted {
		if _, err := s.store.UpdateRecord(ctx, id, nil, domain.RecordSynced); err != nil {
			s.logger.Error("failed to mark record synced", "record_id", id, "error", err)
		}
	}
	return len(accepted), nil
}

// pullBundle downloads the form bundle when the server version differs
// from the one on disk, then drops the specification cache.
func (s *Service) pullBundle(ctx context.Context) (bool, error) {
	manifest, err := s.client.Manifest(ctx)
	if err != nil {
		return false, err
	}
	current, err := s.bundle.BundleVersion()
	if err != nil {
		s.logger.Warn("local bundle version unreadable, refetching", "error", err)
	}
	if manifest.Version == current && current != "" {
		return false, nil
	}

	if err := os.MkdirAll(s.bundleDir, 0o755); err != nil {
		return false, fmt.Errorf("create bundle dir: %w", err)
	}
	for _, formType := range manifest.Forms {
		body, err := s.client.FetchForm(ctx, formType)
		if err != nil {
			return false, fmt.Errorf("fetch form %s: %w", formType, err)
		}
		if err := os.WriteFile(filepath.Join(s.bundleDir, formType+".json"), body, 0o644); err != nil {
			return false, fmt.Errorf("write form %s: %w", formType, err)
		}
	}
	manifestBody, err := json.Marshal(map[string]string{"version": manifest.Version})
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(filepath.Join(s.bundleDir, "manifest.json"), manifestBody, 0o644); err != nil {
		return false, fmt.Errorf("write bundle manifest: %w", err)
	}

	s.bundle.Invalidate("")
	s.logger.Info("form bundle updated", "version", manifest.Version, "forms", len(manifest.Forms))
	return true, nil
}

// Schedule registers a recurring sync pass. The schedule can be a cron
// expression or a duration string like "15m".
func (s *Service) Schedule(schedule string) error {
	sched, err := parseSchedule(schedule)
	if err != nil {
		return domain.WrapOp("Sync.Schedule", err)
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if err := s.Run(runCtx); err != nil {
			if domain.IsRetryableError(err) {
				s.logger.Warn("scheduled sync failed, retrying next tick", "error", err)
			} else {
				s.logger.Error("scheduled sync failed", "error", err)
			}
		}
	}))
	s.logger.Info("sync scheduled", "schedule", schedule)
	return nil
}

// Start begins running scheduled sync passes.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.running = true
}

// Stop halts scheduling and waits for a running pass to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.running = false
}

// parseSchedule accepts a cron expression or a plain duration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	dur, err := time.ParseDuration(schedule)
	if err != nil || dur <= 0 {
		return nil, fmt.Errorf("not a valid cron expression or positive duration: %q", schedule)
	}
	return cron.Every(dur), nil
}

func (s *Service) publish(ctx context.Context, eventType domain.EventType, fields map[string]any) {
	if s.bus == nil {
		return
	}
	var payload json.RawMessage
	if fields != nil {
		payload, _ = json.Marshal(fields)
	}
	s.bus.Publish(ctx, domain.Event{Type: eventType, Timestamp: time.Now(), Payload: payload})
}
