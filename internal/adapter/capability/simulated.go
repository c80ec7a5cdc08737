package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"synkronus-host/internal/domain"
)

// fileArtifact describes a simulated media capture.
type fileArtifact struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// artifactWriter mints file-backed artifacts in the attachment
// directory. Simulated media capabilities share one writer so their
// filenames stay monotonic.
type artifactWriter struct {
	dir string

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newArtifactWriter(dir string) *artifactWriter {
	return &artifactWriter{
		dir:     dir,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (w *artifactWriter) write(ext, mimeType string, content []byte) (*fileArtifact, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	w.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), w.entropy).String()
	w.mu.Unlock()

	path := filepath.Join(w.dir, id+ext)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	return &fileArtifact{URI: "file://" + path, MimeType: mimeType, Size: len(content)}, nil
}

// simOptions are the knobs scripted flows steer simulated captures
// with, passed through the request options.
type simOptions struct {
	SimulateCancel bool   `json:"simulateCancel"`
	SimulateValue  string `json:"simulateValue"`
}

func parseSimOptions(raw json.RawMessage) simOptions {
	var opts simOptions
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &opts)
	}
	return opts
}

// mediaCapability simulates a capture that produces a file artifact.
type mediaCapability struct {
	kind     domain.CapabilityKind
	writer   *artifactWriter
	ext      string
	mimeType string
	content  []byte
}

func (c *mediaCapability) Kind() domain.CapabilityKind { return c.kind }

func (c *mediaCapability) Request(ctx context.Context, req domain.CaptureRequest) (*domain.CaptureResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if parseSimOptions(req.Options).SimulateCancel {
		return domain.CancelledResult(), nil
	}
	art, err := c.writer.write(c.ext, c.mimeType, c.content)
	if err != nil {
		return domain.FailedResult(err.Error()), nil
	}
	value, _ := json.Marshal(art)
	return domain.OKResult(value), nil
}

// scannerCapability simulates a barcode scan. The scanned text can be
// seeded through the request options ("simulateValue"), which the dev
// gateway uses to script flows.
type scannerCapability struct{}

func (scannerCapability) Kind() domain.CapabilityKind { return domain.CapabilityScanner }

func (scannerCapability) Request(ctx context.Context, req domain.CaptureRequest) (*domain.CaptureResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := parseSimOptions(req.Options)
	if opts.SimulateCancel {
		return domain.CancelledResult(), nil
	}
	text := "SYNK-0000"
	if opts.SimulateValue != "" {
		text = opts.SimulateValue
	}
	value, _ := json.Marshal(map[string]string{"text": text, "format": "qr"})
	return domain.OKResult(value), nil
}

// locationCapability simulates a GPS fix with slight jitter around a
// configured origin.
type locationCapability struct {
	lat, lon float64

	mu  sync.Mutex
	rng *rand.Rand
}

func (*locationCapability) Kind() domain.CapabilityKind { return domain.CapabilityLocation }

func (c *locationCapability) Request(ctx context.Context, req domain.CaptureRequest) (*domain.CaptureResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if parseSimOptions(req.Options).SimulateCancel {
		return domain.CancelledResult(), nil
	}
	c.mu.Lock()
	jitterLat := (c.rng.Float64() - 0.5) * 0.001
	jitterLon := (c.rng.Float64() - 0.5) * 0.001
	c.mu.Unlock()
	value, _ := json.Marshal(map[string]any{
		"latitude":   c.lat + jitterLat,
		"longitude":  c.lon + jitterLon,
		"accuracy":   8.0,
		"capturedAt": time.Now().UTC().Format(time.RFC3339),
	})
	return domain.OKResult(value), nil
}

// RegisterSimulated installs a full set of simulated capabilities into
// r, writing media artifacts under attachmentDir.
func RegisterSimulated(r *Registry, attachmentDir string) {
	writer := newArtifactWriter(attachmentDir)
	r.Register(&mediaCapability{
		kind: domain.CapabilityCamera, writer: writer,
		ext: ".jpg", mimeType: "image/jpeg", content: []byte("simulated-photo"),
	})
	r.Register(&mediaCapability{
		kind: domain.CapabilityMicrophone, writer: writer,
		ext: ".m4a", mimeType: "audio/mp4", content: []byte("simulated-audio"),
	})
	r.Register(&mediaCapability{
		kind: domain.CapabilitySignature, writer: writer,
		ext: ".png", mimeType: "image/png", content: []byte("simulated-signature"),
	})
	r.Register(scannerCapability{})
	r.Register(&locationCapability{
		lat: 10.7769, lon: 106.7009,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	})
}
