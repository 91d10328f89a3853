package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nvrstack/streamrecorder/internal/catalog"
	"github.com/nvrstack/streamrecorder/internal/lifecycle"
	"github.com/nvrstack/streamrecorder/internal/streamconfig"
)

type fakeCatalog struct {
	mu      sync.Mutex
	added   []catalog.Record
	updates []string
}

func (f *fakeCatalog) Add(_ context.Context, rec catalog.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, rec)
	return "rec-0", nil
}

func (f *fakeCatalog) Update(_ context.Context, id string, _ time.Time, _ int64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, id)
	return nil
}

type fakeStreamConfig struct {
	cfg streamconfig.Config
	ok  bool
}

func (f fakeStreamConfig) GetConfig(_ context.Context, _ string) (streamconfig.Config, bool, error) {
	return f.cfg, f.ok, nil
}

func newWriter() *Writer {
	return &Writer{
		StreamName:      "cam1",
		OutputDir:       os.TempDir(),
		SegmentDuration: 30 * time.Second,
		Catalog:         &fakeCatalog{},
		Config:          fakeStreamConfig{},
	}
}

func TestStartNilWriter(t *testing.T) {
	if err := Start(nil, "rtsp://x"); err == nil {
		t.Error("Start(nil) expected error")
	}
}

func TestStartEmptyURL(t *testing.T) {
	w := newWriter()
	if err := Start(w, ""); err == nil {
		t.Error("Start(empty url) expected error")
	}
}

func TestStartTwiceRejected(t *testing.T) {
	w := newWriter()
	if err := Start(w, "rtsp://127.0.0.1:1/test"); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	defer Stop(w)

	if err := Start(w, "rtsp://127.0.0.1:1/test"); err == nil {
		t.Error("second Start() on already-running writer expected error")
	}
}

func TestStopNilWriter(t *testing.T) {
	if err := Stop(nil); err == nil {
		t.Error("Stop(nil) expected error")
	}
}

func TestStopWithoutStart(t *testing.T) {
	w := newWriter()
	if err := Stop(w); err != nil {
		t.Errorf("Stop() on never-started writer = %v, want nil", err)
	}
}

func TestIsRecordingNilWriter(t *testing.T) {
	if IsRecording(nil) {
		t.Error("IsRecording(nil) = true, want false")
	}
}

func TestIsRecordingBeforeStart(t *testing.T) {
	w := newWriter()
	if IsRecording(w) {
		t.Error("IsRecording() before Start() = true, want false")
	}
}

func TestRegistrationIDRoundTrip(t *testing.T) {
	w := newWriter()
	if w.RegistrationID() != "" {
		t.Error("RegistrationID() non-empty before SetRegistrationID")
	}
	w.SetRegistrationID("abc-123")
	if got := w.RegistrationID(); got != "abc-123" {
		t.Errorf("RegistrationID() = %q, want abc-123", got)
	}
}

func TestNewSegmentPathFormat(t *testing.T) {
	dir := "/data/recordings"
	path := newSegmentPath(dir)
	if filepath.Dir(path) != filepath.Clean(dir) {
		t.Errorf("newSegmentPath() dir = %q, want %q", filepath.Dir(path), dir)
	}
	base := filepath.Base(path)
	if filepath.Ext(base) != ".mp4" {
		t.Errorf("newSegmentPath() ext = %q, want .mp4", filepath.Ext(base))
	}
	if len(base) != len("recording_20060102_150405.mp4") {
		t.Errorf("newSegmentPath() base = %q, unexpected length", base)
	}
}

func TestStatSizeMissingFile(t *testing.T) {
	if got := statSize(filepath.Join(os.TempDir(), "does-not-exist-xyz.mp4")); got != 0 {
		t.Errorf("statSize(missing) = %d, want 0", got)
	}
}

func TestStatSizeExistingFile(t *testing.T) {
	f, err := os.CreateTemp("", "session-stat-*.mp4")
	if err != nil {
		t.Fatalf("CreateTemp() error: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	f.Close()

	if got := statSize(f.Name()); got != 5 {
		t.Errorf("statSize() = %d, want 5", got)
	}
}

func TestEffectiveSegmentDurationFallback(t *testing.T) {
	w := &Writer{}
	if got := w.effectiveSegmentDuration(); got != DefaultSegmentDuration {
		t.Errorf("effectiveSegmentDuration() = %v, want %v", got, DefaultSegmentDuration)
	}
	w.SegmentDuration = 45 * time.Second
	if got := w.effectiveSegmentDuration(); got != 45*time.Second {
		t.Errorf("effectiveSegmentDuration() = %v, want 45s", got)
	}
}

func TestRecordHelper(t *testing.T) {
	now := time.Now()
	rec := Record("cam1", "/data/recording_x.mp4", now)
	if rec.StreamName != "cam1" || rec.Path != "/data/recording_x.mp4" || !rec.StartTime.Equal(now) {
		t.Errorf("Record() = %+v, unexpected fields", rec)
	}
}

// TestReportStoppedWithoutRegistration verifies reportStopped is a no-op
// (no panic, no Lifecycle call) when the worker was never registered.
func TestReportStoppedWithoutRegistration(t *testing.T) {
	w := newWriter()
	w.reportStopped(nil)
}

// TestStopNotifiesLifecycle confirms a registered Writer's shutdown
// supervisor state transitions to StateStopped once the worker joins.
func TestStopNotifiesLifecycle(t *testing.T) {
	lc := lifecycle.NewLocal()
	id, err := lc.Register(context.Background(), "cam1", "recording-writer", lifecycle.PriorityMedium)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	w := newWriter()
	w.Lifecycle = lc
	w.SetRegistrationID(id)

	if err := Start(w, "rtsp://127.0.0.1:1/test"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	_ = Stop(w)

	state, ok := lc.ComponentState(id)
	if !ok || state != lifecycle.StateStopped {
		t.Errorf("component state = %v (ok=%v), want StateStopped", state, ok)
	}
}
