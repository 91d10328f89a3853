package control

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nvrstack/streamrecorder/internal/catalog"
	"github.com/nvrstack/streamrecorder/internal/lifecycle"
	"github.com/nvrstack/streamrecorder/internal/session"
	"github.com/nvrstack/streamrecorder/internal/streamconfig"
)

// fakeCatalog is a minimal in-memory catalog.Store for exercising the
// Session Supervisor without a real recordings service.
type fakeCatalog struct {
	mu     sync.Mutex
	nextID int
}

func (f *fakeCatalog) Add(_ context.Context, _ catalog.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return "rec-" + strconv.Itoa(f.nextID), nil
}

func (f *fakeCatalog) Update(_ context.Context, _ string, _ time.Time, _ int64, _ bool) error {
	return nil
}

// fakeStreamConfig always reports "no override", so the Writer falls back
// to its own SegmentDuration/AudioEnabled fields.
type fakeStreamConfig struct{}

func (fakeStreamConfig) GetConfig(_ context.Context, _ string) (streamconfig.Config, bool, error) {
	return streamconfig.Config{}, false, nil
}

func newTestWriter(lc lifecycle.Supervisor) *session.Writer {
	return &session.Writer{
		StreamName:      "cam1",
		OutputDir:       "/tmp",
		SegmentDuration: 30 * time.Second,
		Catalog:         &fakeCatalog{},
		Config:          fakeStreamConfig{},
		Lifecycle:       lc,
	}
}

func TestStartRecordingThreadNilWriter(t *testing.T) {
	if err := StartRecordingThread(context.Background(), nil, "rtsp://127.0.0.1:1/test"); err == nil {
		t.Error("StartRecordingThread(nil writer) expected error")
	}
}

func TestStartRecordingThreadEmptyURL(t *testing.T) {
	w := newTestWriter(nil)
	if err := StartRecordingThread(context.Background(), w, ""); err == nil {
		t.Error("StartRecordingThread(empty url) expected error")
	}
}

func TestStartRecordingThreadMissingStreamName(t *testing.T) {
	w := newTestWriter(nil)
	w.StreamName = ""
	if err := StartRecordingThread(context.Background(), w, "rtsp://127.0.0.1:1/test"); err == nil {
		t.Error("StartRecordingThread(no stream name) expected error")
	}
}

func TestStopRecordingThreadNilWriter(t *testing.T) {
	if err := StopRecordingThread(nil); err == nil {
		t.Error("StopRecordingThread(nil writer) expected error")
	}
}

func TestStopRecordingThreadNoWorker(t *testing.T) {
	w := newTestWriter(nil)
	if err := StopRecordingThread(w); err != nil {
		t.Errorf("StopRecordingThread() on never-started writer = %v, want nil", err)
	}
}

func TestIsRecordingNilWriter(t *testing.T) {
	if IsRecording(nil) {
		t.Error("IsRecording(nil) = true, want false")
	}
}

func TestIsRecordingNeverStarted(t *testing.T) {
	w := newTestWriter(nil)
	if IsRecording(w) {
		t.Error("IsRecording() on never-started writer = true, want false")
	}
}

// TestStartRecordingThreadRegistersWithLifecycle exercises the registration
// side effect only: a connection-refused RTSP target (port 1, nothing
// listens) fails the Recorder's first segment attempt almost immediately,
// so StopRecordingThread's join completes well within its timeout.
func TestStartRecordingThreadRegistersWithLifecycle(t *testing.T) {
	lc := lifecycle.NewLocal()
	w := newTestWriter(lc)

	if err := StartRecordingThread(context.Background(), w, "rtsp://127.0.0.1:1/test"); err != nil {
		t.Fatalf("StartRecordingThread() error: %v", err)
	}

	if w.RegistrationID() == "" {
		t.Error("RegistrationID() empty after StartRecordingThread with Lifecycle set")
	}
	state, ok := lc.ComponentState(w.RegistrationID())
	if !ok || state != lifecycle.StateRunning {
		t.Errorf("component state = %v (ok=%v), want StateRunning", state, ok)
	}

	_ = StopRecordingThread(w)
	if IsRecording(w) {
		t.Error("IsRecording() = true after StopRecordingThread")
	}
}
