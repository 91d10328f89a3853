// SPDX-License-Identifier: MIT

// Package session implements the Session Supervisor (spec.md §4.3): the
// long-lived worker that owns one Writer's persistent RTSP connection,
// loops producing segments via internal/recorder, retries across transient
// network loss with the package's own Backoff, and publishes metadata
// records to the recordings catalog.
//
// Package layout mirrors the teacher's internal/stream: Writer/worker here
// play the role manager.go's Manager/state machine played, Backoff is kept
// almost verbatim (backoff.go), and ResourceMonitor (monitor.go) is carried
// unchanged as the ambient per-process resource-usage watchdog.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nvrstack/streamrecorder/internal/catalog"
	"github.com/nvrstack/streamrecorder/internal/lifecycle"
	"github.com/nvrstack/streamrecorder/internal/recorder"
	"github.com/nvrstack/streamrecorder/internal/streamconfig"
)

// DefaultSegmentDuration is used when neither the Writer nor the
// configuration store has an opinion (spec.md §4.3(b) "if neither, default
// to 30s").
const DefaultSegmentDuration = 30 * time.Second

// joinTimeout bounds how long Stop waits for the worker goroutine to exit
// before detaching it (spec.md §4.4, §5).
const joinTimeout = 5 * time.Second

// Writer is one recorded stream's persistent state (spec.md §3). Fields
// the worker owns during a session (OutputPath, CurrentRecordingID,
// LastRotation, LastPacketTime) must not be written by callers while the
// worker is running, per spec.md §5's ownership rule; Start/Stop/
// IsRecording are the only caller-safe entry points.
type Writer struct {
	// StreamName identifies this Writer in the catalog and in log lines.
	StreamName string
	// OutputDir is the directory new segment files are created under.
	OutputDir string
	// SegmentDuration is the Writer's own notion of segment length, used
	// when the configuration store has no record for this stream.
	SegmentDuration time.Duration
	// AudioEnabled is the Writer's own audio-recording flag, same fallback
	// role as SegmentDuration.
	AudioEnabled bool

	// Catalog publishes start/size/completion records for each segment.
	Catalog catalog.Store
	// Config re-reads per-segment tuning parameters.
	Config streamconfig.Store
	// Lifecycle is the shutdown supervisor collaborator.
	Lifecycle lifecycle.Supervisor
	// Recorder drives one segment's OPENING..DONE state machine. A nil
	// Recorder gets a default constructed with Logger.
	Recorder *recorder.Recorder
	// Logger receives structured session events; nil means slog.Default().
	Logger *slog.Logger

	mu                  sync.RWMutex
	outputPath          string
	lastRotation        time.Time
	lastPacketTime      time.Time
	currentRecordingID  string
	rotating            bool
	registrationID      string
	worker              *worker
}

// worker is the per-Writer running context (spec.md §3 "Worker context").
// It back-references its Writer (non-owning: the Writer outlives the
// worker in the clean-join path) and carries the cooperative cancellation
// flags polled by the segment loop.
type worker struct {
	writer             *Writer
	url                string
	running            *atomicBool
	shutdownRequested  *atomicBool
	cancel             context.CancelFunc
	done               chan struct{}
	backoff            *Backoff
}

// atomicBool is a tiny nil-safe-free bool wrapper; sync/atomic.Bool would
// do, but this matches the rest of the package's manual-mutex style used
// by Backoff.
type atomicBool struct {
	mu  sync.RWMutex
	val bool
}

func newAtomicBool(v bool) *atomicBool { return &atomicBool{val: v} }

func (b *atomicBool) Load() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.val
}

func (b *atomicBool) Store(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.val = v
}

// Start spawns the Session Supervisor worker for w against the given RTSP
// URL (spec.md §4.4 "start"). It is the caller's responsibility to ensure
// at most one worker exists per Writer at a time (spec.md §3 invariant).
func Start(w *Writer, url string) error {
	if w == nil {
		return errors.New("session: nil writer")
	}
	if url == "" {
		return errors.New("session: empty url")
	}

	w.mu.Lock()
	if w.worker != nil {
		w.mu.Unlock()
		return errors.New("session: writer already has a running worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	wk := &worker{
		writer:            w,
		url:               url,
		running:           newAtomicBool(true),
		shutdownRequested: newAtomicBool(false),
		cancel:            cancel,
		done:              make(chan struct{}),
		backoff:           NewBackoff(),
	}
	w.worker = wk
	if w.Recorder == nil {
		w.Recorder = recorder.New(w.Logger)
	}
	w.mu.Unlock()

	go func() {
		defer close(wk.done)
		wk.run(ctx)
	}()

	return nil
}

// Stop requests cooperative shutdown of w's worker and waits up to
// joinTimeout for it to exit (spec.md §4.4 "stop"). On timeout, the worker
// is detached: its context is leaked deliberately (spec.md §9) rather than
// racing a Writer that might be freed by the caller, and w.worker is
// cleared so a future Start can proceed.
func Stop(w *Writer) error {
	if w == nil {
		return errors.New("session: nil writer")
	}

	w.mu.Lock()
	wk := w.worker
	w.mu.Unlock()
	if wk == nil {
		return nil
	}

	wk.running.Store(false)
	wk.shutdownRequested.Store(true)

	select {
	case <-wk.done:
		wk.cancel()
		w.mu.Lock()
		w.worker = nil
		w.mu.Unlock()
		w.reportStopped(wk)
		return nil
	case <-time.After(joinTimeout):
		w.logger().Warn("worker join timed out, detaching", "stream", w.StreamName)
		// The worker is abandoned rather than forcibly killed (spec.md §5):
		// cancel its context so a blocked ReadFrame/backoff sleep still has a
		// chance to unwind on its own, but don't wait for it.
		wk.cancel()
		w.mu.Lock()
		w.worker = nil
		w.mu.Unlock()
		w.reportStopped(wk)
		return fmt.Errorf("session: worker join timed out after %s, detached", joinTimeout)
	}
}

func (w *Writer) reportStopped(_ *worker) {
	w.mu.RLock()
	id := w.registrationID
	lc := w.Lifecycle
	w.mu.RUnlock()
	if lc == nil || id == "" {
		return
	}
	_ = lc.UpdateComponentState(context.Background(), id, lifecycle.StateStopped)
}

// IsRecording reports whether w is actively recording (spec.md §4.4
// "is_recording"): true while a rotation is in progress, else the worker's
// running flag.
func IsRecording(w *Writer) bool {
	if w == nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.rotating {
		return true
	}
	if w.worker == nil {
		return false
	}
	return w.worker.running.Load()
}

// SetRegistrationID stores the id returned by the shutdown supervisor's
// Register call (spec.md §4.4 "store returned registration id"). Called by
// internal/control, never by the worker itself.
func (w *Writer) SetRegistrationID(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registrationID = id
}

// RegistrationID returns the id previously stored by SetRegistrationID.
func (w *Writer) RegistrationID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.registrationID
}

// OutputPath returns the path of the segment currently being written, for
// diagnostics and the nvrctl status surface.
func (w *Writer) OutputPath() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.outputPath
}

// LastPacketTime returns the wall-clock time of the last successful
// segment attempt, for staleness diagnostics.
func (w *Writer) LastPacketTime() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastPacketTime
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// run implements the Session Supervisor loop body (spec.md §4.3).
func (wk *worker) run(ctx context.Context) {
	w := wk.writer
	log := w.logger().With("stream", w.StreamName)

	slot := &recorder.InputSlot{}
	defer func() {
		if !slot.Empty() {
			slot.FormatContext.Free()
		}
	}()

	segDuration := w.effectiveSegmentDuration()
	audioEnabled := w.effectiveAudioEnabled()

	w.mu.Lock()
	w.outputPath = newSegmentPath(w.OutputDir)
	w.lastRotation = time.Now()
	w.mu.Unlock()

	if id, err := w.Catalog.Add(ctx, w.currentMetaRecord(false, 0)); err != nil {
		log.Error("failed to publish initial metadata record", "err", err)
	} else {
		w.mu.Lock()
		w.currentRecordingID = id
		w.mu.Unlock()
	}

	info := &recorder.SegmentInfo{Index: 0}

	for wk.running.Load() && !wk.shutdownRequested.Load() {
		if w.Lifecycle != nil {
			if initiated, err := w.Lifecycle.IsShutdownInitiated(ctx); err == nil && initiated {
				wk.running.Store(false)
				break
			}
		}

		if w.Config != nil {
			if cfg, ok, err := w.Config.GetConfig(ctx, w.StreamName); err == nil && ok {
				if cfg.SegmentDuration > 0 && cfg.SegmentDuration != segDuration {
					log.Info("segment duration changed", "old", segDuration, "new", cfg.SegmentDuration)
					segDuration = cfg.SegmentDuration
				}
				if cfg.RecordAudio != audioEnabled {
					log.Info("audio flag changed", "old", audioEnabled, "new", cfg.RecordAudio)
					audioEnabled = cfg.RecordAudio
				}
			}
		}

		w.mu.RLock()
		lastRotation := w.lastRotation
		w.mu.RUnlock()

		if segDuration > 0 && time.Since(lastRotation) >= segDuration {
			w.rotate(ctx, log)
		}

		w.mu.RLock()
		outPath := w.outputPath
		w.mu.RUnlock()

		params := recorder.Params{
			URL:             wk.url,
			OutputPath:      outPath,
			DurationSeconds: int(segDuration / time.Second),
			AudioEnabled:      audioEnabled,
			ShutdownRequested: wk.shutdownRequested.Load,
		}

		err := w.Recorder.RecordSegment(ctx, slot, params, info)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			forceReconnect := wk.backoff.RecordFailure()
			if forceReconnect || errors.Is(err, recorder.ErrInputClosedByRecorder) {
				if !slot.Empty() {
					slot.FormatContext.Free()
				}
				slot.Clear()
			}
			log.Error("segment attempt failed", "err", err, "retry_delay", wk.backoff.CurrentDelay())
			if waitErr := wk.backoff.WaitContext(ctx); waitErr != nil {
				break
			}
			continue
		}
		wk.backoff.RecordSuccess()

		w.mu.Lock()
		w.lastPacketTime = time.Now()
		w.mu.Unlock()

		size := statSize(outPath)
		w.mu.RLock()
		id := w.currentRecordingID
		w.mu.RUnlock()
		if id != "" {
			if err := w.Catalog.Update(ctx, id, time.Time{}, size, false); err != nil {
				log.Warn("interim metadata update failed", "err", err)
			}
		}
	}

	w.finalizeCurrentSegment(context.Background(), log)
}

// rotate implements spec.md §4.3(c): synthesize a new output path, publish
// its initial metadata record, finalize the previous one against the
// just-closed file's size on disk, and advance the Writer's rotation
// bookkeeping.
func (w *Writer) rotate(ctx context.Context, log *slog.Logger) {
	w.mu.Lock()
	previousPath := w.outputPath
	previousID := w.currentRecordingID
	w.rotating = true
	newPath := newSegmentPath(w.OutputDir)
	w.mu.Unlock()

	newID, err := w.Catalog.Add(ctx, Record(w.StreamName, newPath, time.Now()))
	if err != nil {
		log.Error("failed to publish rotation metadata record", "err", err)
	}

	size := statSize(previousPath)
	if previousID != "" {
		if err := w.Catalog.Update(ctx, previousID, time.Now(), size, true); err != nil {
			log.Error("failed to finalize rotated-out metadata record", "err", err)
		}
	}

	w.mu.Lock()
	w.outputPath = newPath
	w.currentRecordingID = newID
	w.lastRotation = time.Now()
	w.rotating = false
	w.mu.Unlock()
}

// finalizeCurrentSegment runs once, on worker exit, so the last partially
// written segment still gets an is_complete metadata update rather than
// being left dangling (spec.md §5 cancellation: "output file always ends
// cleanly on a keyframe boundary when possible").
func (w *Writer) finalizeCurrentSegment(ctx context.Context, log *slog.Logger) {
	w.mu.RLock()
	path := w.outputPath
	id := w.currentRecordingID
	w.mu.RUnlock()
	if id == "" {
		return
	}
	size := statSize(path)
	if err := w.Catalog.Update(ctx, id, time.Now(), size, true); err != nil {
		log.Error("failed to finalize metadata record on exit", "err", err)
	}
}

func (w *Writer) effectiveSegmentDuration() time.Duration {
	if w.SegmentDuration > 0 {
		return w.SegmentDuration
	}
	return DefaultSegmentDuration
}

func (w *Writer) effectiveAudioEnabled() bool {
	return w.AudioEnabled
}

func (w *Writer) currentMetaRecord(complete bool, size int64) catalog.Record {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return catalog.Record{
		StreamName: w.StreamName,
		Path:       w.outputPath,
		StartTime:  w.lastRotation,
		SizeBytes:  size,
		IsComplete: complete,
	}
}

// Record builds a catalog.Record for a freshly rotated-to path.
func Record(streamName, path string, startTime time.Time) catalog.Record {
	return catalog.Record{StreamName: streamName, Path: path, StartTime: startTime}
}

// newSegmentPath synthesizes "recording_<YYYYMMDD_HHMMSS>.mp4" under dir in
// local time (spec.md §3, §6).
func newSegmentPath(dir string) string {
	name := fmt.Sprintf("recording_%s.mp4", time.Now().Format("20060102_150405"))
	return filepath.Join(dir, name)
}

// statSize stats path and returns its size, or 0 if the stat fails
// (spec.md §4.3(c) "size = stat size (or 0 on stat failure)").
func statSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
