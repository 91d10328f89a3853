// SPDX-License-Identifier: MIT

// Package control implements the Public Control API (spec.md §4.4): the
// thin start/stop/query surface callers use to drive a session.Writer,
// integrating it with the external shutdown supervisor.
//
// Grounded on the teacher's internal/supervisor start/stop/join-timeout
// shape, adapted from a multi-service registry down to the single
// start/stop/is_recording surface spec.md specifies.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nvrstack/streamrecorder/internal/lifecycle"
	"github.com/nvrstack/streamrecorder/internal/session"
)

// componentKind names this component type in lifecycle.Supervisor.Register
// calls.
const componentKind = "recording-writer"

// StartRecordingThread validates arguments, spawns the Session Supervisor
// worker for w against url, and registers w with the shutdown supervisor
// at medium priority (spec.md §4.4 "start").
func StartRecordingThread(ctx context.Context, w *session.Writer, url string) error {
	if w == nil {
		return errors.New("control: nil writer")
	}
	if url == "" {
		return errors.New("control: empty url")
	}
	if w.StreamName == "" {
		return errors.New("control: writer has no stream name")
	}

	if err := session.Start(w, url); err != nil {
		return fmt.Errorf("control: start: %w", err)
	}

	if w.Lifecycle != nil {
		id, err := w.Lifecycle.Register(ctx, w.StreamName, componentKind, lifecycle.PriorityMedium)
		if err != nil {
			logger(w).Warn("failed to register writer with shutdown supervisor", "stream", w.StreamName, "err", err)
		} else {
			w.SetRegistrationID(id)
			_ = w.Lifecycle.UpdateComponentState(ctx, id, lifecycle.StateRunning)
		}
	}

	return nil
}

// StopRecordingThread requests cooperative shutdown of w's worker and
// waits for it to join, within the bound session.Stop enforces (spec.md
// §4.4 "stop"). The shutdown supervisor is notified that w has reached the
// STOPPED state in both the clean-join and detach paths (session.Stop
// itself performs that notification).
func StopRecordingThread(w *session.Writer) error {
	if w == nil {
		return errors.New("control: nil writer")
	}
	return session.Stop(w)
}

// IsRecording reports whether w is actively recording (spec.md §4.4
// "is_recording").
func IsRecording(w *session.Writer) bool {
	return session.IsRecording(w)
}

func logger(w *session.Writer) *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
