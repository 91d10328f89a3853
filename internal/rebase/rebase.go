// Package rebase implements the per-stream timestamp rebasing policy
// (spec.md §4.1): it transforms source DTS/PTS pairs into output timestamps
// that are monotonic, PTS-ahead-of-DTS, and bounded under the 32-bit signed
// offset limit that MPEG-4-family containers store timestamps in.
//
// A Context is pure with respect to its own state: it performs no I/O and
// makes no assumptions about concurrency. One Context exists per elementary
// stream (video, audio) per segment; the Segment Recorder resets it at the
// start of every new output file.
package rebase

import (
	"log/slog"
)

const (
	// maxSigned32 is the largest value a signed 32-bit container offset
	// field can hold (2^31 - 1); the container format this system targets
	// stores DTS/PTS as signed 32-bit offsets internally even though the
	// wire-level fields are wider, so both must stay under this bound.
	maxSigned32 = (1 << 31) - 1

	// preemptiveResetThreshold is ~87.5% of maxSigned32; crossing it resets
	// proactively rather than waiting for the hard limit, since a burst of
	// packets at a high time-base rate can cross the remaining 12.5% within
	// a single COPYING iteration.
	preemptiveResetThreshold = 0x70000000

	// resetValue is the DTS value timestamps are rebased to when either
	// overflow guard fires.
	resetValue = 1000

	// defaultAudioSamples is used to synthesize a packet duration when a
	// sample count cannot be derived from size/(channels*bytesPerSample).
	defaultAudioSamples = 1024

	// maxDurationTicks and clampedDurationTicks bound synthesized packet
	// durations (spec.md §4.1 step 9): a packet whose synthesized duration
	// would exceed maxDurationTicks is clamped down to clampedDurationTicks
	// rather than left unbounded, since either a missing frame rate or a
	// bogus stream time base can otherwise produce an absurd multi-hour gap.
	maxDurationTicks     = 10_000_000
	clampedDurationTicks = 90_000
)

// Context holds the per-stream rebasing state for a single elementary
// stream (video or audio) within a single output segment. Zero value is
// ready to use as the state for segment index 0; call Reset between
// segments to clear accumulated state while keeping the logger and stream
// label.
type Context struct {
	// Logger receives the overflow-guard warning/info lines spec.md §4.1
	// step 7 calls for. A nil Logger disables logging (no panic).
	Logger *slog.Logger
	// StreamLabel distinguishes "video"/"audio" in log lines.
	StreamLabel string

	haveFirst bool
	firstDTS  int64
	firstPTS  int64
	lastDTS   int64
	lastPTS   int64
	count     int64
}

// NewContext returns a Context for the named stream ("video" or "audio").
// A nil logger is accepted; no log lines are then emitted.
func NewContext(streamLabel string, logger *slog.Logger) *Context {
	return &Context{Logger: logger, StreamLabel: streamLabel}
}

// Reset clears all accumulated rebasing state ahead of a new segment. The
// Logger and StreamLabel are preserved.
func (c *Context) Reset() {
	c.haveFirst = false
	c.firstDTS = 0
	c.firstPTS = 0
	c.lastDTS = 0
	c.lastPTS = 0
	c.count = 0
}

// Rebase transforms one packet's input (dtsIn, ptsIn) into output
// (dtsOut, ptsOut), implementing spec.md §4.1 steps 1-7. dtsValid/ptsValid
// indicate whether the source packet carried a usable DTS/PTS (some
// containers leave either unset, e.g. AV_NOPTS_VALUE). A missing PTS is
// treated as equal to DTS; a missing DTS on the first packet(s) of a
// segment leaves the rebase origin unestablished (spec.md §4.1 step 1:
// "On the first packet with a valid DTS") rather than seeding firstDTS
// with a sentinel value, so such packets are emitted zero-relative until
// a packet with a valid DTS arrives and fixes the origin. audio selects
// the audio-only strict-monotonicity enforcement of step 6; the overflow
// guard of step 7 applies to every stream.
func (c *Context) Rebase(dtsIn, ptsIn int64, dtsValid, ptsValid bool, segmentIndex int, audio bool) (dtsOut, ptsOut int64) {
	if !ptsValid {
		ptsIn = dtsIn
	}

	if dtsValid && !c.haveFirst {
		c.firstDTS = dtsIn
		c.firstPTS = ptsIn
		c.haveFirst = true
	}

	var relDTS, relPTS int64
	if c.haveFirst {
		relDTS = dtsIn - c.firstDTS
		relPTS = ptsIn - c.firstPTS
	}

	if segmentIndex == 0 {
		dtsOut = maxInt64(relDTS, 0)
		ptsOut = maxInt64(relPTS, 0)
	} else {
		// Single-tick splice offset (spec.md §9): deliberately not "carry
		// the last timestamp forward", which would guarantee eventual
		// overflow on long-running sessions.
		dtsOut = relDTS + 1
		ptsOut = relPTS + 1
	}

	if ptsOut < dtsOut {
		ptsOut = dtsOut
	}

	if audio {
		if dtsOut <= c.lastDTS && c.count > 0 {
			dtsOut = c.lastDTS + 1
		}
		if ptsOut <= c.lastPTS && c.count > 0 {
			ptsOut = c.lastPTS + 1
		}
	}

	dtsOut, ptsOut = c.applyOverflowGuard(dtsOut, ptsOut)

	c.lastDTS = dtsOut
	c.lastPTS = ptsOut
	c.count++

	return dtsOut, ptsOut
}

// applyOverflowGuard implements spec.md §4.1 step 7: a hard reset once
// dtsOut exceeds the signed-32-bit limit, and the same reset performed
// preemptively once dtsOut crosses 0x70000000 (~87.5% of that limit). In both cases the
// pts-minus-dts gap is preserved if it was non-negative, else pts is pulled
// back down to dts.
func (c *Context) applyOverflowGuard(dtsOut, ptsOut int64) (int64, int64) {
	switch {
	case dtsOut > maxSigned32:
		c.logf(slog.LevelWarn, "DTS value exceeds MP4 format limit, resetting to safe value", dtsOut)
		return c.reset(dtsOut, ptsOut)
	case dtsOut > preemptiveResetThreshold:
		c.logf(slog.LevelInfo, "DTS value approaching MP4 format limit, resetting to prevent overflow", dtsOut)
		return c.reset(dtsOut, ptsOut)
	default:
		return dtsOut, ptsOut
	}
}

func (c *Context) reset(dtsOut, ptsOut int64) (int64, int64) {
	gap := ptsOut - dtsOut
	newDTS := int64(resetValue)
	newPTS := newDTS
	if gap >= 0 {
		newPTS = newDTS + gap
	}
	return newDTS, newPTS
}

func (c *Context) logf(level slog.Level, msg string, dts int64) {
	if c.Logger == nil {
		return
	}
	switch level {
	case slog.LevelWarn:
		c.Logger.Warn(msg, "stream", c.StreamLabel, "dts", dts)
	default:
		c.Logger.Info(msg, "stream", c.StreamLabel, "dts", dts)
	}
}

// VideoDuration synthesizes a packet duration for a video packet that
// arrived without one declared (spec.md §4.1 step 8): 1/avgFrameRate
// rescaled into the stream's time base, defaulting to 1 tick if the frame
// rate is unknown (avgFrameRate <= 0).
func VideoDuration(avgFrameRate float64, timeBaseNum, timeBaseDen int) int64 {
	if avgFrameRate <= 0 || timeBaseDen <= 0 {
		return clampDuration(1)
	}
	// duration in the stream's time base = (1/avgFrameRate) / (num/den)
	//                                     = den / (avgFrameRate * num)
	num := timeBaseNum
	if num <= 0 {
		num = 1
	}
	ticks := float64(timeBaseDen) / (avgFrameRate * float64(num))
	return clampDuration(int64(ticks))
}

// AudioDuration synthesizes a packet duration for an audio packet that
// arrived without one declared (spec.md §4.1 step 8): sampleCount *
// (1/sampleRate) rescaled into the audio time base. If sampleCount cannot
// be derived by the caller (size / (channels*bytesPerSample)), pass 0 and
// AudioDuration substitutes the 1024-sample default.
func AudioDuration(sampleCount int, sampleRate int, timeBaseNum, timeBaseDen int) int64 {
	if sampleCount <= 0 {
		sampleCount = defaultAudioSamples
	}
	if sampleRate <= 0 || timeBaseDen <= 0 {
		return clampDuration(1)
	}
	num := timeBaseNum
	if num <= 0 {
		num = 1
	}
	ticks := float64(sampleCount) * float64(timeBaseDen) / (float64(sampleRate) * float64(num))
	return clampDuration(int64(ticks))
}

// clampDuration implements spec.md §4.1 step 9: cap at maxDurationTicks,
// clamping down to clampedDurationTicks when exceeded, and never return
// less than 1 tick.
func clampDuration(ticks int64) int64 {
	if ticks <= 0 {
		return 1
	}
	if ticks > maxDurationTicks {
		return clampedDurationTicks
	}
	return ticks
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
