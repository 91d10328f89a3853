package rebase

import (
	"testing"
)

// noPtsSentinel mirrors AV_NOPTS_VALUE (INT64_MIN), the value a packet's
// DTS/PTS carries when the source declared no usable timestamp.
const noPtsSentinel = int64(-9223372036854775808)

func TestRebaseSegmentZeroClampsToZero(t *testing.T) {
	c := NewContext("video", nil)

	dts, pts := c.Rebase(100, 100, true, true, 0, false)
	if dts != 0 || pts != 0 {
		t.Fatalf("first packet of segment 0: got (%d,%d), want (0,0)", dts, pts)
	}

	dts, pts = c.Rebase(133, 133, true, true, 0, false)
	if dts != 33 || pts != 33 {
		t.Fatalf("second packet: got (%d,%d), want (33,33)", dts, pts)
	}
}

func TestRebaseSegmentNonZeroAppliesOneTickSplice(t *testing.T) {
	c := NewContext("video", nil)

	dts, pts := c.Rebase(500, 500, true, true, 2, false)
	if dts != 1 || pts != 1 {
		t.Fatalf("first packet of segment>0: got (%d,%d), want (1,1)", dts, pts)
	}

	dts, pts = c.Rebase(533, 533, true, true, 2, false)
	if dts != 34 || pts != 34 {
		t.Fatalf("second packet: got (%d,%d), want (34,34)", dts, pts)
	}
}

func TestRebasePTSNeverBelowDTS(t *testing.T) {
	c := NewContext("video", nil)

	dts, pts := c.Rebase(100, 50, true, true, 0, false)
	if pts < dts {
		t.Fatalf("pts(%d) < dts(%d), violates invariant", pts, dts)
	}
	if pts != dts {
		t.Fatalf("pts = %d, want pts == dts (%d) when input pts < dts", pts, dts)
	}
}

func TestRebaseInvalidPTSTreatedAsDTS(t *testing.T) {
	c := NewContext("video", nil)

	dts, pts := c.Rebase(100, 999999, true, false, 0, false)
	if dts != pts {
		t.Fatalf("invalid pts should equal dts: got dts=%d pts=%d", dts, pts)
	}
}

func TestRebaseInvalidDTSDoesNotSeedOrigin(t *testing.T) {
	c := NewContext("video", nil)

	// A leading packet with no valid DTS (e.g. AV_NOPTS_VALUE) must not
	// seed first_dts with a sentinel value; the rebase origin stays
	// unestablished until a packet with a valid DTS arrives.
	dts, pts := c.Rebase(noPtsSentinel, noPtsSentinel, false, false, 0, false)
	if dts != 0 || pts != 0 {
		t.Fatalf("packet with no valid dts: got (%d,%d), want (0,0) (zero-relative, origin not yet fixed)", dts, pts)
	}

	dts, pts = c.Rebase(1000, 1000, true, true, 0, false)
	if dts != 0 || pts != 0 {
		t.Fatalf("first packet with a valid dts should become the rebase origin: got (%d,%d), want (0,0)", dts, pts)
	}

	dts, pts = c.Rebase(1050, 1050, true, true, 0, false)
	if dts != 50 || pts != 50 {
		t.Fatalf("second packet relative to the valid-dts origin: got (%d,%d), want (50,50)", dts, pts)
	}
}

func TestRebaseAudioStrictMonotonicity(t *testing.T) {
	c := NewContext("audio", nil)

	dts1, pts1 := c.Rebase(1000, 1000, true, true, 0, true)
	if dts1 != 0 || pts1 != 0 {
		t.Fatalf("first audio packet: got (%d,%d), want (0,0)", dts1, pts1)
	}

	// Simulate a non-monotonic (duplicate or backward) source timestamp.
	dts2, pts2 := c.Rebase(1000, 1000, true, true, 0, true)
	if dts2 <= dts1 {
		t.Fatalf("second audio packet dts(%d) must exceed first dts(%d)", dts2, dts1)
	}
	if pts2 <= pts1 {
		t.Fatalf("second audio packet pts(%d) must exceed first pts(%d)", pts2, pts1)
	}
}

func TestRebaseVideoDoesNotEnforceStrictMonotonicity(t *testing.T) {
	c := NewContext("video", nil)

	dts1, _ := c.Rebase(1000, 1000, true, true, 0, false)
	dts2, _ := c.Rebase(1000, 1000, true, true, 0, false)

	if dts1 != dts2 {
		t.Fatalf("video packets with identical input dts should rebase identically when audio=false: got %d and %d", dts1, dts2)
	}
}

func TestRebaseOverflowHardReset(t *testing.T) {
	c := NewContext("video", nil)

	// First packet establishes first_dts at 0; a later packet whose
	// relative offset from first_dts has grown past the signed-32 limit
	// (e.g. a long segment at a fast time base) must trigger the guard.
	c.Rebase(0, 0, true, true, 0, false)
	dts, pts := c.Rebase(maxSigned32+50, maxSigned32+50, true, true, 0, false)

	if dts > maxSigned32 {
		t.Fatalf("dts=%d exceeds signed-32 limit after overflow guard should have reset it", dts)
	}
	if dts != resetValue {
		t.Fatalf("dts=%d, want hard reset to %d", dts, resetValue)
	}
	if pts < dts {
		t.Fatalf("pts(%d) < dts(%d) after reset", pts, dts)
	}
}

func TestRebaseOverflowPreemptiveReset(t *testing.T) {
	c := NewContext("video", nil)

	c.Rebase(0, 0, true, true, 0, false)
	dts, _ := c.Rebase(preemptiveResetThreshold+1, preemptiveResetThreshold+1, true, true, 0, false)

	if dts != resetValue {
		t.Fatalf("dts=%d, want preemptive reset to %d once past 0x70000000", dts, resetValue)
	}
}

func TestRebaseNeverExceedsSigned32(t *testing.T) {
	c := NewContext("video", nil)
	c.Rebase(0, 0, true, true, 0, false)

	inputs := []int64{maxSigned32 - 5, maxSigned32, maxSigned32 + 1000, maxSigned32 + 1_000_000}
	for _, in := range inputs {
		dts, pts := c.Rebase(in, in, true, true, 0, false)
		if dts > maxSigned32 {
			t.Fatalf("dts=%d exceeds signed-32 limit for input %d", dts, in)
		}
		if pts > maxSigned32 {
			t.Fatalf("pts=%d exceeds signed-32 limit for input %d", pts, in)
		}
	}
}

func TestResetClearsAccumulatedState(t *testing.T) {
	c := NewContext("video", nil)
	c.Rebase(1000, 1000, true, true, 0, false)
	c.Rebase(1100, 1100, true, true, 0, false)

	c.Reset()

	dts, pts := c.Rebase(5000, 5000, true, true, 0, false)
	if dts != 0 || pts != 0 {
		t.Fatalf("after Reset, first packet should rebase to (0,0): got (%d,%d)", dts, pts)
	}
}

func TestVideoDurationSynthesis(t *testing.T) {
	// 30fps in a 90000Hz time base -> 3000 ticks per frame.
	d := VideoDuration(30, 1, 90000)
	if d != 3000 {
		t.Fatalf("VideoDuration(30fps, 1/90000) = %d, want 3000", d)
	}
}

func TestVideoDurationUnknownFrameRateDefaultsToOneTick(t *testing.T) {
	d := VideoDuration(0, 1, 90000)
	if d != 1 {
		t.Fatalf("VideoDuration with unknown frame rate = %d, want 1", d)
	}
}

func TestAudioDurationSynthesis(t *testing.T) {
	// 1024 samples at 48000Hz in a 48000Hz time base -> 1024 ticks.
	d := AudioDuration(1024, 48000, 1, 48000)
	if d != 1024 {
		t.Fatalf("AudioDuration(1024 samples, 48000Hz) = %d, want 1024", d)
	}
}

func TestAudioDurationDefaultsSampleCountWhenUnknown(t *testing.T) {
	d := AudioDuration(0, 48000, 1, 48000)
	if d != defaultAudioSamples {
		t.Fatalf("AudioDuration with unknown sample count = %d, want default %d", d, defaultAudioSamples)
	}
}

func TestDurationClampedWhenExcessive(t *testing.T) {
	d := clampDuration(maxDurationTicks + 1)
	if d != clampedDurationTicks {
		t.Fatalf("clampDuration(over max) = %d, want %d", d, clampedDurationTicks)
	}
}

func TestDurationAtLimitNotClamped(t *testing.T) {
	d := clampDuration(maxDurationTicks)
	if d != maxDurationTicks {
		t.Fatalf("clampDuration(at max) = %d, want %d (unclamped)", d, maxDurationTicks)
	}
}
