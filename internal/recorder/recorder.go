// Package recorder implements the Segment Recorder state machine
// (spec.md §4.2): it owns one output file's worth of work, copying
// packets from an already-open (or newly opened) RTSP input into a
// single MP4 file, splicing cleanly across segment boundaries on
// keyframes, and handing timestamp rebasing off to internal/rebase.
//
// A Recorder does not own the input connection across calls. The
// Session Supervisor holds it in an InputSlot and decides when to
// close it; the Recorder only ever opens it when the slot is empty,
// and only ever clears the slot itself when it determines the
// connection is no longer usable.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	astiav "github.com/asticode/go-astiav"

	"github.com/nvrstack/streamrecorder/internal/rebase"
)

// state names the Segment Recorder's state machine (spec.md §4.2). The
// setup states run as straight-line steps with early returns and label
// their errors; from AWAIT_FIRST_KEYFRAME on, the current state drives the
// switch in RecordSegment's packet loop.
type state int

const (
	stateOpening state = iota
	stateSelectingStreams
	stateWritingHeader
	stateAwaitFirstKeyframe
	stateCopying
	stateAwaitFinalKeyframe
	stateFinalizing
	stateDone
)

func (s state) String() string {
	switch s {
	case stateOpening:
		return "OPENING"
	case stateSelectingStreams:
		return "SELECTING_STREAMS"
	case stateWritingHeader:
		return "WRITING_HEADER"
	case stateAwaitFirstKeyframe:
		return "AWAIT_FIRST_KEYFRAME"
	case stateCopying:
		return "COPYING"
	case stateAwaitFinalKeyframe:
		return "AWAIT_FINAL_KEYFRAME"
	case stateFinalizing:
		return "FINALIZING"
	case stateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

const (
	progressInterval     = 300
	finalKeyframeWait    = 2 * time.Second
	readRetrySleep       = 10 * time.Millisecond
	stallCutoff          = 10 * time.Second
	rtspInputProbesize   = "5000000"
	rtspInputStimeout    = "5000000"
	rtspInputMaxDelay    = "500000"
	rtspInputReorderSize = "0"

	// noPtsValue mirrors AV_NOPTS_VALUE (INT64_MIN): libav's sentinel for
	// "this packet carries no usable timestamp".
	noPtsValue = int64(-9223372036854775808)
)

// ErrInputClosedByRecorder wraps a segment failure where the Recorder
// itself decided the input connection could not continue (OpenInput,
// FindStreamInfo, or a stalled read all invalidate the slot). Session
// Supervisor code distinguishes this from other failures when deciding
// whether to force-clear the slot on its own (spec.md §9 Open Question #2).
var ErrInputClosedByRecorder = errors.New("recorder: input connection closed")

// ErrNoVideoStream is returned from SELECTING_STREAMS when the source has
// no video stream at all; spec.md treats this as fatal for the segment.
var ErrNoVideoStream = errors.New("recorder: source has no video stream")

// InputSlot is the mutable, optional holder for a persistent RTSP input
// connection shared across segments within one session. When a read fails
// or stalls, the Recorder clears the slot and frees the FormatContext itself
// and reports ErrInputClosedByRecorder; otherwise freeing it is left to the
// slot's owner (the Session Supervisor).
type InputSlot struct {
	FormatContext *astiav.FormatContext
}

// Empty reports whether the slot currently holds no connection.
func (s *InputSlot) Empty() bool { return s == nil || s.FormatContext == nil }

// Clear drops the slot's reference. It does not free the underlying
// FormatContext; callers that want the connection released must call
// FormatContext.Free() themselves first.
func (s *InputSlot) Clear() {
	if s != nil {
		s.FormatContext = nil
	}
}

// SegmentInfo persists across RecordSegment calls within one session
// (spec.md §4.2 "segment info" carried from one segment to the next): the
// segment index (0 on the session's first file, incrementing thereafter)
// and whether the previous segment's final video frame was itself a
// keyframe, which lets the next segment skip the AWAIT_FIRST_KEYFRAME wait.
type SegmentInfo struct {
	Index                int
	AudioPresent         bool
	PreviousEndedOnKeyframe bool
}

// Params configures a single RecordSegment call.
type Params struct {
	URL        string
	OutputPath string
	// DurationSeconds is the target segment length; 0 (or negative) means
	// unbounded — the segment never rotates on elapsed time and ends only
	// on shutdown or a read failure (spec.md §4.2 Inputs, §8 "segment_duration=0").
	DurationSeconds int
	AudioEnabled    bool

	// ShutdownRequested is polled once per COPYING iteration. Once it
	// returns true the Recorder stops accepting new packets and moves to
	// AWAIT_FINAL_KEYFRAME to close out the file cleanly.
	ShutdownRequested func() bool
}

// Recorder runs one segment's worth of OPENING..DONE state transitions.
// It is stateless between calls; all per-segment state lives on the stack
// of RecordSegment.
type Recorder struct {
	Logger *slog.Logger
}

// New returns a Recorder. With a nil logger the Recorder logs to
// slog.Default().
func New(logger *slog.Logger) *Recorder {
	return &Recorder{Logger: logger}
}

func (r *Recorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// RecordSegment drives one output file through the full state machine. It
// returns once the file has either been cleanly finalized or the attempt
// has failed; in the latter case the returned error wraps
// ErrInputClosedByRecorder when the input slot was cleared as part of the
// failure.
func (r *Recorder) RecordSegment(ctx context.Context, slot *InputSlot, params Params, info *SegmentInfo) error {
	log := r.logger().With("stream", params.OutputPath)

	// OPENING
	if slot.Empty() {
		fc, err := r.openInput(params.URL, log)
		if err != nil {
			return fmt.Errorf("%s: open input: %w: %w", stateOpening, ErrInputClosedByRecorder, err)
		}
		slot.FormatContext = fc
	}
	fc := slot.FormatContext

	// SELECTING_STREAMS
	videoIdx, audioIdx, err := selectStreams(fc, params.AudioEnabled)
	if err != nil {
		return fmt.Errorf("%s: %w", stateSelectingStreams, err)
	}
	info.AudioPresent = audioIdx >= 0

	// WRITING_HEADER
	oc, pb, videoOutIdx, audioOutIdx, err := r.writeHeader(fc, videoIdx, audioIdx, params.OutputPath, log)
	if err != nil {
		return fmt.Errorf("%s: %w", stateWritingHeader, err)
	}

	fin := &finalizer{oc: oc, pb: pb}
	defer fin.cleanup(log)

	videoRebase := rebase.NewContext("video", r.Logger)
	var audioRebase *rebase.Context
	if audioOutIdx >= 0 {
		audioRebase = rebase.NewContext("audio", r.Logger)
	}

	pkt := astiav.AllocPacket()
	defer pkt.Free()

	// A non-positive DurationSeconds means "unbounded" (spec.md §4.2,
	// §8 "segment_duration=0: no rotation ever"): the deadline is only
	// consulted when a duration was actually requested.
	unbounded := params.DurationSeconds <= 0
	deadline := time.Now().Add(time.Duration(params.DurationSeconds) * time.Second)

	curState := stateAwaitFirstKeyframe
	foundFirstKeyframe := info.PreviousEndedOnKeyframe && videoOutIdx >= 0
	var videoPacketCount, audioPacketCount int64
	lastProgress := time.Now()
	var awaitFinalSince time.Time
	endedOnKeyframe := false

	videoStream := fc.Streams()[videoIdx]
	outVideoStream := oc.Streams()[videoOutIdx]
	var outAudioStream *astiav.Stream
	if audioOutIdx >= 0 {
		outAudioStream = oc.Streams()[audioOutIdx]
	}

	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", curState, ctx.Err())
		}

		if curState == stateCopying && params.ShutdownRequested != nil && params.ShutdownRequested() {
			curState = stateAwaitFinalKeyframe
			awaitFinalSince = time.Now()
		}

		if curState == stateCopying && !unbounded && time.Now().After(deadline) {
			curState = stateAwaitFinalKeyframe
			awaitFinalSince = time.Now()
		}

		if err := fc.ReadFrame(pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			if !errors.Is(err, astiav.ErrEagain) {
				slot.Clear()
				fc.Free()
				return fmt.Errorf("%s: %w: read frame: %w", curState, ErrInputClosedByRecorder, err)
			}
			if time.Since(lastProgress) > stallCutoff {
				slot.Clear()
				fc.Free()
				return fmt.Errorf("%s: %w: stalled without progress for %s", curState, ErrInputClosedByRecorder, stallCutoff)
			}
			time.Sleep(readRetrySleep)
			continue
		}
		lastProgress = time.Now()

		si := pkt.StreamIndex()
		isVideo := si == videoIdx
		isAudio := audioOutIdx >= 0 && si == audioIdx

		if !isVideo && !isAudio {
			pkt.Unref()
			continue
		}

		isKeyframe := isVideo && pkt.Flags().Has(astiav.PacketFlagKey)

		switch curState {
		case stateAwaitFirstKeyframe:
			if isAudio {
				pkt.Unref()
				continue
			}
			if !isKeyframe && !foundFirstKeyframe {
				pkt.Unref()
				continue
			}
			foundFirstKeyframe = true
			curState = stateCopying
			fallthrough

		case stateCopying:
			if isVideo {
				dts, pts := videoRebase.Rebase(ptsOrZero(pkt, true), ptsOrZero(pkt, false), pkt.Dts() != noPtsValue, pkt.Pts() != noPtsValue, info.Index, false)
				pkt.SetDts(dts)
				pkt.SetPts(pts)
				if pkt.Duration() <= 0 {
					pkt.SetDuration(rebase.VideoDuration(videoStream.AvgFrameRate().ToDouble(), videoStream.TimeBase().Num(), videoStream.TimeBase().Den()))
				}
				pkt.SetStreamIndex(videoOutIdx)
				pkt.RescaleTs(videoStream.TimeBase(), outVideoStream.TimeBase())
				if err := oc.WriteInterleavedFrame(pkt); err != nil {
					log.Error("error writing video frame", "err", err)
				} else {
					videoPacketCount++
					if videoPacketCount%progressInterval == 0 {
						log.Debug("processed video packets", "count", videoPacketCount)
					}
				}
				endedOnKeyframe = isKeyframe
			} else if isAudio && audioRebase != nil {
				audioStream := fc.Streams()[audioIdx]
				dts, pts := audioRebase.Rebase(ptsOrZero(pkt, true), ptsOrZero(pkt, false), pkt.Dts() != noPtsValue, pkt.Pts() != noPtsValue, info.Index, true)
				pkt.SetDts(dts)
				pkt.SetPts(pts)
				if pkt.Duration() <= 0 {
					pkt.SetDuration(rebase.AudioDuration(0, audioSampleRate(audioStream), audioStream.TimeBase().Num(), audioStream.TimeBase().Den()))
				}
				pkt.SetStreamIndex(audioOutIdx)
				pkt.RescaleTs(audioStream.TimeBase(), outAudioStream.TimeBase())
				if err := oc.WriteInterleavedFrame(pkt); err != nil {
					log.Error("error writing audio frame", "err", err)
				} else {
					audioPacketCount++
				}
			}

		case stateAwaitFinalKeyframe:
			if isAudio {
				// Only a video keyframe (or the 2s timeout) ends a segment;
				// audio packets arriving while we wait are dropped, not
				// treated as the splice point (spec.md §4.2).
				pkt.Unref()
				continue
			}
			if !isKeyframe && time.Since(awaitFinalSince) < finalKeyframeWait {
				pkt.Unref()
				continue
			}
			dts, pts := videoRebase.Rebase(ptsOrZero(pkt, true), ptsOrZero(pkt, false), pkt.Dts() != noPtsValue, pkt.Pts() != noPtsValue, info.Index, false)
			pkt.SetDts(dts)
			pkt.SetPts(pts)
			if pkt.Duration() <= 0 {
				pkt.SetDuration(rebase.VideoDuration(videoStream.AvgFrameRate().ToDouble(), videoStream.TimeBase().Num(), videoStream.TimeBase().Den()))
			}
			pkt.SetStreamIndex(videoOutIdx)
			pkt.RescaleTs(videoStream.TimeBase(), outVideoStream.TimeBase())
			if err := oc.WriteInterleavedFrame(pkt); err == nil {
				videoPacketCount++
			}
			endedOnKeyframe = isKeyframe
			pkt.Unref()
			curState = stateFinalizing
			continue
		}

		pkt.Unref()

		if curState == stateFinalizing {
			break
		}
	}

	// FINALIZING
	if err := oc.WriteTrailer(); err != nil {
		log.Error("failed to write trailer", "err", err)
	} else {
		fin.trailerWritten = true
	}

	info.PreviousEndedOnKeyframe = endedOnKeyframe
	log.Debug("segment finalized", "video_packets", videoPacketCount, "audio_packets", audioPacketCount)
	return nil
}

func (r *Recorder) openInput(url string, log *slog.Logger) (*astiav.FormatContext, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("AllocFormatContext returned nil")
	}

	opts := astiav.NewDictionary()
	defer opts.Free()

	_ = opts.Set("rtsp_transport", "tcp", 0)
	_ = opts.Set("fflags", "+nobuffer", 0)
	_ = opts.Set("flags", "+low_delay", 0)
	_ = opts.Set("max_delay", rtspInputMaxDelay, 0)
	_ = opts.Set("stimeout", rtspInputStimeout, 0)
	_ = opts.Set("probesize", rtspInputProbesize, 0)
	_ = opts.Set("reorder_queue_size", rtspInputReorderSize, 0)

	if err := fc.OpenInput(url, nil, opts); err != nil {
		fc.Free()
		return nil, fmt.Errorf("open input %q: %w", url, err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.Free()
		return nil, fmt.Errorf("find stream info: %w", err)
	}

	log.Debug("input opened", "url", url)
	return fc, nil
}

func selectStreams(fc *astiav.FormatContext, audioEnabled bool) (videoIdx, audioIdx int, err error) {
	videoIdx, audioIdx = -1, -1
	for i, s := range fc.Streams() {
		switch s.CodecParameters().MediaType() {
		case astiav.MediaTypeVideo:
			if videoIdx < 0 {
				videoIdx = i
			}
		case astiav.MediaTypeAudio:
			if audioEnabled && audioIdx < 0 {
				audioIdx = i
			}
		}
	}
	if videoIdx < 0 {
		return -1, -1, ErrNoVideoStream
	}
	return videoIdx, audioIdx, nil
}

func (r *Recorder) writeHeader(fc *astiav.FormatContext, videoIdx, audioIdx int, outPath string, log *slog.Logger) (oc *astiav.FormatContext, pb *astiav.IOContext, videoOutIdx, audioOutIdx int, err error) {
	videoOutIdx, audioOutIdx = -1, -1

	oc, err = astiav.AllocOutputFormatContext(nil, "mp4", outPath)
	if err != nil || oc == nil {
		return nil, nil, -1, -1, fmt.Errorf("alloc output context: %w", err)
	}

	ioFlags := astiav.NewIOContextFlags(astiav.IOContextFlagWrite)
	pb, err = astiav.OpenIOContext(outPath, ioFlags, nil, nil)
	if err != nil {
		oc.Free()
		return nil, nil, -1, -1, fmt.Errorf("open io context %q: %w", outPath, err)
	}
	oc.SetPb(pb)

	videoIn := fc.Streams()[videoIdx]
	videoOut := oc.NewStream(nil)
	if videoOut == nil {
		_ = pb.Close()
		pb.Free()
		oc.Free()
		return nil, nil, -1, -1, errors.New("oc.NewStream(video) returned nil")
	}
	if err := videoIn.CodecParameters().Copy(videoOut.CodecParameters()); err != nil {
		_ = pb.Close()
		pb.Free()
		oc.Free()
		return nil, nil, -1, -1, fmt.Errorf("copy video codec parameters: %w", err)
	}
	videoOut.SetTimeBase(videoIn.TimeBase())
	videoOutIdx = videoOut.Index()

	if audioIdx >= 0 {
		audioIn := fc.Streams()[audioIdx]
		audioOut := oc.NewStream(nil)
		if audioOut == nil {
			log.Warn("oc.NewStream(audio) returned nil, continuing video-only")
		} else if err := audioIn.CodecParameters().Copy(audioOut.CodecParameters()); err != nil {
			log.Warn("copy audio codec parameters failed, continuing video-only", "err", err)
		} else {
			audioOut.SetTimeBase(audioIn.TimeBase())
			audioOutIdx = audioOut.Index()
		}
	}

	outOpts := astiav.NewDictionary()
	defer outOpts.Free()
	_ = outOpts.Set("movflags", "empty_moov", 0)

	if err := oc.WriteHeader(outOpts); err != nil {
		_ = pb.Close()
		pb.Free()
		oc.Free()
		return nil, nil, -1, -1, fmt.Errorf("write header: %w", err)
	}

	return oc, pb, videoOutIdx, audioOutIdx, nil
}

// finalizer holds the output-side handles that RecordSegment must always
// release exactly once, mirroring mp4_writer.c's cleanup label: dictionaries
// are freed unconditionally, the trailer is written at most once, and the
// IO context and output FormatContext are only released if they were
// actually created. The input FormatContext is never touched here — it
// belongs to the caller's InputSlot.
type finalizer struct {
	oc             *astiav.FormatContext
	pb             *astiav.IOContext
	trailerWritten bool
}

func (f *finalizer) cleanup(log *slog.Logger) {
	if f.oc == nil {
		return
	}
	if !f.trailerWritten {
		if err := f.oc.WriteTrailer(); err != nil {
			log.Debug("cleanup: write trailer failed", "err", err)
		}
	}
	if f.pb != nil {
		_ = f.pb.Close()
		f.pb.Free()
	}
	f.oc.Free()
}

func ptsOrZero(pkt *astiav.Packet, dts bool) int64 {
	if dts {
		return pkt.Dts()
	}
	return pkt.Pts()
}

func audioSampleRate(s *astiav.Stream) int {
	if r := s.CodecParameters(); r != nil {
		return r.SampleRate()
	}
	return 0
}
