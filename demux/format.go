// Package demux provides the coded-frame store that backs the append path:
// it parses framed segment bytes into per-endpoint buffer queues, tracks
// buffered time ranges, and enforces the per-endpoint byte quota that drives
// frame eviction.
package demux

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zsiec/substrate/media"
)

// Segment framing: a segment is a concatenation of frames, each
//
//	type(1) flags(1) pts_us(int64 BE) duration_us(int64 BE) size(uint32 BE) payload
//
// type is 0x01 (audio) or 0x02 (video); flags bit 0 marks a keyframe.
// Appends may split a frame at any byte boundary; the per-endpoint
// accumulator reassembles it across AppendData calls.
const (
	frameHeaderSize = 22

	frameTypeAudio = 0x01
	frameTypeVideo = 0x02

	frameFlagKeyFrame = 0x01

	// maxFrameSize rejects obviously corrupt size fields before they turn
	// into huge allocations.
	maxFrameSize = 16 << 20
)

// ParseError reports a malformed frame in an appended segment. Offset is
// relative to the start of the frame header within the accumulated data.
type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("demux: frame at offset %d: %s", e.Offset, e.Reason)
}

// EncodeFrame serializes one frame in segment framing. Used by tests, the
// stream generator, and SRT publishers feeding the ingest path.
func EncodeFrame(t media.StreamType, pts, duration time.Duration, keyFrame bool, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	switch t {
	case media.Audio:
		out[0] = frameTypeAudio
	case media.Video:
		out[0] = frameTypeVideo
	}
	if keyFrame {
		out[1] = frameFlagKeyFrame
	}
	binary.BigEndian.PutUint64(out[2:], uint64(pts.Microseconds()))
	binary.BigEndian.PutUint64(out[10:], uint64(duration.Microseconds()))
	binary.BigEndian.PutUint32(out[18:], uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out
}

// frame is a parsed frame prior to window filtering and offset application.
type frame struct {
	streamType media.StreamType
	pts        time.Duration
	duration   time.Duration
	keyFrame   bool
	payload    []byte
}

// parseFrames consumes complete frames from data, returning the parsed
// frames and the number of bytes consumed. A partial trailing frame is left
// unconsumed for the caller to accumulate.
func parseFrames(data []byte) ([]frame, int, error) {
	var frames []frame
	off := 0
	for len(data)-off >= frameHeaderSize {
		var t media.StreamType
		switch data[off] {
		case frameTypeAudio:
			t = media.Audio
		case frameTypeVideo:
			t = media.Video
		default:
			return nil, off, &ParseError{Offset: off, Reason: fmt.Sprintf("unknown frame type 0x%02x", data[off])}
		}

		size := binary.BigEndian.Uint32(data[off+18 : off+22])
		if size > maxFrameSize {
			return nil, off, &ParseError{Offset: off, Reason: fmt.Sprintf("frame size %d exceeds limit", size)}
		}
		if len(data)-off-frameHeaderSize < int(size) {
			break
		}

		pts := time.Duration(int64(binary.BigEndian.Uint64(data[off+2:off+10]))) * time.Microsecond
		duration := time.Duration(int64(binary.BigEndian.Uint64(data[off+10:off+18]))) * time.Microsecond
		if duration < 0 {
			return nil, off, &ParseError{Offset: off, Reason: "negative frame duration"}
		}

		payload := make([]byte, size)
		copy(payload, data[off+frameHeaderSize:off+frameHeaderSize+int(size)])

		frames = append(frames, frame{
			streamType: t,
			pts:        pts,
			duration:   duration,
			keyFrame:   data[off+1]&frameFlagKeyFrame != 0,
			payload:    payload,
		})
		off += frameHeaderSize + int(size)
	}
	return frames, off, nil
}
