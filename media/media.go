// Package media defines the core types shared by the buffering and player
// layers: stream identification, decoder buffers, codec configurations, and
// the sample/info structures exchanged with the platform player.
package media

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// StreamType identifies which elementary stream a buffer belongs to.
type StreamType int

// The two stream types tracked by the kernel. Replay and write ordering
// are maintained independently per type.
const (
	Audio StreamType = iota
	Video
)

// StreamTypes lists all stream types, in iteration order.
var StreamTypes = []StreamType{Audio, Video}

func (t StreamType) String() string {
	switch t {
	case Audio:
		return "audio"
	case Video:
		return "video"
	}
	return fmt.Sprintf("stream(%d)", int(t))
}

// MaxTime is the largest representable media time. The element-facing API
// expresses an unbounded append window end as +Inf seconds, which maps here.
const MaxTime = time.Duration(math.MaxInt64)

// SecondsToTime converts element-facing seconds to an internal media time.
// +Inf maps to MaxTime and values beyond the representable range saturate.
// Callers validate NaN before conversion.
func SecondsToTime(seconds float64) time.Duration {
	if math.IsInf(seconds, 1) {
		return MaxTime
	}
	maxSeconds := MaxTime.Seconds()
	if seconds >= maxSeconds {
		return MaxTime
	}
	if seconds <= -maxSeconds {
		return -MaxTime
	}
	return time.Duration(seconds * float64(time.Second))
}

// TimeToSeconds converts an internal media time back to element-facing
// seconds. MaxTime maps to +Inf.
func TimeToSeconds(t time.Duration) float64 {
	if t == MaxTime {
		return math.Inf(1)
	}
	return t.Seconds()
}

// TimeRange is a half-open [Start, End) interval in media time.
type TimeRange struct {
	Start time.Duration
	End   time.Duration
}

// Rect is the on-screen bounds forwarded to the platform player.
type Rect struct {
	X, Y, Width, Height int
}

// AudioConfig describes the audio elementary stream handed to the platform
// player at creation time.
type AudioConfig struct {
	Codec      string
	SampleRate int
	Channels   int
}

// Valid reports whether the config describes a usable audio stream.
func (c AudioConfig) Valid() bool {
	return c.Codec != "" && c.SampleRate > 0 && c.Channels > 0
}

// VideoConfig describes the video elementary stream handed to the platform
// player at creation time.
type VideoConfig struct {
	Codec  string
	Width  int
	Height int
}

// Valid reports whether the config describes a usable video stream.
func (c VideoConfig) Valid() bool {
	return c.Codec != "" && c.Width > 0 && c.Height > 0
}

// nextBufferID assigns process-unique buffer identities. The in-flight
// sample registry keys on this identity because the same buffer may be
// written to the platform more than once.
var nextBufferID atomic.Uint64

// Buffer is a single encoded access unit produced by the demuxer, or an
// end-of-stream marker. Buffers are immutable after creation.
type Buffer struct {
	id       uint64
	Type     StreamType
	PTS      time.Duration
	Duration time.Duration
	KeyFrame bool
	Data     []byte

	eos bool
}

// NewBuffer creates an encoded buffer for the given stream. The data slice
// is owned by the buffer after the call.
func NewBuffer(t StreamType, pts, duration time.Duration, keyFrame bool, data []byte) *Buffer {
	return &Buffer{
		id:       nextBufferID.Add(1),
		Type:     t,
		PTS:      pts,
		Duration: duration,
		KeyFrame: keyFrame,
		Data:     data,
	}
}

// NewEndOfStreamBuffer creates the marker that signals no further buffers
// will arrive for the given stream.
func NewEndOfStreamBuffer(t StreamType) *Buffer {
	return &Buffer{
		id:   nextBufferID.Add(1),
		Type: t,
		eos:  true,
	}
}

// ID returns the buffer's process-unique identity.
func (b *Buffer) ID() uint64 { return b.id }

// EndOfStream reports whether this buffer is an end-of-stream marker.
func (b *Buffer) EndOfStream() bool { return b.eos }

// EndTime returns the presentation end of the buffer.
func (b *Buffer) EndTime() time.Duration { return b.PTS + b.Duration }

// Sample is the wire form of a buffer handed to the platform player.
type Sample struct {
	Type      StreamType
	BufferID  uint64
	Data      []byte
	Timestamp time.Duration
	KeyFrame  bool

	Audio AudioConfig
	Video VideoConfig
}

// PlayerInfo is the platform player's progress report. While the player is
// suspended the kernel serves a snapshot taken at suspension time.
type PlayerInfo struct {
	MediaTime          time.Duration
	VideoFramesDecoded int
	VideoFramesDropped int
}
