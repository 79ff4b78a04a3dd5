// Package player owns the platform player handle and its lifecycle state
// machine: creation, playback control, suspend/resume with full teardown and
// buffer replay, and the ticket discipline that rejects asynchronous replies
// belonging to a previous player incarnation.
package player

import (
	"time"

	"github.com/zsiec/substrate/media"
)

// Handle identifies one platform player incarnation. Handles are never
// reused within a process, which is what makes the handle check on async
// replies meaningful.
type Handle int64

// InvalidHandle is the zero handle, held while suspended or before creation.
const InvalidHandle Handle = 0

// initialTicket is the ticket value a freshly created platform player
// reports with until the first seek is issued.
const initialTicket = 0

// DecoderState is the platform decoder's report for one stream.
type DecoderState int

// Decoder states delivered through the decoder-status callback.
const (
	DecoderNeedsData DecoderState = iota
)

// Status is the platform player's lifecycle report.
type Status int

// Platform player statuses, in the order they normally occur.
const (
	StatusInitialized Status = iota
	StatusPrerolling
	StatusPresenting
	StatusEndOfStream
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusPrerolling:
		return "prerolling"
	case StatusPresenting:
		return "presenting"
	case StatusEndOfStream:
		return "end-of-stream"
	case StatusDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// ErrorCode classifies platform player failures.
type ErrorCode int

// Platform error codes.
const (
	ErrorDecode ErrorCode = iota
	ErrorCapabilityChanged
	ErrorMax
)

// Callbacks are invoked by the platform from arbitrary goroutines. The
// kernel marshals them onto the controlling goroutine before any state is
// touched.
type Callbacks struct {
	DecoderStatus    func(h Handle, t media.StreamType, state DecoderState, ticket int)
	PlayerStatus     func(h Handle, status Status, ticket int)
	PlayerError      func(h Handle, code ErrorCode, message string)
	DeallocateSample func(bufferID uint64)
}

// CreationParams carry everything the platform needs to build a player.
type CreationParams struct {
	Audio     media.AudioConfig
	Video     media.VideoConfig
	DRMSystem string
	Callbacks Callbacks
}

// Platform is the hardware-abstracted player the lifecycle engine drives.
// All methods are synchronous; progress arrives through Callbacks.
type Platform interface {
	Create(params CreationParams) (Handle, error)
	Destroy(h Handle)
	Seek(h Handle, t time.Duration, ticket int)
	SetPlaybackRate(h Handle, rate float64)
	SetVolume(h Handle, volume float64)
	SetBounds(h Handle, z int, bounds media.Rect)
	WriteSample(h Handle, sample media.Sample)
	WriteEndOfStream(h Handle, t media.StreamType)
	GetInfo(h Handle) media.PlayerInfo
}

// Host is the owning pipeline surface the player reports into, on the
// controlling goroutine.
type Host interface {
	OnNeedData(t media.StreamType)
	OnPlayerStatus(status Status)
	OnPlayerError(code ErrorCode, message string)
}
