// Package source implements the append/remove scheduler for one buffer
// endpoint: it validates element-facing operations, applies the eviction
// policy before accepting new bytes, chunks large appends into bounded
// deferred writes, and emits the updatestart/update/abort/error/updateend
// event sequence with its fixed ordering contract.
package source

import (
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/zsiec/substrate/dispatch"
	"github.com/zsiec/substrate/media"
)

// maxAppendChunk bounds how many bytes a single deferred append step hands
// to the demuxer, so one huge append cannot monopolize the controlling
// goroutine.
const maxAppendChunk = 128 * 1024

// Synchronous failure modes. These are reported to the caller before any
// state is mutated.
var (
	// ErrInvalidState covers operations attempted while detached, while an
	// operation is in flight, or on a closed endpoint.
	ErrInvalidState = errors.New("source: invalid state")
	// ErrInvalidRange covers malformed window/range/offset arguments.
	ErrInvalidRange = errors.New("source: invalid range")
	// ErrQuotaExceeded is returned when eviction could not free enough
	// space for an append.
	ErrQuotaExceeded = errors.New("source: buffer quota exceeded")
)

// Event names the lifecycle notifications emitted toward the element. Each
// operation emits exactly updatestart, then exactly one of update, abort, or
// error, then exactly updateend.
type Event string

// Lifecycle events, in their ordering-contract roles.
const (
	EventUpdateStart Event = "updatestart"
	EventUpdate      Event = "update"
	EventAbort       Event = "abort"
	EventError       Event = "error"
	EventUpdateEnd   Event = "updateend"
)

// Demuxer is the parsing collaborator driven by the controller. The
// timestamp offset pointer may be corrected in place by AppendData and
// ResetParserState.
type Demuxer interface {
	AppendData(id string, data []byte, windowStart, windowEnd time.Duration, timestampOffset *time.Duration) bool
	Remove(id string, start, end time.Duration)
	EvictCodedFrames(id string, currentTime time.Duration, bytesNeeded int64) bool
	ResetParserState(id string, windowStart, windowEnd time.Duration, timestampOffset *time.Duration)
	GetBufferedRanges(id string) []media.TimeRange
	SetSequenceMode(id string, sequence bool)
	GetHighestPresentationTimestamp(id string) time.Duration
	IsParsingMediaSegment(id string) bool
	RemoveID(id string)
}

// Host is the owning media-source/element surface the controller reports
// into.
type Host interface {
	// ScheduleEvent queues a lifecycle event for the endpoint toward
	// script-visible observers.
	ScheduleEvent(id string, event Event)
	// CurrentTime is the element's playback position in seconds, used to
	// anchor eviction.
	CurrentTime() float64
	// Duration is the media duration in seconds (NaN when unset).
	Duration() float64
	// InErrorState reports whether the element is in an error state.
	InErrorState() bool
	// IsOpen reports whether the media source is open (not ended).
	IsOpen() bool
	// OpenIfEnded reopens a source that is in the ended state.
	OpenIfEnded()
	// OnDecodeError escalates a mid-append demuxer failure as an
	// end-of-stream-with-error on the owning player.
	OnDecodeError()
}

// Options configure a Buffer beyond its collaborators.
type Options struct {
	// EvictExtraBytes is added to every eviction request, providing
	// configurable headroom beyond the incoming append size.
	EvictExtraBytes int64
	// MaxAppendChunk overrides the per-step write ceiling. Zero means the
	// 128 KiB default.
	MaxAppendChunk int
	Logger         *slog.Logger
}

// Buffer owns the pending-append and pending-remove state machines for one
// endpoint. All methods must be called on the controlling goroutine; the
// deferred steps it schedules run there too.
type Buffer struct {
	log    *slog.Logger
	id     string
	runner *dispatch.Runner

	demuxer Demuxer
	host    Host

	evictExtra int64
	maxChunk   int

	updating bool

	// Pending append bookkeeping. pendingData is grow-only: its capacity is
	// kept across operations to amortize repeated appends of similar size.
	pendingData   []byte
	pendingSize   int
	pendingOffset int

	// Pending remove interval; pendingRemove false means none.
	pendingRemove bool
	removeStart   time.Duration
	removeEnd     time.Duration

	appendWindowStart time.Duration
	appendWindowEnd   time.Duration
	timestampOffset   time.Duration
	sequenceMode      bool

	// opSeq invalidates deferred steps queued by a cancelled operation.
	opSeq uint64
}

// New creates the controller for one endpoint already registered with the
// demuxer. If opts.Logger is nil, slog.Default() is used.
func New(id string, runner *dispatch.Runner, demuxer Demuxer, host Host, opts Options) *Buffer {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	chunk := opts.MaxAppendChunk
	if chunk <= 0 {
		chunk = maxAppendChunk
	}
	return &Buffer{
		log:             log.With("component", "source-buffer", "id", id),
		id:              id,
		runner:          runner,
		demuxer:         demuxer,
		host:            host,
		evictExtra:      opts.EvictExtraBytes,
		maxChunk:        chunk,
		appendWindowEnd: media.MaxTime,
	}
}

// Updating reports whether an append or remove operation is in flight.
func (b *Buffer) Updating() bool { return b.updating }

// ID returns the endpoint id this controller drives.
func (b *Buffer) ID() string { return b.id }

// SetMode switches between segments (false) and sequence (true) append
// modes. Rejected while detached, updating, or mid-media-segment.
func (b *Buffer) SetMode(sequence bool) error {
	if b.demuxer == nil || b.updating {
		return ErrInvalidState
	}
	b.host.OpenIfEnded()
	if b.demuxer.IsParsingMediaSegment(b.id) {
		return ErrInvalidState
	}
	b.demuxer.SetSequenceMode(b.id, sequence)
	b.sequenceMode = sequence
	return nil
}

// Mode reports whether the endpoint is in sequence append mode.
func (b *Buffer) Mode() bool { return b.sequenceMode }

// Buffered returns the endpoint's buffered presentation ranges.
func (b *Buffer) Buffered() ([]media.TimeRange, error) {
	if b.demuxer == nil {
		return nil, ErrInvalidState
	}
	return b.demuxer.GetBufferedRanges(b.id), nil
}

// TimestampOffset returns the current offset applied to incoming segments,
// in seconds. The demuxer may have corrected it during appends or parser
// resets.
func (b *Buffer) TimestampOffset() float64 {
	return media.TimeToSeconds(b.timestampOffset)
}

// SetTimestampOffset sets the offset applied to incoming segments.
func (b *Buffer) SetTimestampOffset(seconds float64) error {
	if b.demuxer == nil || b.updating {
		return ErrInvalidState
	}
	if math.IsNaN(seconds) {
		return ErrInvalidRange
	}
	b.host.OpenIfEnded()
	if b.demuxer.IsParsingMediaSegment(b.id) {
		return ErrInvalidState
	}
	b.timestampOffset = media.SecondsToTime(seconds)
	return nil
}

// AppendWindowStart returns the window start in seconds.
func (b *Buffer) AppendWindowStart() float64 {
	return media.TimeToSeconds(b.appendWindowStart)
}

// SetAppendWindowStart mutates the window start, enforcing
// 0 <= start < end.
func (b *Buffer) SetAppendWindowStart(seconds float64) error {
	if b.demuxer == nil || b.updating {
		return ErrInvalidState
	}
	if math.IsNaN(seconds) || seconds < 0 || media.SecondsToTime(seconds) >= b.appendWindowEnd {
		return ErrInvalidRange
	}
	b.appendWindowStart = media.SecondsToTime(seconds)
	return nil
}

// AppendWindowEnd returns the window end in seconds (+Inf when unbounded).
func (b *Buffer) AppendWindowEnd() float64 {
	return media.TimeToSeconds(b.appendWindowEnd)
}

// SetAppendWindowEnd mutates the window end, enforcing end > start and
// rejecting NaN.
func (b *Buffer) SetAppendWindowEnd(seconds float64) error {
	if b.demuxer == nil || b.updating {
		return ErrInvalidState
	}
	if math.IsNaN(seconds) {
		return ErrInvalidRange
	}
	if media.SecondsToTime(seconds) <= b.appendWindowStart {
		return ErrInvalidRange
	}
	b.appendWindowEnd = media.SecondsToTime(seconds)
	return nil
}

// HighestPresentationTimestamp returns the highest timestamp ever appended,
// in seconds.
func (b *Buffer) HighestPresentationTimestamp() float64 {
	if b.demuxer == nil {
		return 0
	}
	return b.demuxer.GetHighestPresentationTimestamp(b.id).Seconds()
}

// prepareAppend runs the synchronous preconditions and the eviction policy
// for an incoming append of size bytes. Zero-size appends never invoke
// eviction. On failure nothing has been mutated.
func (b *Buffer) prepareAppend(size int) error {
	if b.demuxer == nil || b.updating || b.host.InErrorState() {
		return ErrInvalidState
	}
	b.host.OpenIfEnded()

	if size == 0 {
		return nil
	}
	current := media.SecondsToTime(b.host.CurrentTime())
	if !b.demuxer.EvictCodedFrames(b.id, current, int64(size)+b.evictExtra) {
		b.log.Warn("eviction could not free enough space", "size", size)
		return ErrQuotaExceeded
	}
	return nil
}

// AppendBuffer copies data into the pending buffer and schedules the
// chunked transfer to the demuxer. The endpoint is updating from the moment
// this returns until the terminal updateend for the operation.
func (b *Buffer) AppendBuffer(data []byte) error {
	if err := b.prepareAppend(len(data)); err != nil {
		return err
	}

	// Capacity is grown, never shrunk, to amortize repeated appends.
	if cap(b.pendingData) < len(data) {
		b.pendingData = make([]byte, len(data))
	}
	b.pendingData = b.pendingData[:len(data)]
	copy(b.pendingData, data)
	b.pendingSize = len(data)
	b.pendingOffset = 0

	b.updating = true
	b.host.ScheduleEvent(b.id, EventUpdateStart)
	b.scheduleAppendStep()
	return nil
}

func (b *Buffer) scheduleAppendStep() {
	seq := b.opSeq
	b.runner.Post(func() {
		if seq != b.opSeq {
			return
		}
		b.appendStep()
	})
}

// appendStep forwards one bounded chunk to the demuxer and reschedules
// itself while bytes remain, so other controlling-goroutine work can
// interleave between chunks.
func (b *Buffer) appendStep() {
	chunk := b.pendingSize - b.pendingOffset
	if chunk > b.maxChunk {
		chunk = b.maxChunk
	}
	data := b.pendingData[b.pendingOffset : b.pendingOffset+chunk]

	offset := b.timestampOffset
	ok := b.demuxer.AppendData(b.id, data, b.appendWindowStart, b.appendWindowEnd, &offset)
	if offset != b.timestampOffset {
		b.timestampOffset = offset
	}

	if !ok {
		b.pendingSize = 0
		b.pendingOffset = 0
		b.appendError()
		return
	}

	b.pendingOffset += chunk
	if b.pendingOffset < b.pendingSize {
		b.scheduleAppendStep()
		return
	}

	b.updating = false
	b.pendingSize = 0
	b.pendingOffset = 0
	b.host.ScheduleEvent(b.id, EventUpdate)
	b.host.ScheduleEvent(b.id, EventUpdateEnd)
}

// appendError recovers from a demuxer parse failure mid-append: the parser
// is reset (which may correct the timestamp offset), the operation completes
// its event sequence with error, and the failure escalates to the owning
// player as a decode error.
func (b *Buffer) appendError() {
	offset := b.timestampOffset
	b.demuxer.ResetParserState(b.id, b.appendWindowStart, b.appendWindowEnd, &offset)
	b.timestampOffset = offset

	b.updating = false
	b.log.Error("append failed, escalating decode error")
	b.host.ScheduleEvent(b.id, EventError)
	b.host.ScheduleEvent(b.id, EventUpdateEnd)
	b.host.OnDecodeError()
}

// Remove schedules removal of buffered media in [start, end) seconds. The
// removal itself always runs as a deferred step, so observers see
// updatestart before any side effect.
func (b *Buffer) Remove(start, end float64) error {
	if b.demuxer == nil || b.updating {
		return ErrInvalidState
	}
	duration := b.host.Duration()
	if math.IsNaN(start) || start < 0 || math.IsNaN(duration) || start > duration {
		return ErrInvalidRange
	}
	if math.IsNaN(end) || end <= start {
		return ErrInvalidRange
	}
	b.host.OpenIfEnded()

	b.updating = true
	b.host.ScheduleEvent(b.id, EventUpdateStart)

	b.pendingRemove = true
	b.removeStart = media.SecondsToTime(start)
	b.removeEnd = media.SecondsToTime(end)

	seq := b.opSeq
	b.runner.Post(func() {
		if seq != b.opSeq || !b.pendingRemove {
			return
		}
		b.removeStep()
	})
	return nil
}

func (b *Buffer) removeStep() {
	b.demuxer.Remove(b.id, b.removeStart, b.removeEnd)

	b.pendingRemove = false
	b.updating = false
	b.host.ScheduleEvent(b.id, EventUpdate)
	b.host.ScheduleEvent(b.id, EventUpdateEnd)
}

// cancelRemove drops a not-yet-executed deferred removal without emitting
// further events. Only used when the endpoint is detached mid-removal.
func (b *Buffer) cancelRemove() {
	b.opSeq++
	b.pendingRemove = false
	b.updating = false
}

// abortIfUpdating cancels an in-flight append, completing its event
// sequence with abort.
func (b *Buffer) abortIfUpdating() {
	if !b.updating {
		return
	}

	b.opSeq++
	b.pendingSize = 0
	b.pendingOffset = 0
	b.updating = false

	b.host.ScheduleEvent(b.id, EventAbort)
	b.host.ScheduleEvent(b.id, EventUpdateEnd)
}

// Abort cancels an in-flight append, resets the demuxer parser state (which
// may correct the timestamp offset), and restores the default append
// window. Disallowed while a remove is pending.
func (b *Buffer) Abort() error {
	if b.demuxer == nil || !b.host.IsOpen() {
		return ErrInvalidState
	}
	if b.pendingRemove {
		return ErrInvalidState
	}

	b.abortIfUpdating()

	offset := b.timestampOffset
	b.demuxer.ResetParserState(b.id, b.appendWindowStart, b.appendWindowEnd, &offset)
	b.timestampOffset = offset

	b.appendWindowStart = 0
	b.appendWindowEnd = media.MaxTime
	return nil
}

// Detach tears the endpoint down when it is removed from the media source.
// A pending remove is cancelled silently (no observer remains); an in-flight
// append aborts with its normal event sequence. Subsequent calls on the
// controller return ErrInvalidState.
func (b *Buffer) Detach() {
	if b.demuxer == nil {
		return
	}

	if b.pendingRemove {
		b.cancelRemove()
	} else {
		b.abortIfUpdating()
	}

	b.demuxer.RemoveID(b.id)
	b.demuxer = nil
	b.host = nil
	b.pendingData = nil
	b.log.Info("endpoint detached")
}
