package demux

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/substrate/media"
)

// rangeFudge is the maximum gap between adjacent frames that still counts
// as contiguous when reporting buffered ranges.
const rangeFudge = 10 * time.Millisecond

// Sentinel errors for endpoint registration.
var (
	ErrDuplicateID = errors.New("demux: endpoint id already registered")
	ErrUnknownID   = errors.New("demux: unknown endpoint id")
)

// stream holds the coded-frame queue and parser state for one endpoint.
type stream struct {
	frames []*media.Buffer
	bytes  int64

	// readPos is the next frame to hand to the playback path. Frames before
	// it have been consumed but stay buffered until removed or evicted.
	readPos int

	// acc holds the partial trailing frame of the previous append, waiting
	// for the rest of its bytes.
	acc []byte

	sequence bool
	nextPTS  time.Duration
	highest  time.Duration
	hasAny   bool
}

// Demuxer is an in-memory coded-frame store implementing the collaborator
// surface the append controller drives: segment parsing, time-range
// bookkeeping, removal, and byte-quota eviction. Each registered id is one
// endpoint (a single audio or video track).
type Demuxer struct {
	log   *slog.Logger
	quota int64

	mu      sync.Mutex
	streams map[string]*stream
}

// NewDemuxer creates a Demuxer with the given per-endpoint byte quota.
// If log is nil, slog.Default() is used.
func NewDemuxer(quotaBytes int64, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		log:     log.With("component", "demuxer"),
		quota:   quotaBytes,
		streams: make(map[string]*stream),
	}
}

// AddID registers a new endpoint.
func (d *Demuxer) AddID(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.streams[id]; ok {
		return ErrDuplicateID
	}
	d.streams[id] = &stream{}
	d.log.Info("endpoint registered", "id", id)
	return nil
}

// RemoveID releases an endpoint and all its buffered frames.
func (d *Demuxer) RemoveID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, id)
	d.log.Info("endpoint removed", "id", id)
}

// AppendData parses segment bytes for the endpoint, applying the append
// window and timestamp offset to every parsed frame. The offset may be
// corrected in place when the endpoint is in sequence mode. Appends may end
// mid-frame; the remainder is held until the next call. Returns false on a
// parse failure, after which the caller is expected to reset parser state.
func (d *Demuxer) AppendData(id string, data []byte, windowStart, windowEnd time.Duration, timestampOffset *time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[id]
	if !ok {
		return false
	}

	s.acc = append(s.acc, data...)
	frames, consumed, err := parseFrames(s.acc)
	if err != nil {
		d.log.Warn("segment parse failure", "id", id, "error", err)
		return false
	}
	s.acc = s.acc[consumed:]

	if len(frames) > 0 && s.sequence {
		// Sequence mode remaps the group so it continues from the end of
		// the previous group, correcting the caller's offset in place.
		corrected := s.nextPTS - frames[0].pts
		if corrected != *timestampOffset {
			d.log.Debug("sequence mode corrected timestamp offset",
				"id", id, "offset", corrected)
			*timestampOffset = corrected
		}
	}

	for _, f := range frames {
		pts := f.pts + *timestampOffset
		if pts < windowStart || pts >= windowEnd {
			continue
		}
		b := media.NewBuffer(f.streamType, pts, f.duration, f.keyFrame, f.payload)
		s.insert(b)
		if !s.hasAny || pts > s.highest {
			s.highest = pts
			s.hasAny = true
		}
		if b.EndTime() > s.nextPTS {
			s.nextPTS = b.EndTime()
		}
	}
	return true
}

// insert places b in presentation order. Appends are almost always in
// order, so this walks back from the tail.
func (s *stream) insert(b *media.Buffer) {
	pos := len(s.frames)
	for pos > 0 && s.frames[pos-1].PTS > b.PTS {
		pos--
	}
	s.frames = append(s.frames, nil)
	copy(s.frames[pos+1:], s.frames[pos:])
	s.frames[pos] = b
	if pos < s.readPos {
		s.readPos++
	}
	s.bytes += int64(len(b.Data))
}

// Remove drops buffered frames with presentation timestamps in [start, end).
func (d *Demuxer) Remove(id string, start, end time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[id]
	if !ok {
		return
	}
	kept := s.frames[:0]
	newReadPos := s.readPos
	for i, b := range s.frames {
		if b.PTS >= start && b.PTS < end {
			s.bytes -= int64(len(b.Data))
			if i < s.readPos {
				newReadPos--
			}
			continue
		}
		kept = append(kept, b)
	}
	s.frames = kept
	s.readPos = newReadPos
}

// EvictCodedFrames discards already-consumed frames that end before
// currentTime until bytesNeeded additional bytes fit under the endpoint
// quota. Reports whether enough space is now free.
func (d *Demuxer) EvictCodedFrames(id string, currentTime time.Duration, bytesNeeded int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[id]
	if !ok {
		return false
	}

	drop := 0
	for s.bytes+bytesNeeded > d.quota && drop < s.readPos {
		b := s.frames[drop]
		if b.EndTime() >= currentTime {
			break
		}
		s.bytes -= int64(len(b.Data))
		drop++
	}
	if drop > 0 {
		s.frames = append([]*media.Buffer(nil), s.frames[drop:]...)
		s.readPos -= drop
		d.log.Debug("evicted coded frames", "id", id, "count", drop)
	}
	return s.bytes+bytesNeeded <= d.quota
}

// ResetParserState discards any partially accumulated frame. In sequence
// mode the timestamp offset is corrected to the continuation point, so the
// next append lines up with what has been buffered.
func (d *Demuxer) ResetParserState(id string, windowStart, windowEnd time.Duration, timestampOffset *time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[id]
	if !ok {
		return
	}
	s.acc = nil
	if s.sequence {
		*timestampOffset = s.nextPTS
	}
}

// GetBufferedRanges returns the coalesced presentation ranges currently
// buffered for the endpoint.
func (d *Demuxer) GetBufferedRanges(id string) []media.TimeRange {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[id]
	if !ok || len(s.frames) == 0 {
		return nil
	}

	sorted := append([]*media.Buffer(nil), s.frames...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PTS < sorted[j].PTS })

	var ranges []media.TimeRange
	cur := media.TimeRange{Start: sorted[0].PTS, End: sorted[0].EndTime()}
	for _, b := range sorted[1:] {
		if b.PTS <= cur.End+rangeFudge {
			if b.EndTime() > cur.End {
				cur.End = b.EndTime()
			}
			continue
		}
		ranges = append(ranges, cur)
		cur = media.TimeRange{Start: b.PTS, End: b.EndTime()}
	}
	return append(ranges, cur)
}

// SetSequenceMode switches the endpoint between segments and sequence
// append modes.
func (d *Demuxer) SetSequenceMode(id string, sequence bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.streams[id]; ok {
		s.sequence = sequence
	}
}

// GetHighestPresentationTimestamp returns the highest frame timestamp ever
// appended to the endpoint, or zero if nothing has been appended.
func (d *Demuxer) GetHighestPresentationTimestamp(id string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.streams[id]; ok {
		return s.highest
	}
	return 0
}

// IsParsingMediaSegment reports whether the endpoint is mid-segment, i.e.
// the previous append ended inside a frame.
func (d *Demuxer) IsParsingMediaSegment(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.streams[id]; ok {
		return len(s.acc) > 0
	}
	return false
}

// ReadBuffer hands the playback path the next unconsumed frame for the
// endpoint, or false when everything buffered has been consumed. Consumed
// frames stay buffered until removed or evicted.
func (d *Demuxer) ReadBuffer(id string) (*media.Buffer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[id]
	if !ok || s.readPos >= len(s.frames) {
		return nil, false
	}
	b := s.frames[s.readPos]
	s.readPos++
	return b, true
}

// SeekTo repositions the endpoint's read cursor at the first frame whose
// presentation end is at or after t.
func (d *Demuxer) SeekTo(id string, t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[id]
	if !ok {
		return
	}
	pos := 0
	for pos < len(s.frames) && s.frames[pos].EndTime() < t {
		pos++
	}
	s.readPos = pos
}

// BufferedBytes returns the byte count currently buffered for the endpoint.
func (d *Demuxer) BufferedBytes(id string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.streams[id]; ok {
		return s.bytes
	}
	return 0
}
