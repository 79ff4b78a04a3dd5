// Package buffer provides the per-stream decoder buffer cache that retains
// encoded buffers after they have been written to the platform player, so a
// suspend/resume cycle can replay them into a freshly created player.
package buffer

import (
	"time"

	"github.com/zsiec/substrate/media"
)

// streamCache holds one stream's buffers plus a cursor marking how many of
// them have been written to the current player incarnation. Buffers before
// the cursor are retained for resume replay until pruned by media time.
type streamCache struct {
	buffers []*media.Buffer
	cursor  int
}

// Cache is a bounded FIFO of encoded buffers per stream type. It is mutated
// only on the controlling goroutine, so it carries no lock of its own.
type Cache struct {
	streams map[media.StreamType]*streamCache
}

// NewCache creates an empty cache covering both stream types.
func NewCache() *Cache {
	c := &Cache{streams: make(map[media.StreamType]*streamCache)}
	for _, t := range media.StreamTypes {
		c.streams[t] = &streamCache{}
	}
	return c
}

// AddBuffer appends a buffer to the tail of its stream's queue.
func (c *Cache) AddBuffer(t media.StreamType, b *media.Buffer) {
	sc := c.streams[t]
	sc.buffers = append(sc.buffers, b)
}

// GetBuffer returns the next unconsumed buffer for the stream without
// advancing past it, or nil if every retained buffer has been consumed.
func (c *Cache) GetBuffer(t media.StreamType) *media.Buffer {
	sc := c.streams[t]
	if sc.cursor >= len(sc.buffers) {
		return nil
	}
	return sc.buffers[sc.cursor]
}

// AdvanceToNextBuffer marks the current head buffer consumed. The buffer is
// retained for replay until pruned.
func (c *Cache) AdvanceToNextBuffer(t media.StreamType) {
	sc := c.streams[t]
	if sc.cursor < len(sc.buffers) {
		sc.cursor++
	}
}

// ClearSegmentsBeforeMediaTime drops retained buffers whose presentation end
// precedes t for both streams. Only consumed buffers are dropped, and a
// video prune never advances past the last keyframe at or before t, so a
// replay after suspension still starts on a decodable buffer.
func (c *Cache) ClearSegmentsBeforeMediaTime(t time.Duration) {
	for st, sc := range c.streams {
		limit := sc.cursor
		keep := 0
		for keep < limit {
			b := sc.buffers[keep]
			if b.EndOfStream() || b.EndTime() >= t {
				break
			}
			keep++
		}
		if st == media.Video {
			// Back up to the most recent keyframe so the retained prefix
			// remains independently decodable.
			for keep > 0 && keep < len(sc.buffers) && !sc.buffers[keep].EndOfStream() && !sc.buffers[keep].KeyFrame {
				keep--
			}
		}
		if keep > 0 {
			sc.buffers = sc.buffers[keep:]
			sc.cursor -= keep
		}
	}
}

// StartResuming resets both stream cursors to the queue heads so replay
// begins from the oldest retained buffer.
func (c *Cache) StartResuming() {
	for _, sc := range c.streams {
		sc.cursor = 0
	}
}

// ClearAll empties both queues. Used on seek, when previously buffered
// content no longer matches the playback position.
func (c *Cache) ClearAll() {
	for _, sc := range c.streams {
		sc.buffers = nil
		sc.cursor = 0
	}
}

// Len returns the number of retained buffers for the stream, consumed or not.
func (c *Cache) Len(t media.StreamType) int {
	return len(c.streams[t].buffers)
}
