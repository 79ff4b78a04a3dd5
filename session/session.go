// Package session wires the kernel together for one media element: it owns
// the source-buffer controllers and the player, implements the host
// surfaces both report into, and feeds demuxed frames to the player when
// the decoder asks for data.
package session

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/zsiec/substrate/demux"
	"github.com/zsiec/substrate/dispatch"
	"github.com/zsiec/substrate/media"
	"github.com/zsiec/substrate/player"
	"github.com/zsiec/substrate/source"
)

// Config assembles a session's collaborators and tuning.
type Config struct {
	Runner   *dispatch.Runner
	Platform player.Platform
	Demuxer  *demux.Demuxer

	Audio media.AudioConfig
	Video media.VideoConfig

	ResumeReplay    bool
	EvictExtraBytes int64
	MaxAppendChunk  int

	// Duration is the media duration in seconds; NaN until known.
	Duration float64

	// OnEvent observes source-buffer lifecycle events, on the controlling
	// goroutine. Optional.
	OnEvent func(id string, event source.Event)

	Logger *slog.Logger
}

// Session is the element-side owner of one playback. All methods must be
// called on the controlling goroutine unless noted; Post-prefixed helpers
// marshal from other goroutines.
type Session struct {
	log     *slog.Logger
	runner  *dispatch.Runner
	demuxer *demux.Demuxer
	player  *player.Player

	buffers map[string]*source.Buffer
	tracks  map[media.StreamType]string

	// needData records decoder data requests that arrived while the
	// demuxer had nothing buffered; satisfied as soon as an append lands.
	needData map[media.StreamType]bool

	// appendQueue holds posted appends waiting for the endpoint's current
	// operation to finish, since only one may be in flight at a time.
	appendQueue map[string][][]byte

	evictExtra int64
	maxChunk   int

	duration float64
	ended    bool
	errored  bool

	onEvent func(id string, event source.Event)

	lastStatus player.Status
}

// New creates a session and its platform player.
func New(cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		log:         log.With("component", "session"),
		runner:      cfg.Runner,
		demuxer:     cfg.Demuxer,
		buffers:     make(map[string]*source.Buffer),
		tracks:      make(map[media.StreamType]string),
		needData:    make(map[media.StreamType]bool),
		appendQueue: make(map[string][][]byte),
		evictExtra:  cfg.EvictExtraBytes,
		maxChunk:    cfg.MaxAppendChunk,
		duration:    cfg.Duration,
		onEvent:     cfg.OnEvent,
	}

	p, err := player.New(player.Config{
		Platform:     cfg.Platform,
		Host:         s,
		Runner:       cfg.Runner,
		Audio:        cfg.Audio,
		Video:        cfg.Video,
		ResumeReplay: cfg.ResumeReplay,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.player = p
	return s, nil
}

// Player exposes the lifecycle engine for direct control (seek, suspend).
func (s *Session) Player() *player.Player { return s.player }

// AddTrack registers an endpoint with the demuxer and creates its
// source-buffer controller.
func (s *Session) AddTrack(id string, t media.StreamType) (*source.Buffer, error) {
	if _, ok := s.buffers[id]; ok {
		return nil, fmt.Errorf("session: track %q already exists", id)
	}
	if err := s.demuxer.AddID(id); err != nil {
		return nil, err
	}
	b := source.New(id, s.runner, s.demuxer, s, source.Options{
		EvictExtraBytes: s.evictExtra,
		MaxAppendChunk:  s.maxChunk,
		Logger:          s.log,
	})
	s.buffers[id] = b
	s.tracks[t] = id
	s.log.Info("track added", "id", id, "type", t)
	return b, nil
}

// Buffer returns the controller for a track id.
func (s *Session) Buffer(id string) (*source.Buffer, bool) {
	b, ok := s.buffers[id]
	return b, ok
}

// RemoveTrack detaches a track's controller and endpoint.
func (s *Session) RemoveTrack(id string) {
	b, ok := s.buffers[id]
	if !ok {
		return
	}
	b.Detach()
	delete(s.buffers, id)
	delete(s.appendQueue, id)
	for t, trackID := range s.tracks {
		if trackID == id {
			delete(s.tracks, t)
		}
	}
}

// PostAppend marshals an append from another goroutine (e.g. the ingest
// layer) onto the controlling goroutine. The data is copied before posting,
// and queued behind any operation already in flight on the endpoint.
func (s *Session) PostAppend(id string, data []byte) {
	owned := append([]byte(nil), data...)
	s.runner.Post(func() {
		if _, ok := s.buffers[id]; !ok {
			s.log.Warn("append for unknown track", "id", id)
			return
		}
		s.appendQueue[id] = append(s.appendQueue[id], owned)
		s.tryAppend(id)
	})
}

// tryAppend starts the next queued append for the endpoint if no operation
// is in flight.
func (s *Session) tryAppend(id string) {
	b, ok := s.buffers[id]
	if !ok || b.Updating() {
		return
	}
	queue := s.appendQueue[id]
	if len(queue) == 0 {
		return
	}
	s.appendQueue[id] = queue[1:]
	if err := b.AppendBuffer(queue[0]); err != nil {
		s.log.Warn("append rejected", "id", id, "error", err)
	}
}

// Seek repositions playback to seconds, repositioning every track's read
// cursor to match.
func (s *Session) Seek(seconds float64) {
	t := media.SecondsToTime(seconds)
	s.player.PrepareForSeek()
	for _, id := range s.tracks {
		s.demuxer.SeekTo(id, t)
	}
	for t := range s.needData {
		s.needData[t] = false
	}
	s.player.Seek(t)
}

// Suspend suspends the player.
func (s *Session) Suspend() { s.player.Suspend() }

// Resume resumes the player.
func (s *Session) Resume() { s.player.Resume() }

// SetDuration updates the media duration in seconds.
func (s *Session) SetDuration(seconds float64) { s.duration = seconds }

// EndOfStream marks every track complete toward the player.
func (s *Session) EndOfStream() {
	s.ended = true
	for t := range s.tracks {
		s.player.WriteBuffer(t, media.NewEndOfStreamBuffer(t))
	}
}

// Errored reports whether playback has failed fatally.
func (s *Session) Errored() bool { return s.errored }

// LastStatus returns the most recent platform player status.
func (s *Session) LastStatus() player.Status { return s.lastStatus }

// ScheduleEvent implements source.Host: lifecycle events are logged,
// surfaced to the observer, and completed operations unblock any decoder
// data requests that were waiting on buffered frames.
func (s *Session) ScheduleEvent(id string, event source.Event) {
	s.log.Debug("source event", "id", id, "event", event)
	if s.onEvent != nil {
		s.onEvent(id, event)
	}
	if event == source.EventUpdateEnd {
		s.feedPending()
		s.tryAppend(id)
	}
}

// CurrentTime implements source.Host, anchoring eviction at the playback
// position.
func (s *Session) CurrentTime() float64 {
	return s.player.GetInfo().MediaTime.Seconds()
}

// Duration implements source.Host.
func (s *Session) Duration() float64 { return s.duration }

// InErrorState implements source.Host.
func (s *Session) InErrorState() bool { return s.errored }

// IsOpen implements source.Host.
func (s *Session) IsOpen() bool { return !s.ended }

// OpenIfEnded implements source.Host.
func (s *Session) OpenIfEnded() { s.ended = false }

// OnDecodeError implements source.Host: a demuxer parse failure ends the
// stream with a decode error, fatal to this playback.
func (s *Session) OnDecodeError() {
	if s.errored {
		return
	}
	s.errored = true
	s.log.Error("decode error, ending stream")
	for t := range s.tracks {
		s.player.WriteBuffer(t, media.NewEndOfStreamBuffer(t))
	}
}

// OnNeedData implements player.Host: hand the decoder the next buffered
// frame, or remember the request until an append provides one.
func (s *Session) OnNeedData(t media.StreamType) {
	id, ok := s.tracks[t]
	if !ok {
		return
	}
	b, ok := s.demuxer.ReadBuffer(id)
	if !ok {
		s.needData[t] = true
		return
	}
	s.player.WriteBuffer(t, b)
}

// feedPending satisfies decoder requests that arrived before data did.
func (s *Session) feedPending() {
	for t, waiting := range s.needData {
		if !waiting {
			continue
		}
		id, ok := s.tracks[t]
		if !ok {
			continue
		}
		if b, ok := s.demuxer.ReadBuffer(id); ok {
			s.needData[t] = false
			s.player.WriteBuffer(t, b)
		}
	}
}

// OnPlayerStatus implements player.Host.
func (s *Session) OnPlayerStatus(status player.Status) {
	s.lastStatus = status
	s.log.Info("player status", "status", status)
}

// OnPlayerError implements player.Host.
func (s *Session) OnPlayerError(code player.ErrorCode, message string) {
	s.errored = true
	s.log.Error("player error", "code", int(code), "message", message)
}

// Close tears the session down: detach every track, then destroy the
// player.
func (s *Session) Close() {
	for id := range s.buffers {
		s.RemoveTrack(id)
	}
	s.player.Destroy()
}

// ValidDuration reports whether a duration has been established.
func (s *Session) ValidDuration() bool { return !math.IsNaN(s.duration) }
