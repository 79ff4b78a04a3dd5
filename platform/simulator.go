// Package platform provides a simulated hardware player. It consumes
// written samples on its own goroutine at playback rate, issues
// need-data, status, and deallocation callbacks the way a real platform
// layer would, and honors the ticket protocol on seeks. The demo binary
// and the integration tests run against it.
package platform

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/substrate/media"
	"github.com/zsiec/substrate/player"
)

// Tuning for the simulated decode loop.
const (
	// tickInterval is the simulated decode clock.
	tickInterval = 5 * time.Millisecond
	// queueLowWater is the per-stream queue depth below which the
	// simulator requests more data.
	queueLowWater = 4
	// prerollCount is how many samples per present stream must arrive
	// before the simulator reports presenting.
	prerollCount = 3
)

// Simulator implements player.Platform. One Simulator can serve a sequence
// of player incarnations, each with a distinct handle.
type Simulator struct {
	log *slog.Logger

	mu         sync.Mutex
	nextHandle int64
	players    map[player.Handle]*simPlayer
}

// NewSimulator creates a Simulator. If log is nil, slog.Default() is used.
func NewSimulator(log *slog.Logger) *Simulator {
	if log == nil {
		log = slog.Default()
	}
	return &Simulator{
		log:     log.With("component", "sim-platform"),
		players: make(map[player.Handle]*simPlayer),
	}
}

type simStream struct {
	queue []media.Sample
	eos   bool
	fed   int
}

type simPlayer struct {
	sim *Simulator
	h   player.Handle
	cb  player.Callbacks

	mu         sync.Mutex
	ticket     int
	mediaTime  time.Duration
	rate       float64
	volume     float64
	decoded    int
	dropped    int
	streams    map[media.StreamType]*simStream
	hasAudio   bool
	hasVideo   bool
	presenting bool
	eosSent    bool

	stop chan struct{}
	done chan struct{}
}

// Create builds a new simulated player and starts its decode goroutine.
func (s *Simulator) Create(params player.CreationParams) (player.Handle, error) {
	s.mu.Lock()
	s.nextHandle++
	h := player.Handle(s.nextHandle)
	sp := &simPlayer{
		sim:      s,
		h:        h,
		cb:       params.Callbacks,
		volume:   1,
		hasAudio: params.Audio.Valid(),
		hasVideo: params.Video.Valid(),
		streams: map[media.StreamType]*simStream{
			media.Audio: {},
			media.Video: {},
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.players[h] = sp
	s.mu.Unlock()

	s.log.Info("player created", "handle", int64(h))
	go sp.run()
	return h, nil
}

// Destroy stops the player's decode goroutine and forgets the handle.
// Callbacks already in flight may still arrive after Destroy returns; the
// kernel's handle check discards them.
func (s *Simulator) Destroy(h player.Handle) {
	s.mu.Lock()
	sp, ok := s.players[h]
	if ok {
		delete(s.players, h)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	close(sp.stop)
	<-sp.done
	s.log.Info("player destroyed", "handle", int64(h))
}

func (s *Simulator) lookup(h player.Handle) *simPlayer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players[h]
}

// Seek repositions the simulated clock and adopts the new ticket. Queued
// samples from before the seek are dropped and their deallocations
// reported.
func (s *Simulator) Seek(h player.Handle, t time.Duration, ticket int) {
	sp := s.lookup(h)
	if sp == nil {
		return
	}
	var dropped []uint64
	sp.mu.Lock()
	sp.ticket = ticket
	sp.mediaTime = t
	for _, st := range sp.streams {
		for _, sample := range st.queue {
			dropped = append(dropped, sample.BufferID)
		}
		st.queue = nil
		st.fed = 0
	}
	sp.presenting = false
	sp.eosSent = false
	sp.mu.Unlock()

	for _, id := range dropped {
		sp.cb.DeallocateSample(id)
	}
	sp.cb.PlayerStatus(h, player.StatusPrerolling, ticket)
	sp.requestData()
}

// SetPlaybackRate adjusts the simulated clock speed.
func (s *Simulator) SetPlaybackRate(h player.Handle, rate float64) {
	if sp := s.lookup(h); sp != nil {
		sp.mu.Lock()
		sp.rate = rate
		sp.mu.Unlock()
	}
}

// SetVolume records the volume.
func (s *Simulator) SetVolume(h player.Handle, volume float64) {
	if sp := s.lookup(h); sp != nil {
		sp.mu.Lock()
		sp.volume = volume
		sp.mu.Unlock()
	}
}

// SetBounds accepts the rectangle; the simulator renders nothing.
func (s *Simulator) SetBounds(h player.Handle, z int, bounds media.Rect) {
	s.log.Debug("bounds", "handle", int64(h), "z", z,
		"w", bounds.Width, "h", bounds.Height)
}

// WriteSample queues a sample for simulated decode.
func (s *Simulator) WriteSample(h player.Handle, sample media.Sample) {
	sp := s.lookup(h)
	if sp == nil {
		return
	}
	sp.mu.Lock()
	st := sp.streams[sample.Type]
	st.queue = append(st.queue, sample)
	st.fed++
	sp.mu.Unlock()
}

// WriteEndOfStream marks the stream complete.
func (s *Simulator) WriteEndOfStream(h player.Handle, t media.StreamType) {
	sp := s.lookup(h)
	if sp == nil {
		return
	}
	sp.mu.Lock()
	sp.streams[t].eos = true
	sp.mu.Unlock()
}

// GetInfo reports the simulated clock and frame counters.
func (s *Simulator) GetInfo(h player.Handle) media.PlayerInfo {
	sp := s.lookup(h)
	if sp == nil {
		return media.PlayerInfo{}
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return media.PlayerInfo{
		MediaTime:          sp.mediaTime,
		VideoFramesDecoded: sp.decoded,
		VideoFramesDropped: sp.dropped,
	}
}

// run is the simulated decode loop: report initialized, then consume
// queued samples as the clock passes their timestamps, requesting data
// whenever a queue runs low.
func (sp *simPlayer) run() {
	defer close(sp.done)

	sp.cb.PlayerStatus(sp.h, player.StatusInitialized, sp.currentTicket())

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sp.stop:
			return
		case <-ticker.C:
			sp.tick()
		}
	}
}

func (sp *simPlayer) currentTicket() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.ticket
}

// tick advances the clock and consumes due samples, collecting callbacks
// to fire outside the lock.
func (sp *simPlayer) tick() {
	var deallocs []uint64
	var needData []media.StreamType
	var announce []player.Status

	sp.mu.Lock()
	ticket := sp.ticket
	sp.mediaTime += time.Duration(float64(tickInterval) * sp.rate)

	ready := 0
	present := 0
	allEOS := true
	for t, st := range sp.streams {
		if !sp.streamPresent(t) {
			continue
		}
		present++
		if st.fed >= prerollCount || st.eos {
			ready++
		}
		for len(st.queue) > 0 && st.queue[0].Timestamp <= sp.mediaTime {
			sample := st.queue[0]
			st.queue = st.queue[1:]
			deallocs = append(deallocs, sample.BufferID)
			if t == media.Video {
				sp.decoded++
			}
		}
		if !st.eos && len(st.queue) < queueLowWater {
			needData = append(needData, t)
		}
		if !st.eos || len(st.queue) > 0 {
			allEOS = false
		}
	}

	if !sp.presenting && present > 0 && ready == present {
		sp.presenting = true
		announce = append(announce, player.StatusPresenting)
	}
	if sp.presenting && allEOS && !sp.eosSent {
		sp.eosSent = true
		announce = append(announce, player.StatusEndOfStream)
	}
	sp.mu.Unlock()

	for _, id := range deallocs {
		sp.cb.DeallocateSample(id)
	}
	for _, status := range announce {
		sp.cb.PlayerStatus(sp.h, status, ticket)
	}
	for _, t := range needData {
		sp.cb.DecoderStatus(sp.h, t, player.DecoderNeedsData, ticket)
	}
}

func (sp *simPlayer) streamPresent(t media.StreamType) bool {
	if t == media.Audio {
		return sp.hasAudio
	}
	return sp.hasVideo
}

// requestData issues an immediate need-data report for each present
// stream, used right after a seek so the pipeline starts feeding without
// waiting for a decode tick.
func (sp *simPlayer) requestData() {
	sp.mu.Lock()
	ticket := sp.ticket
	var types []media.StreamType
	for _, t := range media.StreamTypes {
		if sp.streamPresent(t) {
			types = append(types, t)
		}
	}
	sp.mu.Unlock()
	for _, t := range types {
		sp.cb.DecoderStatus(sp.h, t, player.DecoderNeedsData, ticket)
	}
}
