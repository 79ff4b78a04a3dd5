package player

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/substrate/buffer"
	"github.com/zsiec/substrate/dispatch"
	"github.com/zsiec/substrate/media"
)

// defaultPruneInterval is how often consumed cache segments behind the
// playback position are released while resume replay is enabled.
const defaultPruneInterval = time.Second

// ErrCreateFailed is returned by New when the platform cannot produce a
// valid player handle.
var ErrCreateFailed = errors.New("player: platform player creation failed")

// State is the lifecycle state of the kernel-side player object, distinct
// from the platform Status it mediates.
type State int

// Lifecycle states. Initializing lasts only until the construction-time
// create resolves; Playing and Suspended alternate via Suspend/Resume, with
// Resuming in between while cached buffers replay into the new incarnation.
const (
	StateInitializing State = iota
	StatePlaying
	StateSuspended
	StateResuming
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePlaying:
		return "playing"
	case StateSuspended:
		return "suspended"
	case StateResuming:
		return "resuming"
	}
	return "unknown"
}

// inFlightSample is one registry entry: the buffer plus the number of
// outstanding platform writes of its data.
type inFlightSample struct {
	buf  *media.Buffer
	refs int
}

// Config assembles a Player's collaborators and tuning.
type Config struct {
	Platform Platform
	Host     Host
	Runner   *dispatch.Runner

	Audio     media.AudioConfig
	Video     media.VideoConfig
	DRMSystem string

	// ResumeReplay routes writes through the decoder buffer cache so a
	// suspend/resume cycle can replay them. Deployments that never suspend
	// can disable it and write straight through.
	ResumeReplay bool
	// PruneInterval overrides the periodic cache prune cadence. Zero means
	// the one-second default.
	PruneInterval time.Duration

	Logger *slog.Logger
}

// Player mediates every interaction with the platform player. All methods
// and callbacks execute on the controlling goroutine except GetInfo and
// SetBounds, which take the snapshot lock and are legal from any goroutine
// and in any state.
type Player struct {
	log      *slog.Logger
	runner   *dispatch.Runner
	platform Platform
	host     Host
	proxy    *dispatch.Proxy[Player]
	cache    *buffer.Cache

	resumeReplay  bool
	pruneInterval time.Duration

	audio media.AudioConfig
	video media.VideoConfig
	drm   string

	state        State
	handle       Handle
	ticket       int
	seekPending  bool
	playbackRate float64
	volume       float64
	preroll      time.Duration

	inFlight map[uint64]*inFlightSample

	// mu guards the suspended-info snapshot, bounds, and the creation-error
	// slot, the only state touched off the controlling goroutine.
	mu            sync.Mutex
	boundsValid   bool
	boundsZ       int
	bounds        media.Rect
	boundsLive    bool
	cachedInfo    media.PlayerInfo
	creating      bool
	creationError string

	pruneTimer *time.Timer
}

// New creates the platform player immediately. A platform that cannot
// produce a valid handle fails construction; that is the fatal exit from
// the Initializing state.
func New(cfg Config) (*Player, error) {
	if !cfg.Audio.Valid() && !cfg.Video.Valid() {
		return nil, fmt.Errorf("player: no valid stream config")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.PruneInterval
	if interval <= 0 {
		interval = defaultPruneInterval
	}

	p := &Player{
		log:           log.With("component", "player"),
		runner:        cfg.Runner,
		platform:      cfg.Platform,
		host:          cfg.Host,
		cache:         buffer.NewCache(),
		resumeReplay:  cfg.ResumeReplay,
		pruneInterval: interval,
		audio:         cfg.Audio,
		video:         cfg.Video,
		drm:           cfg.DRMSystem,
		state:         StateInitializing,
		volume:        1,
		inFlight:      make(map[uint64]*inFlightSample),
	}
	p.proxy = dispatch.NewProxy(cfg.Runner, p)

	if err := p.createPlayer(); err != nil {
		p.proxy.Detach()
		return nil, err
	}
	p.setState(StatePlaying)

	if p.resumeReplay {
		p.schedulePrune()
	}
	return p, nil
}

// State returns the current lifecycle state.
func (p *Player) State() State { return p.state }

// setState transitions the lifecycle state under the snapshot lock, since
// GetInfo and SetBounds consult the state from other goroutines.
func (p *Player) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Ticket returns the current ticket, for diagnostics.
func (p *Player) Ticket() int { return p.ticket }

// createPlayer asks the platform for a new player incarnation using the
// current configs and DRM association. A synchronous error callback raised
// while Create is on the stack is captured as the creation error message.
func (p *Player) createPlayer() error {
	p.mu.Lock()
	p.creating = true
	p.creationError = ""
	p.mu.Unlock()

	h, err := p.platform.Create(CreationParams{
		Audio:     p.audio,
		Video:     p.video,
		DRMSystem: p.drm,
		Callbacks: p.platformCallbacks(),
	})

	p.mu.Lock()
	p.creating = false
	creationError := p.creationError
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	if h == InvalidHandle {
		if creationError != "" {
			return fmt.Errorf("%w: %s", ErrCreateFailed, creationError)
		}
		return ErrCreateFailed
	}

	p.handle = h
	p.mu.Lock()
	p.boundsLive = true
	p.updateBoundsLocked()
	p.mu.Unlock()
	p.log.Info("platform player created", "handle", int64(h))
	return nil
}

// platformCallbacks adapts the platform's callback surface onto the proxy,
// which marshals each reply to the controlling goroutine and drops it if
// the player has been torn down in the meantime.
func (p *Player) platformCallbacks() Callbacks {
	proxy := p.proxy
	return Callbacks{
		DecoderStatus: func(h Handle, t media.StreamType, state DecoderState, ticket int) {
			proxy.Dispatch(func(pl *Player) { pl.onDecoderStatus(h, t, state, ticket) })
		},
		PlayerStatus: func(h Handle, status Status, ticket int) {
			proxy.Dispatch(func(pl *Player) { pl.onPlayerStatus(h, status, ticket) })
		},
		PlayerError: func(h Handle, code ErrorCode, message string) {
			if h == InvalidHandle && p.tryStoreCreationError(message) {
				return
			}
			proxy.Dispatch(func(pl *Player) { pl.onPlayerError(h, code, message) })
		},
		DeallocateSample: func(bufferID uint64) {
			proxy.Dispatch(func(pl *Player) { pl.onDeallocateSample(bufferID) })
		},
	}
}

// tryStoreCreationError records an error raised while Create is still on
// the stack, so construction can fail synchronously instead of surfacing a
// dangling async error.
func (p *Player) tryStoreCreationError(message string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.creating {
		return false
	}
	p.creationError = message
	return true
}

// WriteBuffer accepts one demuxed buffer for the stream. With resume replay
// enabled the buffer is cached first and forwarded only while not
// suspended; otherwise it goes straight to the platform.
func (p *Player) WriteBuffer(t media.StreamType, b *media.Buffer) {
	if p.resumeReplay {
		p.cache.AddBuffer(t, b)
		if p.state != StateSuspended {
			p.writeNextFromCache(t)
		}
		return
	}
	p.writeInternal(t, b)
}

// writeNextFromCache forwards the cache's next unconsumed buffer for the
// stream, if any.
func (p *Player) writeNextFromCache(t media.StreamType) {
	b := p.cache.GetBuffer(t)
	if b == nil {
		return
	}
	p.cache.AdvanceToNextBuffer(t)
	p.writeInternal(t, b)
}

// writeInternal registers the buffer in the in-flight sample registry and
// issues the platform write. End-of-stream markers bypass the registry.
func (p *Player) writeInternal(t media.StreamType, b *media.Buffer) {
	if p.handle == InvalidHandle {
		return
	}
	if b.EndOfStream() {
		p.platform.WriteEndOfStream(p.handle, t)
		return
	}

	if entry, ok := p.inFlight[b.ID()]; ok {
		entry.refs++
	} else {
		p.inFlight[b.ID()] = &inFlightSample{buf: b, refs: 1}
	}

	sample := media.Sample{
		Type:      t,
		BufferID:  b.ID(),
		Data:      b.Data,
		Timestamp: b.PTS,
		KeyFrame:  b.KeyFrame,
	}
	if t == media.Audio {
		sample.Audio = p.audio
	} else {
		sample.Video = p.video
	}
	p.platform.WriteSample(p.handle, sample)
}

// PrepareForSeek halts playback ahead of a seek and invalidates in-flight
// replies. Playback-rate changes are suppressed until the seek is issued.
func (p *Player) PrepareForSeek() {
	p.seekPending = true
	if p.state == StateSuspended {
		return
	}
	p.ticket++
	p.platform.SetPlaybackRate(p.handle, 0)
}

// Seek repositions playback. Cached buffers are cleared since they precede
// the seek target. While suspended only the preroll timestamp is recorded;
// a seek during resume aborts the resume, because fresh writes will come
// from the seek target.
func (p *Player) Seek(t time.Duration) {
	p.cache.ClearAll()
	p.seekPending = false

	if p.state == StateSuspended {
		p.mu.Lock()
		p.preroll = t
		p.mu.Unlock()
		return
	}
	if p.state == StateResuming {
		p.setState(StatePlaying)
	}

	p.ticket++
	p.preroll = t
	p.platform.Seek(p.handle, t, p.ticket)
	p.platform.SetPlaybackRate(p.handle, p.playbackRate)
}

// SetVolume records the volume and forwards it unless suspended.
func (p *Player) SetVolume(volume float64) {
	p.volume = volume
	if p.state == StateSuspended {
		return
	}
	p.platform.SetVolume(p.handle, volume)
}

// SetPlaybackRate records the rate and forwards it unless suspended or a
// seek is pending.
func (p *Player) SetPlaybackRate(rate float64) {
	p.playbackRate = rate
	if p.state == StateSuspended {
		return
	}
	if p.seekPending {
		return
	}
	p.platform.SetPlaybackRate(p.handle, rate)
}

// SetBounds records the display bounds and forwards them unless suspended.
// Legal from any goroutine.
func (p *Player) SetBounds(z int, bounds media.Rect) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.boundsValid = true
	p.boundsZ = z
	p.bounds = bounds

	if p.state == StateSuspended {
		return
	}
	p.updateBoundsLocked()
}

func (p *Player) updateBoundsLocked() {
	if !p.boundsValid || !p.boundsLive || p.handle == InvalidHandle {
		return
	}
	p.platform.SetBounds(p.handle, p.boundsZ, p.bounds)
}

// GetInfo returns playback progress. While suspended it serves the snapshot
// taken at suspension time. Legal from any goroutine.
func (p *Player) GetInfo() media.PlayerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getInfoLocked()
}

func (p *Player) getInfoLocked() media.PlayerInfo {
	if p.state == StateSuspended || p.handle == InvalidHandle {
		info := p.cachedInfo
		info.MediaTime = p.preroll
		return info
	}
	return p.platform.GetInfo(p.handle)
}

// UpdateAudioConfig replaces the audio configuration used for future
// samples and player recreation.
func (p *Player) UpdateAudioConfig(cfg media.AudioConfig) {
	p.log.Info("audio config updated", "codec", cfg.Codec,
		"sample_rate", cfg.SampleRate, "channels", cfg.Channels)
	p.audio = cfg
}

// UpdateVideoConfig replaces the video configuration used for future
// samples and player recreation.
func (p *Player) UpdateVideoConfig(cfg media.VideoConfig) {
	p.log.Info("video config updated", "codec", cfg.Codec,
		"width", cfg.Width, "height", cfg.Height)
	p.video = cfg
}

// Suspend destroys the platform player after snapshotting the state needed
// to answer queries while suspended. No-op if already suspended.
func (p *Player) Suspend() {
	if p.state == StateSuspended {
		return
	}

	p.platform.SetPlaybackRate(p.handle, 0)

	p.mu.Lock()
	p.boundsLive = false
	info := p.getInfoLocked()
	p.cachedInfo = info
	p.preroll = info.MediaTime
	p.state = StateSuspended
	p.mu.Unlock()

	p.platform.Destroy(p.handle)
	p.handle = InvalidHandle
	p.log.Info("suspended", "media_time", info.MediaTime)
}

// Resume recreates the platform player with unchanged configuration and
// enters Resuming: cached buffers replay through the decoder need-data
// path until both stream caches drain. No-op unless suspended.
func (p *Player) Resume() {
	if p.state != StateSuspended {
		return
	}

	p.cache.StartResuming()

	if err := p.createPlayer(); err != nil {
		p.log.Error("resume failed", "error", err)
		p.host.OnPlayerError(ErrorDecode, err.Error())
		return
	}

	p.mu.Lock()
	p.state = StateResuming
	p.updateBoundsLocked()
	p.mu.Unlock()
	p.log.Info("resuming", "audio_cached", p.cache.Len(media.Audio),
		"video_cached", p.cache.Len(media.Video))
}

// Destroy detaches the callback proxy and tears down the platform player.
// Callbacks already in flight on other goroutines become no-ops.
func (p *Player) Destroy() {
	p.proxy.Detach()
	if p.pruneTimer != nil {
		p.pruneTimer.Stop()
	}
	p.mu.Lock()
	p.boundsLive = false
	p.mu.Unlock()
	if p.handle != InvalidHandle {
		p.platform.Destroy(p.handle)
		p.handle = InvalidHandle
	}
}

// schedulePrune arranges the recurring release of consumed cache segments
// behind the playback position. The task is routed through the proxy so it
// dies with the player.
func (p *Player) schedulePrune() {
	p.pruneTimer = time.AfterFunc(p.pruneInterval, func() {
		p.proxy.Dispatch(func(pl *Player) { pl.pruneCache() })
	})
}

// pruneCache drops consumed cached segments behind the current media time.
// Skipped while resuming, when the retained buffers are exactly what is
// being replayed.
func (p *Player) pruneCache() {
	if p.state != StateResuming {
		p.cache.ClearSegmentsBeforeMediaTime(p.GetInfo().MediaTime)
	}
	p.schedulePrune()
}

// staleReply reports whether an async reply belongs to a previous player
// incarnation or a superseded seek.
func (p *Player) staleReply(h Handle, ticket int) bool {
	return h != p.handle || ticket != p.ticket
}

// onDecoderStatus handles a marshaled decoder report. During resume, a
// needs-data report drains one cached buffer for the stream; once both
// caches are empty the player returns to Playing and the report flows
// upward as a normal data request.
func (p *Player) onDecoderStatus(h Handle, t media.StreamType, state DecoderState, ticket int) {
	if p.staleReply(h, ticket) {
		p.log.Debug("dropping stale decoder status", "ticket", ticket, "current", p.ticket)
		return
	}
	if state != DecoderNeedsData {
		return
	}

	if p.state == StateResuming {
		if p.cache.GetBuffer(t) != nil {
			p.writeNextFromCache(t)
			return
		}
		if p.cache.GetBuffer(media.Audio) == nil && p.cache.GetBuffer(media.Video) == nil {
			p.setState(StatePlaying)
			p.log.Info("resume replay complete")
		}
	}

	p.host.OnNeedData(t)
}

// onPlayerStatus handles a marshaled status report. The initialized status
// triggers the deferred seek to the preroll timestamp and re-applies volume
// and playback rate; it is not forwarded upward.
func (p *Player) onPlayerStatus(h Handle, status Status, ticket int) {
	if h != p.handle {
		return
	}
	if ticket != initialTicket && ticket != p.ticket {
		p.log.Debug("dropping stale player status", "status", status, "ticket", ticket)
		return
	}

	if status == StatusInitialized {
		if p.ticket == initialTicket {
			p.ticket++
		}
		p.platform.Seek(p.handle, p.preroll, p.ticket)
		p.platform.SetVolume(p.handle, p.volume)
		if !p.seekPending {
			p.platform.SetPlaybackRate(p.handle, p.playbackRate)
		}
		return
	}

	p.host.OnPlayerStatus(status)
}

// onPlayerError forwards platform errors to the host. Only the handle is
// checked: errors from the current incarnation always surface.
func (p *Player) onPlayerError(h Handle, code ErrorCode, message string) {
	if h != p.handle {
		return
	}
	p.host.OnPlayerError(code, message)
}

// onDeallocateSample releases one outstanding platform reference to a
// buffer, erasing the registry entry when the count reaches zero. An
// unknown identity indicates an internal inconsistency; it is logged and
// otherwise ignored.
func (p *Player) onDeallocateSample(bufferID uint64) {
	entry, ok := p.inFlight[bufferID]
	if !ok {
		p.log.Error("deallocate for unknown buffer", "buffer_id", bufferID)
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(p.inFlight, bufferID)
	}
}

// InFlightSamples returns the number of distinct buffers currently held by
// the platform, for diagnostics and tests.
func (p *Player) InFlightSamples() int {
	return len(p.inFlight)
}
