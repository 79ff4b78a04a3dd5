package player

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/substrate/dispatch"
	"github.com/zsiec/substrate/media"
)

type seekCall struct {
	h      Handle
	t      time.Duration
	ticket int
}

// fakePlatform hands out sequential handles and records every call, letting
// tests fire callbacks as the native layer would.
type fakePlatform struct {
	nextHandle Handle
	callbacks  map[Handle]Callbacks
	destroyed  []Handle

	// failCreate makes Create raise a synchronous error callback and
	// return an invalid handle.
	failCreate bool

	seeks   []seekCall
	rates   []float64
	volumes []float64
	bounds  []media.Rect
	samples []media.Sample
	eos     []media.StreamType
	info    media.PlayerInfo
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{callbacks: make(map[Handle]Callbacks)}
}

func (f *fakePlatform) Create(params CreationParams) (Handle, error) {
	if f.failCreate {
		params.Callbacks.PlayerError(InvalidHandle, ErrorDecode, "no decoder available")
		return InvalidHandle, nil
	}
	f.nextHandle++
	f.callbacks[f.nextHandle] = params.Callbacks
	return f.nextHandle, nil
}

func (f *fakePlatform) Destroy(h Handle) { f.destroyed = append(f.destroyed, h) }

func (f *fakePlatform) Seek(h Handle, t time.Duration, ticket int) {
	f.seeks = append(f.seeks, seekCall{h, t, ticket})
}

func (f *fakePlatform) SetPlaybackRate(h Handle, rate float64) { f.rates = append(f.rates, rate) }

func (f *fakePlatform) SetVolume(h Handle, volume float64) { f.volumes = append(f.volumes, volume) }

func (f *fakePlatform) SetBounds(h Handle, z int, bounds media.Rect) {
	f.bounds = append(f.bounds, bounds)
}

func (f *fakePlatform) WriteSample(h Handle, sample media.Sample) {
	f.samples = append(f.samples, sample)
}

func (f *fakePlatform) WriteEndOfStream(h Handle, t media.StreamType) { f.eos = append(f.eos, t) }

func (f *fakePlatform) GetInfo(h Handle) media.PlayerInfo { return f.info }

type fakeHost struct {
	needData []media.StreamType
	statuses []Status
	errors   []string
}

func (h *fakeHost) OnNeedData(t media.StreamType) { h.needData = append(h.needData, t) }
func (h *fakeHost) OnPlayerStatus(status Status) { h.statuses = append(h.statuses, status) }
func (h *fakeHost) OnPlayerError(code ErrorCode, message string) {
	h.errors = append(h.errors, message)
}

func testConfigs() (media.AudioConfig, media.VideoConfig) {
	return media.AudioConfig{Codec: "aac", SampleRate: 48000, Channels: 2},
		media.VideoConfig{Codec: "h264", Width: 1280, Height: 720}
}

type fixture struct {
	runner   *dispatch.Runner
	platform *fakePlatform
	host     *fakeHost
	player   *Player
}

func newFixture(t *testing.T, resumeReplay bool) *fixture {
	t.Helper()
	f := &fixture{
		runner:   dispatch.NewRunner(nil),
		platform: newFakePlatform(),
		host:     &fakeHost{},
	}
	audio, video := testConfigs()
	p, err := New(Config{
		Platform:      f.platform,
		Host:          f.host,
		Runner:        f.runner,
		Audio:         audio,
		Video:         video,
		ResumeReplay:  resumeReplay,
		PruneInterval: time.Hour, // manual pruning in tests
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.player = p
	return f
}

// initialize fires the platform's initialized status and flushes it through
// the runner, completing startup the way the native layer does.
func (f *fixture) initialize(t *testing.T) {
	t.Helper()
	h := f.player.handle
	f.platform.callbacks[h].PlayerStatus(h, StatusInitialized, initialTicket)
	f.runner.Drain()
}

func videoBuffer(pts time.Duration, keyFrame bool) *media.Buffer {
	return media.NewBuffer(media.Video, pts, 10*time.Millisecond, keyFrame, []byte{0xAA})
}

func TestNewRequiresValidConfig(t *testing.T) {
	t.Parallel()
	_, err := New(Config{
		Platform: newFakePlatform(),
		Host:     &fakeHost{},
		Runner:   dispatch.NewRunner(nil),
	})
	if err == nil {
		t.Fatal("New with no stream configs succeeded, want error")
	}
}

func TestNewCreationFailureCapturesMessage(t *testing.T) {
	t.Parallel()
	fp := newFakePlatform()
	fp.failCreate = true
	audio, video := testConfigs()

	_, err := New(Config{
		Platform: fp,
		Host:     &fakeHost{},
		Runner:   dispatch.NewRunner(nil),
		Audio:    audio,
		Video:    video,
	})
	if !errors.Is(err, ErrCreateFailed) {
		t.Fatalf("New = %v, want ErrCreateFailed", err)
	}
	if want := "no decoder available"; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not carry the platform message %q", err, want)
	}
}

func TestInitializedStatusTriggersPrerollSeek(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.initialize(t)

	if got := len(f.platform.seeks); got != 1 {
		t.Fatalf("Seek called %d times, want 1", got)
	}
	s := f.platform.seeks[0]
	if s.t != 0 || s.ticket != 1 {
		t.Errorf("Seek(%v, ticket=%d), want preroll 0 with ticket 1", s.t, s.ticket)
	}
	if f.player.Ticket() != 1 {
		t.Errorf("Ticket = %d after initialized, want 1", f.player.Ticket())
	}
	// The initialized status is consumed internally, never forwarded.
	if len(f.host.statuses) != 0 {
		t.Errorf("forwarded statuses = %v, want none", f.host.statuses)
	}
}

func TestPlayerStatusForwarded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.initialize(t)

	h := f.player.handle
	f.platform.callbacks[h].PlayerStatus(h, StatusPresenting, f.player.Ticket())
	f.runner.Drain()

	if len(f.host.statuses) != 1 || f.host.statuses[0] != StatusPresenting {
		t.Errorf("statuses = %v, want [presenting]", f.host.statuses)
	}
}

func TestStaleTicketStatusDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.initialize(t)
	f.player.Seek(5 * time.Second) // ticket is now 2

	h := f.player.handle
	f.platform.callbacks[h].PlayerStatus(h, StatusPresenting, 1)
	f.runner.Drain()
	if len(f.host.statuses) != 0 {
		t.Errorf("statuses = %v, want none for superseded ticket", f.host.statuses)
	}

	// The initial ticket is always accepted: a freshly created player
	// reports with it before any seek is issued.
	f.platform.callbacks[h].PlayerStatus(h, StatusPrerolling, initialTicket)
	f.runner.Drain()
	if len(f.host.statuses) != 1 {
		t.Errorf("statuses = %v, want initial-ticket status accepted", f.host.statuses)
	}
}

func TestStaleDecoderStatusDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.initialize(t)

	h := f.player.handle
	f.platform.callbacks[h].DecoderStatus(h, media.Audio, DecoderNeedsData, 0)
	f.runner.Drain()
	if len(f.host.needData) != 0 {
		t.Errorf("needData = %v, want none for stale ticket", f.host.needData)
	}

	f.platform.callbacks[h].DecoderStatus(h, media.Audio, DecoderNeedsData, f.player.Ticket())
	f.runner.Drain()
	if len(f.host.needData) != 1 || f.host.needData[0] != media.Audio {
		t.Errorf("needData = %v, want [audio]", f.host.needData)
	}
}

func TestOldHandleCallbacksDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.initialize(t)
	oldHandle := f.player.handle
	oldCallbacks := f.platform.callbacks[oldHandle]

	f.player.Suspend()
	f.player.Resume()

	oldCallbacks.PlayerStatus(oldHandle, StatusPresenting, initialTicket)
	oldCallbacks.PlayerError(oldHandle, ErrorDecode, "late failure")
	f.runner.Drain()

	if len(f.host.statuses) != 0 {
		t.Errorf("statuses = %v, want none from destroyed incarnation", f.host.statuses)
	}
	if len(f.host.errors) != 0 {
		t.Errorf("errors = %v, want none from destroyed incarnation", f.host.errors)
	}
}

func TestWriteBufferRegistryRefCounting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.initialize(t)

	b := videoBuffer(0, true)
	f.player.WriteBuffer(media.Video, b)
	f.player.WriteBuffer(media.Video, b) // same buffer written twice

	if got := f.player.InFlightSamples(); got != 1 {
		t.Fatalf("InFlightSamples = %d, want 1 (one identity, two refs)", got)
	}

	h := f.player.handle
	f.platform.callbacks[h].DeallocateSample(b.ID())
	f.runner.Drain()
	if got := f.player.InFlightSamples(); got != 1 {
		t.Errorf("InFlightSamples after first dealloc = %d, want 1", got)
	}

	f.platform.callbacks[h].DeallocateSample(b.ID())
	f.runner.Drain()
	if got := f.player.InFlightSamples(); got != 0 {
		t.Errorf("InFlightSamples after second dealloc = %d, want 0", got)
	}
}

func TestDeallocateUnknownBufferIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.initialize(t)

	h := f.player.handle
	f.platform.callbacks[h].DeallocateSample(999999)
	f.runner.Drain()

	if got := f.player.InFlightSamples(); got != 0 {
		t.Errorf("InFlightSamples = %d, want 0", got)
	}
}

func TestWriteEndOfStreamBypassesRegistry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.initialize(t)

	f.player.WriteBuffer(media.Audio, media.NewEndOfStreamBuffer(media.Audio))

	if got := len(f.platform.eos); got != 1 {
		t.Fatalf("WriteEndOfStream called %d times, want 1", got)
	}
	if got := f.player.InFlightSamples(); got != 0 {
		t.Errorf("InFlightSamples = %d, want 0 for end-of-stream marker", got)
	}
}

func TestSuspendServesSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.initialize(t)
	f.platform.info = media.PlayerInfo{MediaTime: 7 * time.Second, VideoFramesDecoded: 42}

	f.player.Suspend()

	if f.player.State() != StateSuspended {
		t.Fatalf("State = %v, want suspended", f.player.State())
	}
	if len(f.platform.destroyed) != 1 {
		t.Errorf("Destroy called %d times, want 1", len(f.platform.destroyed))
	}

	// The live platform would now report zero; the snapshot must answer.
	f.platform.info = media.PlayerInfo{}
	info := f.player.GetInfo()
	if info.MediaTime != 7*time.Second || info.VideoFramesDecoded != 42 {
		t.Errorf("GetInfo = %+v, want snapshot at 7s with 42 frames", info)
	}

	// Second suspend is a no-op.
	f.player.Suspend()
	if len(f.platform.destroyed) != 1 {
		t.Errorf("Destroy called %d times after repeated suspend, want 1", len(f.platform.destroyed))
	}
}

func TestSuspendSuppressesControls(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.initialize(t)
	f.player.Suspend()

	rates := len(f.platform.rates)
	volumes := len(f.platform.volumes)

	f.player.SetPlaybackRate(2)
	f.player.SetVolume(0.25)
	f.player.SetBounds(1, media.Rect{Width: 640, Height: 360})

	if len(f.platform.rates) != rates {
		t.Error("SetPlaybackRate forwarded while suspended")
	}
	if len(f.platform.volumes) != volumes {
		t.Error("SetVolume forwarded while suspended")
	}
	if len(f.platform.bounds) != 0 {
		t.Error("SetBounds forwarded while suspended")
	}
}

func TestResumeReplaysCachedBuffersInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.initialize(t)

	first := videoBuffer(0, true)
	second := videoBuffer(10*time.Millisecond, false)
	f.player.WriteBuffer(media.Video, first)
	f.player.WriteBuffer(media.Video, second)
	if got := len(f.platform.samples); got != 2 {
		t.Fatalf("wrote %d samples before suspend, want 2", got)
	}

	f.player.Suspend()
	f.player.Resume()
	if f.player.State() != StateResuming {
		t.Fatalf("State = %v, want resuming", f.player.State())
	}

	h := f.player.handle
	f.platform.callbacks[h].PlayerStatus(h, StatusInitialized, initialTicket)
	f.runner.Drain()
	ticket := f.player.Ticket()

	// Each needs-data drains exactly one cached buffer, oldest first.
	f.platform.callbacks[h].DecoderStatus(h, media.Video, DecoderNeedsData, ticket)
	f.runner.Drain()
	if got := len(f.platform.samples); got != 3 {
		t.Fatalf("samples = %d after first replay, want 3", got)
	}
	if f.platform.samples[2].BufferID != first.ID() {
		t.Errorf("replayed buffer = %d, want oldest %d", f.platform.samples[2].BufferID, first.ID())
	}
	if len(f.host.needData) != 0 {
		t.Errorf("needData = %v during replay, want none", f.host.needData)
	}

	f.platform.callbacks[h].DecoderStatus(h, media.Video, DecoderNeedsData, ticket)
	f.runner.Drain()
	if f.platform.samples[3].BufferID != second.ID() {
		t.Errorf("replayed buffer = %d, want %d", f.platform.samples[3].BufferID, second.ID())
	}

	// Both caches drained: the next request completes the resume and flows
	// upward as a normal data request.
	f.platform.callbacks[h].DecoderStatus(h, media.Video, DecoderNeedsData, ticket)
	f.runner.Drain()
	if f.player.State() != StatePlaying {
		t.Errorf("State = %v after drain, want playing", f.player.State())
	}
	if len(f.host.needData) != 1 || f.host.needData[0] != media.Video {
		t.Errorf("needData = %v, want [video]", f.host.needData)
	}
}

func TestResumeRestoresBoundsAndVolume(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.initialize(t)
	f.player.SetBounds(0, media.Rect{Width: 1280, Height: 720})
	f.player.Suspend()
	f.player.SetVolume(0.5)

	f.player.Resume()
	boundsAfterResume := len(f.platform.bounds)
	if boundsAfterResume < 2 {
		t.Errorf("bounds calls = %d after resume, want re-applied", boundsAfterResume)
	}

	h := f.player.handle
	f.platform.callbacks[h].PlayerStatus(h, StatusInitialized, initialTicket)
	f.runner.Drain()
	if n := len(f.platform.volumes); n == 0 || f.platform.volumes[n-1] != 0.5 {
		t.Errorf("volumes = %v, want 0.5 re-applied on initialization", f.platform.volumes)
	}
}

func TestSeekWhileSuspendedOnlyRecordsPreroll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.initialize(t)
	f.player.Suspend()
	seeks := len(f.platform.seeks)

	f.player.Seek(9 * time.Second)

	if len(f.platform.seeks) != seeks {
		t.Error("Seek forwarded to platform while suspended")
	}
	if got := f.player.GetInfo().MediaTime; got != 9*time.Second {
		t.Errorf("MediaTime = %v, want recorded seek target 9s", got)
	}
}

func TestSeekDuringResumeAbortsReplay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.initialize(t)
	f.player.WriteBuffer(media.Video, videoBuffer(0, true))
	f.player.Suspend()
	f.player.Resume()

	f.player.Seek(30 * time.Second)

	if f.player.State() != StatePlaying {
		t.Errorf("State = %v after seek during resume, want playing", f.player.State())
	}
	// The cached pre-seek buffers are gone; a needs-data request goes
	// straight to the host.
	h := f.player.handle
	f.platform.callbacks[h].DecoderStatus(h, media.Video, DecoderNeedsData, f.player.Ticket())
	f.runner.Drain()
	if len(f.host.needData) != 1 {
		t.Errorf("needData = %v, want direct request after aborted replay", f.host.needData)
	}
}

func TestPrepareForSeekSuppressesRate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.initialize(t)
	ticketBefore := f.player.Ticket()

	f.player.PrepareForSeek()
	if f.player.Ticket() != ticketBefore+1 {
		t.Errorf("Ticket = %d after PrepareForSeek, want %d", f.player.Ticket(), ticketBefore+1)
	}
	if n := len(f.platform.rates); n == 0 || f.platform.rates[n-1] != 0 {
		t.Fatalf("rates = %v, want rate 0 on PrepareForSeek", f.platform.rates)
	}

	rateCalls := len(f.platform.rates)
	f.player.SetPlaybackRate(2)
	if len(f.platform.rates) != rateCalls {
		t.Error("SetPlaybackRate forwarded while a seek is pending")
	}

	f.player.Seek(15 * time.Second)
	s := f.platform.seeks[len(f.platform.seeks)-1]
	if s.t != 15*time.Second || s.ticket != f.player.Ticket() {
		t.Errorf("Seek(%v, ticket=%d), want 15s with ticket %d", s.t, s.ticket, f.player.Ticket())
	}
	if f.platform.rates[len(f.platform.rates)-1] != 2 {
		t.Errorf("rates = %v, want recorded rate 2 re-applied after seek", f.platform.rates)
	}
}

func TestConfigUpdatesApplyToFutureSamples(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.initialize(t)

	f.player.UpdateVideoConfig(media.VideoConfig{Codec: "h265", Width: 3840, Height: 2160})
	f.player.WriteBuffer(media.Video, videoBuffer(0, true))

	sample := f.platform.samples[len(f.platform.samples)-1]
	if sample.Video.Codec != "h265" || sample.Video.Width != 3840 {
		t.Errorf("sample video config = %+v, want updated h265 config", sample.Video)
	}
}

func TestPruneSkippedWhileResuming(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.initialize(t)

	b := videoBuffer(0, true)
	f.player.WriteBuffer(media.Video, b)
	f.player.Suspend()
	f.player.Resume()

	// Replay has not finished; pruning now would discard the very buffers
	// being replayed.
	f.platform.info = media.PlayerInfo{MediaTime: time.Hour}
	f.player.pruneCache()
	if got := f.player.cache.Len(media.Video); got != 1 {
		t.Errorf("cache length = %d after prune during resume, want 1", got)
	}
}

func TestDestroyDropsLateCallbacks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.initialize(t)
	h := f.player.handle
	callbacks := f.platform.callbacks[h]

	f.player.Destroy()
	if len(f.platform.destroyed) != 1 {
		t.Errorf("Destroy called %d times, want 1", len(f.platform.destroyed))
	}

	callbacks.PlayerStatus(h, StatusPresenting, f.player.Ticket())
	callbacks.PlayerError(h, ErrorDecode, "late")
	f.runner.Drain()

	if len(f.host.statuses) != 0 || len(f.host.errors) != 0 {
		t.Errorf("host saw statuses=%v errors=%v after destroy, want none",
			f.host.statuses, f.host.errors)
	}
}
