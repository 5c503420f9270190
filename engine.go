package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Playback Engine
// ============================================================================

const (
	MsgEngineCreated      = "Engine created (guild: %s)"
	MsgEngineNowPlaying   = "Now playing in guild %s: %s [%s]"
	MsgEngineTrackDone    = "Track finished in guild %s: %s"
	MsgEngineTrackFail    = "Playback failed in guild %s: %v"
	MsgEngineQueueDrained = "Queue drained in guild %s, going idle"
	MsgEngineRadioPick    = "Radio picked related track in guild %s: %s"
	MsgEngineRadioFail    = "Radio lookup failed in guild %s: %v"
	MsgEngineSleepArmed   = "Sleep timer armed in guild %s, stopping at %s"
	MsgEngineSleepFired   = "Sleep timer fired in guild %s"
	MsgEngineDestroyed    = "Engine destroyed (guild: %s)"
	MsgEngineAutoPause    = "Auto-pausing in guild %s (no listeners)"
	MsgEngineAutoResume   = "Auto-resuming in guild %s"
)

var (
	ErrNotConnected   = errors.New("not connected to a voice channel")
	ErrNothingPlaying = errors.New("nothing is playing")
	ErrEngineClosed   = errors.New("engine destroyed")
)

type EngineState int32

const (
	EngineIdle EngineState = iota
	EngineConnecting
	EnginePlaying
	EnginePaused
)

func (s EngineState) String() string {
	switch s {
	case EngineIdle:
		return "idle"
	case EngineConnecting:
		return "connecting"
	case EnginePlaying:
		return "playing"
	case EnginePaused:
		return "paused"
	}
	return "unknown"
}

// radioHistorySize bounds the exclude list handed to recommenders so radio
// does not loop the same handful of tracks.
const radioHistorySize = 25

// PlaybackEngine drives one guild's playback: it pulls from the queue,
// feeds the pipeline, and decides what plays next when a track ends.
type PlaybackEngine struct {
	guildID  snowflake.ID
	client   bot.Client
	store    *QueueStore
	resolver *TrackResolver
	conn     *ConnectionManager

	state atomic.Int32

	mu        sync.Mutex
	channelID snowflake.ID
	pipeline  *AudioPipeline
	current   *Track
	loop      bool
	wave      bool
	volume    int
	settings  AudioSettings
	recent    []string
	userPause bool
	autoPause bool

	sleepMu    sync.Mutex
	sleepTimer *time.Timer
	sleepAt    time.Time

	statusChan chan string
	lastStatus string
	statusMu   sync.Mutex

	ctx         context.Context
	cancel      context.CancelFunc
	destroyOnce sync.Once
	destroyed   atomic.Bool
}

func NewPlaybackEngine(parent context.Context, client bot.Client, guildID snowflake.ID, store *QueueStore, resolver *TrackResolver) *PlaybackEngine {
	ctx, cancel := context.WithCancel(parent)
	e := &PlaybackEngine{
		guildID:    guildID,
		client:     client,
		store:      store,
		resolver:   resolver,
		volume:     100,
		statusChan: make(chan string, 10),
		ctx:        ctx,
		cancel:     cancel,
	}
	e.conn = NewConnectionManager(ctx, guildID, e.dialVoice, e.countListeners, GlobalConfig.IdleTimeout)
	e.conn.OnAlone = e.handleAlone
	e.conn.OnIdleDisconnect = e.haltPlayback
	safeGo(func() { e.statusManager() })
	LogEngine(MsgEngineCreated, guildID)
	return e
}

func (e *PlaybackEngine) dialVoice() voiceConn {
	return e.client.VoiceManager.CreateConn(e.guildID)
}

// countListeners counts non-bot, non-deafened members in the channel.
func (e *PlaybackEngine) countListeners(channelID snowflake.ID) int {
	n := 0
	for state := range e.client.Caches.VoiceStates(e.guildID) {
		if state.ChannelID == nil || *state.ChannelID != channelID || state.UserID == e.client.ID() {
			continue
		}
		if state.SelfDeaf {
			continue
		}
		if m, ok := e.client.Caches.Member(e.guildID, state.UserID); !ok || !m.User.Bot {
			n++
		}
	}
	return n
}

func (e *PlaybackEngine) State() EngineState {
	return EngineState(e.state.Load())
}

func (e *PlaybackEngine) GuildID() snowflake.ID { return e.guildID }

func (e *PlaybackEngine) ChannelID() snowflake.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channelID
}

// Connect joins the channel and restores the channel's persisted volume and
// wave flag plus the guild's saved audio settings.
func (e *PlaybackEngine) Connect(ctx context.Context, channelID snowflake.ID) error {
	if e.destroyed.Load() {
		return ErrEngineClosed
	}

	e.state.CompareAndSwap(int32(EngineIdle), int32(EngineConnecting))
	if err := e.conn.Join(ctx, channelID); err != nil {
		e.state.CompareAndSwap(int32(EngineConnecting), int32(EngineIdle))
		return err
	}

	cs, err := e.store.ChannelState(ctx, channelID)
	if err != nil {
		LogEngine("Failed to load channel state for %s: %v", channelID, err)
		cs = &ChannelState{ChannelID: channelID, GuildID: e.guildID, Volume: 100}
	}
	settings, err := GetAudioSettings(ctx, e.guildID)
	if err != nil {
		LogEngine("Failed to load audio settings for guild %s: %v", e.guildID, err)
	}

	e.mu.Lock()
	e.channelID = channelID
	e.volume = cs.Volume
	e.wave = cs.Wave
	e.settings = settings
	e.mu.Unlock()

	e.state.CompareAndSwap(int32(EngineConnecting), int32(EngineIdle))
	return nil
}

// PlayOrQueue starts the track immediately when nothing is playing,
// otherwise it lands in the queue. Returns ErrDuplicateTrack when the
// channel already holds the same track.
func (e *PlaybackEngine) PlayOrQueue(ctx context.Context, t Track, priority bool) (queued bool, err error) {
	if e.destroyed.Load() {
		return false, ErrEngineClosed
	}
	e.mu.Lock()
	channelID := e.channelID
	busy := e.current != nil
	e.mu.Unlock()

	if channelID == 0 {
		return false, ErrNotConnected
	}

	if busy {
		if err := e.store.Enqueue(ctx, e.guildID, channelID, t, priority); err != nil {
			return false, err
		}
		return true, nil
	}

	e.startTrack(t)
	return false, nil
}

// startTrack spins up a fresh pipeline for the track and hands its frame
// provider to the voice connection. The pipeline's finish callback drives
// the advance to whatever plays next.
func (e *PlaybackEngine) startTrack(t Track) {
	e.mu.Lock()
	old := e.pipeline
	p := NewAudioPipeline(e.ctx, e.guildID, e.volume, GlobalConfig.MaxVolume, e.settings)
	e.pipeline = p
	cur := t
	e.current = &cur
	e.recent = append(e.recent, t.Key())
	if len(e.recent) > radioHistorySize {
		e.recent = e.recent[len(e.recent)-radioHistorySize:]
	}
	channelID := e.channelID
	e.mu.Unlock()

	// Destroying the old pipeline can fire its finish callback, which takes
	// e.mu, so it must happen outside the critical section.
	if old != nil {
		old.Destroy()
	}

	p.OnFinish(func(err error) { e.handleFinish(p, t, err) })
	e.conn.Subscribe(e.ctx, p.Provider())
	p.Play(t)

	// Unknown durations come back from the first metadata probe so the
	// fade-out can still be armed.
	if t.Duration == 0 && t.MediaRef != "" {
		safeGo(func() {
			probeCtx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
			defer cancel()
			if _, _, _, d, err := ytdlpResolveMetadata(probeCtx, t.MediaRef); err == nil && d > 0 {
				p.ScheduleFadeOut(d)
			}
		})
	}

	e.state.Store(int32(EnginePlaying))
	e.setVoiceStatus("🎶 " + t.DisplayTitle())
	LogEngine(MsgEngineNowPlaying, e.guildID, t.DisplayTitle(), FormatTrackDuration(t.Duration))

	safeGo(func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.SetLastPlayed(saveCtx, e.guildID, channelID, t); err != nil {
			LogEngine("Failed to record last played in guild %s: %v", e.guildID, err)
		}
	})
}

// handleFinish runs once per pipeline. Stale callbacks from an already
// replaced pipeline are dropped.
func (e *PlaybackEngine) handleFinish(p *AudioPipeline, t Track, err error) {
	e.mu.Lock()
	if e.pipeline != p {
		e.mu.Unlock()
		return
	}
	e.pipeline = nil
	e.current = nil
	e.mu.Unlock()

	// The detached pipeline still holds its context, fade timer, and frame
	// provider; release them now that it can never play again. Its finish
	// callback has already fired, so this cannot recurse.
	p.Destroy()

	if err != nil {
		LogEngine(MsgEngineTrackFail, e.guildID, err)
	} else {
		LogEngine(MsgEngineTrackDone, e.guildID, t.DisplayTitle())
	}

	if e.destroyed.Load() || e.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
	defer cancel()

	next, ok := e.pickNext(ctx, t, err)
	if !ok {
		return
	}
	if next == nil {
		LogEngine(MsgEngineQueueDrained, e.guildID)
		e.goIdle()
		return
	}
	e.startTrack(*next)
}

// pickNext decides what plays after prev: loop replays it (only after a
// clean finish), then the queue, then radio when wave is on and the source
// can recommend. Returns (nil, true) to go idle and (nil, false) when the
// engine is no longer connected anywhere.
func (e *PlaybackEngine) pickNext(ctx context.Context, prev Track, finishErr error) (*Track, bool) {
	e.mu.Lock()
	channelID := e.channelID
	loop := e.loop
	wave := e.wave
	exclude := make([]string, len(e.recent))
	copy(exclude, e.recent)
	e.mu.Unlock()

	if channelID == 0 {
		return nil, false
	}

	if loop && finishErr == nil {
		replay := prev
		return &replay, true
	}

	next, err := e.store.DequeueNext(ctx, channelID)
	if err == nil {
		nt := next.Track
		return &nt, true
	}
	if !errors.Is(err, ErrQueueEmpty) {
		LogEngine("Failed to dequeue in guild %s: %v", e.guildID, err)
		return nil, true
	}

	if wave {
		if rec, ok := e.resolver.Plugin(prev.Source).(Recommender); ok {
			related, err := rec.Related(ctx, prev, exclude)
			if err != nil {
				LogEngine(MsgEngineRadioFail, e.guildID, err)
			} else if related != nil {
				LogEngine(MsgEngineRadioPick, e.guildID, related.DisplayTitle())
				return related, true
			}
		}
	}

	return nil, true
}

func (e *PlaybackEngine) goIdle() {
	e.state.Store(int32(EngineIdle))
	e.setVoiceStatus("")
}

// Skip fades the current track out and lets the finish callback advance.
// Loop is disabled so a looped track cannot immediately come back.
func (e *PlaybackEngine) Skip() error {
	e.mu.Lock()
	p := e.pipeline
	e.loop = false
	e.mu.Unlock()

	if p == nil {
		return ErrNothingPlaying
	}
	p.FadeAndStop(defaultFade)
	return nil
}

// TogglePause flips the user-facing pause state. Returns the new state.
func (e *PlaybackEngine) TogglePause() (paused bool, err error) {
	e.mu.Lock()
	p := e.pipeline
	e.mu.Unlock()
	if p == nil {
		return false, ErrNothingPlaying
	}

	e.mu.Lock()
	e.userPause = !e.userPause
	paused = e.userPause
	e.mu.Unlock()

	if paused {
		p.Pause()
		e.state.Store(int32(EnginePaused))
		e.statusMu.Lock()
		last := e.lastStatus
		e.statusMu.Unlock()
		if last != "" {
			e.setVoiceStatus("⏸️ " + strings.TrimPrefix(last, "🎶 "))
		}
	} else {
		e.mu.Lock()
		auto := e.autoPause
		e.mu.Unlock()
		if !auto {
			p.Resume()
		}
		e.state.Store(int32(EnginePlaying))
		e.statusMu.Lock()
		last := e.lastStatus
		e.statusMu.Unlock()
		if last != "" {
			e.setVoiceStatus(last)
		}
	}
	return paused, nil
}

// handleAlone pauses when everyone leaves and resumes when someone comes
// back, without clobbering an explicit user pause.
func (e *PlaybackEngine) handleAlone(alone bool) {
	e.mu.Lock()
	p := e.pipeline
	e.autoPause = alone
	user := e.userPause
	e.mu.Unlock()
	if p == nil {
		return
	}

	if alone && !user {
		LogEngine(MsgEngineAutoPause, e.guildID)
		p.Pause()
	} else if !alone && !user {
		LogEngine(MsgEngineAutoResume, e.guildID)
		p.Resume()
	}
}

// SetVolume clamps, applies with a fade, and persists per channel.
func (e *PlaybackEngine) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > GlobalConfig.MaxVolume {
		volume = GlobalConfig.MaxVolume
	}

	e.mu.Lock()
	e.volume = volume
	p := e.pipeline
	channelID := e.channelID
	e.mu.Unlock()

	if p != nil {
		p.SetVolume(volume)
	}
	if channelID == 0 {
		return nil
	}
	return e.store.SetVolume(ctx, e.guildID, channelID, volume)
}

func (e *PlaybackEngine) Volume() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

func (e *PlaybackEngine) applySettings(ctx context.Context, mutate func(*AudioSettings), apply func(*AudioPipeline)) error {
	e.mu.Lock()
	mutate(&e.settings)
	s := e.settings
	p := e.pipeline
	e.mu.Unlock()

	if p != nil {
		apply(p)
	}
	return SaveAudioSettings(ctx, e.guildID, s)
}

func (e *PlaybackEngine) SetBass(ctx context.Context, db int) error {
	db = clampGain(db)
	return e.applySettings(ctx,
		func(s *AudioSettings) { s.Bass = db },
		func(p *AudioPipeline) { p.SetBass(db) })
}

func (e *PlaybackEngine) SetTreble(ctx context.Context, db int) error {
	db = clampGain(db)
	return e.applySettings(ctx,
		func(s *AudioSettings) { s.Treble = db },
		func(p *AudioPipeline) { p.SetTreble(db) })
}

func (e *PlaybackEngine) SetLowPass(ctx context.Context, hz int) error {
	return e.applySettings(ctx,
		func(s *AudioSettings) { s.LowpassHz = hz },
		func(p *AudioPipeline) { p.SetLowPass(hz) })
}

func (e *PlaybackEngine) SetCompressor(ctx context.Context, on bool) error {
	return e.applySettings(ctx,
		func(s *AudioSettings) { s.Compressor = on },
		func(p *AudioPipeline) { p.SetCompressor(on) })
}

func (e *PlaybackEngine) Settings() AudioSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// ToggleLoop flips single-track repeat. Returns the new state.
func (e *PlaybackEngine) ToggleLoop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loop = !e.loop
	return e.loop
}

func (e *PlaybackEngine) Loop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loop
}

// ToggleWave flips radio mode and persists it per channel.
func (e *PlaybackEngine) ToggleWave(ctx context.Context) (bool, error) {
	e.mu.Lock()
	e.wave = !e.wave
	wave := e.wave
	channelID := e.channelID
	e.mu.Unlock()

	if channelID == 0 {
		return wave, nil
	}
	return wave, e.store.SetWave(ctx, e.guildID, channelID, wave)
}

func (e *PlaybackEngine) Wave() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wave
}

func (e *PlaybackEngine) NowPlaying() (*Track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil, ErrNothingPlaying
	}
	cur := *e.current
	return &cur, nil
}

// NextUp peeks at the head of the queue without consuming it.
func (e *PlaybackEngine) NextUp(ctx context.Context) (*Track, error) {
	e.mu.Lock()
	channelID := e.channelID
	e.mu.Unlock()
	if channelID == 0 {
		return nil, ErrNotConnected
	}
	return e.store.PeekNext(ctx, channelID)
}

func (e *PlaybackEngine) Queue(ctx context.Context) ([]QueuedTrack, error) {
	e.mu.Lock()
	channelID := e.channelID
	e.mu.Unlock()
	if channelID == 0 {
		return nil, ErrNotConnected
	}
	return e.store.Tracks(ctx, channelID)
}

// SetSleep arms or rearms a timer that stops playback and leaves at the
// given time. A zero time clears the timer.
func (e *PlaybackEngine) SetSleep(at time.Time) {
	e.sleepMu.Lock()
	defer e.sleepMu.Unlock()

	if e.sleepTimer != nil {
		e.sleepTimer.Stop()
		e.sleepTimer = nil
	}
	e.sleepAt = at
	if at.IsZero() {
		return
	}

	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	LogEngine(MsgEngineSleepArmed, e.guildID, at.Format(time.Kitchen))
	e.sleepTimer = time.AfterFunc(d, func() {
		LogEngine(MsgEngineSleepFired, e.guildID)
		e.Stop(e.ctx)
		e.conn.Leave(e.ctx)
	})
}

func (e *PlaybackEngine) SleepAt() time.Time {
	e.sleepMu.Lock()
	defer e.sleepMu.Unlock()
	return e.sleepAt
}

// haltPlayback kills the current pipeline and resets the playback flags
// but leaves the channel's durable queue alone, so an idle disconnect or a
// restart picks up where it left off.
func (e *PlaybackEngine) haltPlayback() {
	e.mu.Lock()
	p := e.pipeline
	e.pipeline = nil
	e.current = nil
	e.loop = false
	e.userPause = false
	e.mu.Unlock()

	if p != nil {
		p.Destroy()
	}
	e.goIdle()
}

// Stop is the explicit user stop: it halts playback and empties the
// channel's queue.
func (e *PlaybackEngine) Stop(ctx context.Context) {
	e.mu.Lock()
	channelID := e.channelID
	e.mu.Unlock()

	e.haltPlayback()
	if channelID != 0 {
		if err := e.store.Clear(ctx, channelID); err != nil {
			LogEngine("Failed to clear queue in guild %s: %v", e.guildID, err)
		}
	}
}

// HandleVoiceServerDrop forwards gateway voice server changes to the
// connection manager's bounded reconnect.
func (e *PlaybackEngine) HandleVoiceServerDrop() {
	e.conn.HandleDrop()
}

// Destroy tears everything down. Idempotent; safe from any goroutine.
func (e *PlaybackEngine) Destroy(ctx context.Context) {
	e.destroyOnce.Do(func() {
		e.destroyed.Store(true)
		e.SetSleep(time.Time{})

		e.mu.Lock()
		p := e.pipeline
		e.pipeline = nil
		e.current = nil
		e.mu.Unlock()

		if p != nil {
			p.Destroy()
		}
		e.setVoiceStatus("")
		e.conn.Destroy(ctx)
		e.cancel()
		LogEngine(MsgEngineDestroyed, e.guildID)
	})
}

// ============================================================================
// Voice channel status
// ============================================================================

// setVoiceStatus queues a status write; the manager coalesces bursts.
func (e *PlaybackEngine) setVoiceStatus(status string) {
	select {
	case e.statusChan <- status:
	default:
	}
}

// statusManager debounces voice-status writes so rapid track changes only
// hit the endpoint once.
func (e *PlaybackEngine) statusManager() {
	var cur string
	next := ""
	hasNext := false
	t := time.NewTimer(0)
	if !t.Stop() {
		<-t.C
	}
	for {
		select {
		case <-e.ctx.Done():
			return
		case n := <-e.statusChan:
			next = n
			hasNext = true
		drain:
			for {
				select {
				case n := <-e.statusChan:
					next = n
				default:
					break drain
				}
			}
			if next == cur {
				hasNext = false
				continue
			}
			t.Reset(500 * time.Millisecond)
		case <-t.C:
			if !hasNext {
				continue
			}
			target := Truncate(next, 128)
			if target != "" && !strings.HasPrefix(target, "⏸️") {
				e.statusMu.Lock()
				e.lastStatus = target
				e.statusMu.Unlock()
			}
			channelID := e.ChannelID()
			if channelID == 0 {
				hasNext = false
				continue
			}
			route := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
			if err := e.client.Rest.Do(route.Compile(nil), map[string]string{"status": target}, nil); err == nil {
				cur = target
			}
			hasNext = false
		}
	}
}

// ============================================================================
// Engine Registry
// ============================================================================

// EngineRegistry holds one engine per guild.
type EngineRegistry struct {
	mu       sync.Mutex
	engines  map[snowflake.ID]*PlaybackEngine
	client   bot.Client
	store    *QueueStore
	resolver *TrackResolver
	ctx      context.Context
	ready    bool
}

var engineRegistry = &EngineRegistry{engines: make(map[snowflake.ID]*PlaybackEngine)}

func Engines() *EngineRegistry { return engineRegistry }

func (r *EngineRegistry) init(ctx context.Context, client bot.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return
	}
	r.client = client
	r.ctx = ctx
	r.store = NewQueueStore(DB)

	plugins := []SourcePlugin{}
	if !GlobalConfig.SourceDisabled("ytmusic") {
		plugins = append(plugins, &YTMusicPlugin{})
	}
	if !GlobalConfig.SourceDisabled("youtube") {
		plugins = append(plugins, &YouTubePlugin{})
	}
	if !GlobalConfig.SourceDisabled("soundcloud") {
		plugins = append(plugins, &SoundCloudPlugin{})
	}
	r.resolver = NewTrackResolver(ctx, plugins...)
	r.ready = true
}

func (r *EngineRegistry) Resolver() *TrackResolver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolver
}

func (r *EngineRegistry) Store() *QueueStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store
}

// Get returns the guild's engine or nil.
func (r *EngineRegistry) Get(guildID snowflake.ID) *PlaybackEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[guildID]
}

// GetOrCreate returns the guild's engine, creating it on first use.
func (r *EngineRegistry) GetOrCreate(guildID snowflake.ID) *PlaybackEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[guildID]; ok {
		return e
	}
	e := NewPlaybackEngine(r.ctx, r.client, guildID, r.store, r.resolver)
	r.engines[guildID] = e
	return e
}

// Remove destroys and forgets the guild's engine.
func (r *EngineRegistry) Remove(ctx context.Context, guildID snowflake.ID) {
	r.mu.Lock()
	e, ok := r.engines[guildID]
	delete(r.engines, guildID)
	r.mu.Unlock()
	if ok {
		e.Destroy(ctx)
	}
}

// Shutdown destroys every engine in parallel.
func (r *EngineRegistry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	engines := make([]*PlaybackEngine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.engines = make(map[snowflake.ID]*PlaybackEngine)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		eng := e
		safeGo(func() {
			defer wg.Done()
			eng.Destroy(ctx)
		})
	}
	wg.Wait()
}

func init() {
	OnClientReady(func(ctx context.Context, client bot.Client) {
		engineRegistry.init(ctx, client)
	})

	RegisterDaemon(LogEngine, func(ctx context.Context) (bool, func(), func()) {
		run := func() { <-ctx.Done() }
		shutdown := func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			engineRegistry.Shutdown(sctx)
		}
		return true, run, shutdown
	})
}
