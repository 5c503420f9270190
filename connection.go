package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Connection Manager
// ============================================================================

const (
	MsgConnJoining       = "Joining channel %s in guild %s"
	MsgConnJoinRetry     = "Retrying voice connection in %v (Attempt %d/%d)"
	MsgConnJoinFail      = "Failed to connect to voice in guild %s after %d attempts: %v"
	MsgConnLeft          = "Left voice channel %s in guild %s"
	MsgConnDropped       = "Voice connection dropped in guild %s, attempting reconnect"
	MsgConnReconnectFail = "Reconnect failed in guild %s: %v"
	MsgConnAloneIdle     = "Nobody listening in channel %s for %s, disconnecting"
	MsgConnDestroyed     = "Connection manager destroyed (guild: %s)"
)

var ErrConnDestroyed = errors.New("connection manager destroyed")

type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDestroyed
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDestroyed:
		return "destroyed"
	}
	return "unknown"
}

const (
	joinAttempts      = 5
	reconnectDelay    = 2 * time.Second
	watchdogInterval  = 10 * time.Second
	defaultAloneGrace = 2 * time.Minute
	connectTimeout    = 20 * time.Second
)

// voiceConn is the slice of voice.Conn the manager needs. disgo's Conn
// satisfies it; tests substitute a fake.
type voiceConn interface {
	Open(ctx context.Context, channelID snowflake.ID, selfMute bool, selfDeaf bool) error
	Close(ctx context.Context)
	SetOpusFrameProvider(handler voice.OpusFrameProvider)
	SetSpeaking(ctx context.Context, flags voice.SpeakingFlags) error
}

// ConnectionManager owns one guild's gateway voice connection: join/leave,
// the idle watchdog, and a single bounded reconnect after an unexpected drop.
type ConnectionManager struct {
	guildID snowflake.ID

	dial      func() voiceConn
	listeners func(channelID snowflake.ID) int

	mu        sync.Mutex
	conn      voiceConn
	channelID snowflake.ID
	state     atomic.Int32

	aloneGrace time.Duration
	aloneSince time.Time

	// OnAlone fires when the listener count crosses zero in either
	// direction; OnIdleDisconnect fires after the grace period expires.
	OnAlone          func(alone bool)
	OnIdleDisconnect func()

	ctx          context.Context
	cancel       context.CancelFunc
	destroyOnce  sync.Once
	watchdogOnce sync.Once
	reconnecting atomic.Bool
}

func NewConnectionManager(parent context.Context, guildID snowflake.ID, dial func() voiceConn, listeners func(channelID snowflake.ID) int, aloneGrace time.Duration) *ConnectionManager {
	if aloneGrace <= 0 {
		aloneGrace = defaultAloneGrace
	}
	ctx, cancel := context.WithCancel(parent)
	return &ConnectionManager{
		guildID:    guildID,
		dial:       dial,
		listeners:  listeners,
		aloneGrace: aloneGrace,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (cm *ConnectionManager) State() ConnState {
	return ConnState(cm.state.Load())
}

func (cm *ConnectionManager) ChannelID() snowflake.ID {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.channelID
}

// Join connects to the channel. Joining the channel we are already connected
// or connecting to is a no-op; joining another channel tears the old
// connection down first.
func (cm *ConnectionManager) Join(ctx context.Context, channelID snowflake.ID) error {
	switch cm.State() {
	case ConnDestroyed:
		return ErrConnDestroyed
	case ConnConnected, ConnConnecting:
		if cm.ChannelID() == channelID {
			return nil
		}
		cm.Leave(ctx)
	}

	cm.mu.Lock()
	if cm.conn == nil {
		cm.conn = cm.dial()
	}
	conn := cm.conn
	cm.channelID = channelID
	cm.mu.Unlock()

	cm.state.Store(int32(ConnConnecting))
	LogVoice(MsgConnJoining, channelID, cm.guildID)

	openCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var lastErr error
	for i := range joinAttempts {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Second
			LogVoice(MsgConnJoinRetry, backoff, i+1, joinAttempts)
			select {
			case <-ctx.Done():
				cm.state.Store(int32(ConnDisconnected))
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := conn.Open(openCtx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogVoice(MsgConnJoinFail, cm.guildID, joinAttempts, lastErr)
		conn.Close(ctx)
		cm.state.Store(int32(ConnDisconnected))
		return lastErr
	}

	cm.state.Store(int32(ConnConnected))
	cm.watchdogOnce.Do(func() {
		safeGo(func() { cm.watchdog() })
	})
	return nil
}

// Subscribe attaches the opus frame source and flags us as speaking.
// disgo panics when the underlying gateway is mid-teardown, hence the guards.
func (cm *ConnectionManager) Subscribe(ctx context.Context, provider voice.OpusFrameProvider) {
	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()
	if conn == nil {
		return
	}

	func() {
		defer func() { _ = recover() }()
		conn.SetOpusFrameProvider(provider)
	}()
	func() {
		defer func() { _ = recover() }()
		_ = conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)
	}()
}

func (cm *ConnectionManager) Leave(ctx context.Context) {
	cm.mu.Lock()
	conn := cm.conn
	channelID := cm.channelID
	cm.conn = nil
	cm.channelID = 0
	cm.mu.Unlock()

	if cm.State() != ConnDestroyed {
		cm.state.Store(int32(ConnDisconnected))
	}
	if conn != nil {
		conn.Close(ctx)
		LogVoice(MsgConnLeft, channelID, cm.guildID)
	}
}

// HandleDrop is called when the gateway reports an unexpected voice server
// change or disconnect. It makes exactly one reconnect attempt after a short
// fixed delay; a second failure leaves us disconnected.
func (cm *ConnectionManager) HandleDrop() {
	if cm.State() != ConnConnected {
		return
	}
	if cm.reconnecting.Swap(true) {
		return
	}

	channelID := cm.ChannelID()
	LogVoice(MsgConnDropped, cm.guildID)
	cm.state.Store(int32(ConnDisconnected))

	safeGo(func() {
		defer cm.reconnecting.Store(false)

		select {
		case <-cm.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		if err := cm.Join(cm.ctx, channelID); err != nil {
			LogVoice(MsgConnReconnectFail, cm.guildID, err)
		}
	})
}

// watchdog polls the listener count. When the bot is alone past the grace
// period it disconnects; crossing zero in either direction fires OnAlone so
// playback can pause and resume.
func (cm *ConnectionManager) watchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	wasAlone := false
	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
		}

		if cm.State() != ConnConnected || cm.listeners == nil {
			continue
		}

		channelID := cm.ChannelID()
		alone := cm.listeners(channelID) == 0

		if alone && !wasAlone {
			cm.mu.Lock()
			cm.aloneSince = time.Now()
			cm.mu.Unlock()
			if cm.OnAlone != nil {
				cm.OnAlone(true)
			}
		} else if !alone && wasAlone {
			cm.mu.Lock()
			cm.aloneSince = time.Time{}
			cm.mu.Unlock()
			if cm.OnAlone != nil {
				cm.OnAlone(false)
			}
		}
		wasAlone = alone

		if alone {
			cm.mu.Lock()
			since := cm.aloneSince
			cm.mu.Unlock()
			if !since.IsZero() && time.Since(since) >= cm.aloneGrace {
				LogVoice(MsgConnAloneIdle, channelID, FormatDuration(cm.aloneGrace))
				cm.Leave(cm.ctx)
				wasAlone = false
				if cm.OnIdleDisconnect != nil {
					cm.OnIdleDisconnect()
				}
			}
		}
	}
}

// Destroy permanently tears the manager down. Idempotent.
func (cm *ConnectionManager) Destroy(ctx context.Context) {
	cm.destroyOnce.Do(func() {
		cm.Leave(ctx)
		cm.state.Store(int32(ConnDestroyed))
		cm.cancel()
		LogVoice(MsgConnDestroyed, cm.guildID)
	})
}
