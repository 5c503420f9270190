package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// fakeVoiceConn records lifecycle calls and can be scripted to fail.
type fakeVoiceConn struct {
	openCalls  atomic.Int32
	closeCalls atomic.Int32
	failOpens  int32 // first N opens fail
	lastOpened atomic.Int64
}

func (c *fakeVoiceConn) Open(ctx context.Context, channelID snowflake.ID, selfMute bool, selfDeaf bool) error {
	n := c.openCalls.Add(1)
	c.lastOpened.Store(int64(channelID))
	if n <= c.failOpens {
		return errors.New("gateway unavailable")
	}
	return nil
}

func (c *fakeVoiceConn) Close(ctx context.Context) {
	c.closeCalls.Add(1)
}

func (c *fakeVoiceConn) SetOpusFrameProvider(handler voice.OpusFrameProvider) {}

func (c *fakeVoiceConn) SetSpeaking(ctx context.Context, flags voice.SpeakingFlags) error {
	return nil
}

func newTestConnManager(t *testing.T, conn *fakeVoiceConn, listeners func(snowflake.ID) int) *ConnectionManager {
	t.Helper()
	cm := NewConnectionManager(context.Background(), snowflake.ID(1), func() voiceConn { return conn }, listeners, time.Minute)
	t.Cleanup(func() { cm.Destroy(context.Background()) })
	return cm
}

func TestConnJoinConnects(t *testing.T) {
	conn := &fakeVoiceConn{}
	cm := newTestConnManager(t, conn, nil)

	if err := cm.Join(context.Background(), snowflake.ID(42)); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if got := cm.State(); got != ConnConnected {
		t.Errorf("State = %s, want connected", got)
	}
	if got := cm.ChannelID(); got != snowflake.ID(42) {
		t.Errorf("ChannelID = %s, want 42", got)
	}
	if got := conn.openCalls.Load(); got != 1 {
		t.Errorf("Open called %d times, want 1", got)
	}
}

func TestConnJoinSameChannelNoop(t *testing.T) {
	conn := &fakeVoiceConn{}
	cm := newTestConnManager(t, conn, nil)

	if err := cm.Join(context.Background(), snowflake.ID(42)); err != nil {
		t.Fatal(err)
	}
	if err := cm.Join(context.Background(), snowflake.ID(42)); err != nil {
		t.Fatal(err)
	}
	if got := conn.openCalls.Load(); got != 1 {
		t.Errorf("Open called %d times for same channel, want 1", got)
	}
}

func TestConnJoinDifferentChannelReconnects(t *testing.T) {
	conn := &fakeVoiceConn{}
	cm := newTestConnManager(t, conn, nil)

	if err := cm.Join(context.Background(), snowflake.ID(42)); err != nil {
		t.Fatal(err)
	}
	if err := cm.Join(context.Background(), snowflake.ID(43)); err != nil {
		t.Fatal(err)
	}
	if got := conn.closeCalls.Load(); got != 1 {
		t.Errorf("old connection closed %d times, want 1", got)
	}
	if got := cm.ChannelID(); got != snowflake.ID(43) {
		t.Errorf("ChannelID = %s, want 43", got)
	}
	if got := snowflake.ID(conn.lastOpened.Load()); got != snowflake.ID(43) {
		t.Errorf("last opened channel = %s, want 43", got)
	}
}

func TestConnJoinRetriesThenSucceeds(t *testing.T) {
	conn := &fakeVoiceConn{failOpens: 1}
	cm := newTestConnManager(t, conn, nil)

	if err := cm.Join(context.Background(), snowflake.ID(42)); err != nil {
		t.Fatalf("Join failed despite retry: %v", err)
	}
	if got := conn.openCalls.Load(); got != 2 {
		t.Errorf("Open called %d times, want 2", got)
	}
	if got := cm.State(); got != ConnConnected {
		t.Errorf("State = %s, want connected", got)
	}
}

func TestConnJoinGivesUpOnContext(t *testing.T) {
	conn := &fakeVoiceConn{failOpens: 100}
	cm := newTestConnManager(t, conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := cm.Join(ctx, snowflake.ID(42))
	if err == nil {
		t.Fatal("Join = nil, want error")
	}
	if got := cm.State(); got != ConnDisconnected {
		t.Errorf("State = %s, want disconnected after failure", got)
	}
}

func TestConnLeave(t *testing.T) {
	conn := &fakeVoiceConn{}
	cm := newTestConnManager(t, conn, nil)

	if err := cm.Join(context.Background(), snowflake.ID(42)); err != nil {
		t.Fatal(err)
	}
	cm.Leave(context.Background())
	if got := cm.State(); got != ConnDisconnected {
		t.Errorf("State = %s, want disconnected", got)
	}
	if got := conn.closeCalls.Load(); got != 1 {
		t.Errorf("Close called %d times, want 1", got)
	}
	if got := cm.ChannelID(); got != 0 {
		t.Errorf("ChannelID = %s, want 0", got)
	}
	// Leaving again is harmless.
	cm.Leave(context.Background())
	if got := conn.closeCalls.Load(); got != 1 {
		t.Errorf("second Leave closed again (%d)", got)
	}
}

func TestConnDestroyIsFinal(t *testing.T) {
	conn := &fakeVoiceConn{}
	cm := NewConnectionManager(context.Background(), snowflake.ID(1), func() voiceConn { return conn }, nil, time.Minute)

	if err := cm.Join(context.Background(), snowflake.ID(42)); err != nil {
		t.Fatal(err)
	}
	cm.Destroy(context.Background())
	cm.Destroy(context.Background())

	if got := cm.State(); got != ConnDestroyed {
		t.Errorf("State = %s, want destroyed", got)
	}
	if got := conn.closeCalls.Load(); got != 1 {
		t.Errorf("Close called %d times across double Destroy, want 1", got)
	}
	if err := cm.Join(context.Background(), snowflake.ID(42)); !errors.Is(err, ErrConnDestroyed) {
		t.Errorf("Join after Destroy = %v, want ErrConnDestroyed", err)
	}
}

func TestConnHandleDropIgnoredWhenDisconnected(t *testing.T) {
	conn := &fakeVoiceConn{}
	cm := newTestConnManager(t, conn, nil)

	cm.HandleDrop()
	if got := conn.openCalls.Load(); got != 0 {
		t.Errorf("HandleDrop while disconnected opened a connection (%d)", got)
	}
}

func TestConnHandleDropReconnectsOnce(t *testing.T) {
	conn := &fakeVoiceConn{}
	cm := newTestConnManager(t, conn, nil)

	if err := cm.Join(context.Background(), snowflake.ID(42)); err != nil {
		t.Fatal(err)
	}

	cm.HandleDrop()
	// Further drops while a reconnect is pending are coalesced.
	cm.HandleDrop()
	cm.HandleDrop()

	deadline := time.Now().Add(reconnectDelay + 2*time.Second)
	for time.Now().Before(deadline) {
		if cm.State() == ConnConnected && conn.openCalls.Load() == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := conn.openCalls.Load(); got != 2 {
		t.Errorf("Open called %d times after drop, want 2 (one reconnect)", got)
	}
	if got := cm.State(); got != ConnConnected {
		t.Errorf("State = %s, want connected after reconnect", got)
	}
}

func TestConnStateString(t *testing.T) {
	tests := []struct {
		state ConnState
		want  string
	}{
		{ConnDisconnected, "disconnected"},
		{ConnConnecting, "connecting"},
		{ConnConnected, "connected"},
		{ConnDestroyed, "destroyed"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.state, got, tt.want)
		}
	}
}
