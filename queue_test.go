package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

func newTestStore(t *testing.T) *QueueStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	if err := InitDatabase(context.Background(), dbPath); err != nil {
		t.Fatalf("InitDatabase failed: %v", err)
	}
	t.Cleanup(CloseDatabase)
	return NewQueueStore(DB)
}

func testTrack(id string) Track {
	return Track{
		TrackID:  id,
		Source:   "youtube",
		Title:    "Track " + id,
		Artist:   "Artist",
		MediaRef: "https://www.youtube.com/watch?v=" + id,
		Duration: 3 * time.Minute,
	}
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	qs := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)
	channelID := snowflake.ID(200)

	for _, id := range []string{"aaa", "bbb", "ccc"} {
		if err := qs.Enqueue(ctx, guildID, channelID, testTrack(id), false); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}

	for _, want := range []string{"aaa", "bbb", "ccc"} {
		qt, err := qs.DequeueNext(ctx, channelID)
		if err != nil {
			t.Fatalf("DequeueNext failed: %v", err)
		}
		if qt.TrackID != want {
			t.Errorf("DequeueNext = %q, want %q", qt.TrackID, want)
		}
	}

	if _, err := qs.DequeueNext(ctx, channelID); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("DequeueNext on empty queue = %v, want ErrQueueEmpty", err)
	}
}

func TestQueuePeekNext(t *testing.T) {
	qs := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)
	channelID := snowflake.ID(200)

	if _, err := qs.PeekNext(ctx, channelID); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("PeekNext on empty queue = %v, want ErrQueueEmpty", err)
	}

	for _, id := range []string{"aaa", "bbb"} {
		if err := qs.Enqueue(ctx, guildID, channelID, testTrack(id), false); err != nil {
			t.Fatal(err)
		}
	}
	if err := qs.Enqueue(ctx, guildID, channelID, testTrack("vip"), true); err != nil {
		t.Fatal(err)
	}

	// Peek sees the priority lane first and does not consume.
	for range 2 {
		head, err := qs.PeekNext(ctx, channelID)
		if err != nil {
			t.Fatalf("PeekNext failed: %v", err)
		}
		if head.TrackID != "vip" {
			t.Errorf("PeekNext = %q, want vip", head.TrackID)
		}
	}
	if n, err := qs.Count(ctx, channelID); err != nil || n != 3 {
		t.Errorf("Count after peeks = %d (%v), want 3", n, err)
	}

	// Peek and dequeue agree on the head.
	qt, err := qs.DequeueNext(ctx, channelID)
	if err != nil {
		t.Fatal(err)
	}
	if qt.TrackID != "vip" {
		t.Errorf("DequeueNext = %q, want the peeked vip", qt.TrackID)
	}
	if head, err := qs.PeekNext(ctx, channelID); err != nil || head.TrackID != "aaa" {
		t.Errorf("PeekNext after dequeue = %v (%v), want aaa", head, err)
	}
}

func TestQueuePriorityLane(t *testing.T) {
	qs := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)
	channelID := snowflake.ID(200)

	if err := qs.Enqueue(ctx, guildID, channelID, testTrack("normal1"), false); err != nil {
		t.Fatal(err)
	}
	if err := qs.Enqueue(ctx, guildID, channelID, testTrack("normal2"), false); err != nil {
		t.Fatal(err)
	}
	if err := qs.Enqueue(ctx, guildID, channelID, testTrack("prio1"), true); err != nil {
		t.Fatal(err)
	}
	if err := qs.Enqueue(ctx, guildID, channelID, testTrack("prio2"), true); err != nil {
		t.Fatal(err)
	}

	// Priority tracks come first, FIFO within each lane.
	want := []string{"prio1", "prio2", "normal1", "normal2"}
	for _, id := range want {
		qt, err := qs.DequeueNext(ctx, channelID)
		if err != nil {
			t.Fatalf("DequeueNext failed: %v", err)
		}
		if qt.TrackID != id {
			t.Errorf("DequeueNext = %q, want %q", qt.TrackID, id)
		}
	}
}

func TestQueueDuplicateRejected(t *testing.T) {
	qs := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)
	channelID := snowflake.ID(200)
	otherChannel := snowflake.ID(201)

	if err := qs.Enqueue(ctx, guildID, channelID, testTrack("dup"), false); err != nil {
		t.Fatal(err)
	}
	if err := qs.Enqueue(ctx, guildID, channelID, testTrack("dup"), false); !errors.Is(err, ErrDuplicateTrack) {
		t.Errorf("duplicate Enqueue = %v, want ErrDuplicateTrack", err)
	}
	// Same track ID from a different source is not a duplicate.
	other := testTrack("dup")
	other.Source = "soundcloud"
	if err := qs.Enqueue(ctx, guildID, channelID, other, false); err != nil {
		t.Errorf("Enqueue with different source = %v, want nil", err)
	}
	// Nor is the same track in another channel.
	if err := qs.Enqueue(ctx, guildID, otherChannel, testTrack("dup"), false); err != nil {
		t.Errorf("Enqueue in other channel = %v, want nil", err)
	}

	// A failed enqueue must not grow the queue.
	n, err := qs.Count(ctx, channelID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestQueueTracksAndCacheInvalidation(t *testing.T) {
	qs := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)
	channelID := snowflake.ID(200)

	if err := qs.Enqueue(ctx, guildID, channelID, testTrack("one"), false); err != nil {
		t.Fatal(err)
	}

	tracks, err := qs.Tracks(ctx, channelID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 1 || tracks[0].TrackID != "one" {
		t.Fatalf("Tracks = %+v, want one track 'one'", tracks)
	}

	// Mutations invalidate the cached listing.
	if err := qs.Enqueue(ctx, guildID, channelID, testTrack("two"), false); err != nil {
		t.Fatal(err)
	}
	tracks, err = qs.Tracks(ctx, channelID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 {
		t.Errorf("Tracks after second enqueue = %d entries, want 2", len(tracks))
	}

	if _, err := qs.DequeueNext(ctx, channelID); err != nil {
		t.Fatal(err)
	}
	tracks, err = qs.Tracks(ctx, channelID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 1 || tracks[0].TrackID != "two" {
		t.Errorf("Tracks after dequeue = %+v, want only 'two'", tracks)
	}

	// Mutating the returned slice must not poison the cache.
	tracks[0].TrackID = "mutated"
	fresh, err := qs.Tracks(ctx, channelID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh[0].TrackID != "two" {
		t.Errorf("cache was mutated through returned slice: %q", fresh[0].TrackID)
	}
}

func TestQueueClear(t *testing.T) {
	qs := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)
	channelID := snowflake.ID(200)

	for _, id := range []string{"a1", "a2", "a3"} {
		if err := qs.Enqueue(ctx, guildID, channelID, testTrack(id), false); err != nil {
			t.Fatal(err)
		}
	}
	if err := qs.Clear(ctx, channelID); err != nil {
		t.Fatal(err)
	}
	n, err := qs.Count(ctx, channelID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Count after Clear = %d, want 0", n)
	}
	// Clearing an empty queue is fine.
	if err := qs.Clear(ctx, channelID); err != nil {
		t.Errorf("Clear on empty queue = %v, want nil", err)
	}
}

func TestChannelStateDefaults(t *testing.T) {
	qs := newTestStore(t)
	ctx := context.Background()
	channelID := snowflake.ID(999)

	st, err := qs.ChannelState(ctx, channelID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Volume != 100 {
		t.Errorf("default Volume = %d, want 100", st.Volume)
	}
	if st.Wave {
		t.Error("default Wave = true, want false")
	}
}

func TestChannelStatePersistence(t *testing.T) {
	qs := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)
	channelID := snowflake.ID(200)

	if err := qs.SetVolume(ctx, guildID, channelID, 150); err != nil {
		t.Fatal(err)
	}
	if err := qs.SetWave(ctx, guildID, channelID, true); err != nil {
		t.Fatal(err)
	}
	if err := qs.SetLastPlayed(ctx, guildID, channelID, testTrack("last")); err != nil {
		t.Fatal(err)
	}

	st, err := qs.ChannelState(ctx, channelID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Volume != 150 {
		t.Errorf("Volume = %d, want 150", st.Volume)
	}
	if !st.Wave {
		t.Error("Wave = false, want true")
	}
	if st.LastTrackID != "last" || st.LastTrackSource != "youtube" {
		t.Errorf("last played = %s/%s, want youtube/last", st.LastTrackSource, st.LastTrackID)
	}
	if st.GuildID != guildID {
		t.Errorf("GuildID = %s, want %s", st.GuildID, guildID)
	}
}

func TestSetLastPlayedBumpsPlayCounts(t *testing.T) {
	qs := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)
	channelID := snowflake.ID(200)

	for range 3 {
		if err := qs.SetLastPlayed(ctx, guildID, channelID, testTrack("hit")); err != nil {
			t.Fatal(err)
		}
	}
	if err := qs.SetLastPlayed(ctx, guildID, channelID, testTrack("once")); err != nil {
		t.Fatal(err)
	}

	top, err := TopTracks(ctx, guildID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 {
		t.Fatalf("TopTracks = %d entries, want 2", len(top))
	}
	if top[0].TrackID != "hit" || top[0].Plays != 3 {
		t.Errorf("top[0] = %s/%d plays, want hit/3", top[0].TrackID, top[0].Plays)
	}
	if top[1].TrackID != "once" || top[1].Plays != 1 {
		t.Errorf("top[1] = %s/%d plays, want once/1", top[1].TrackID, top[1].Plays)
	}
}

func TestQueueRoundTripMetadata(t *testing.T) {
	qs := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)
	channelID := snowflake.ID(200)

	in := Track{
		TrackID:     "meta",
		Source:      "ytmusic",
		Title:       "Some Song",
		Artist:      "Some Artist",
		MediaRef:    "https://music.youtube.com/watch?v=meta",
		Duration:    4*time.Minute + 12*time.Second,
		RequestedBy: snowflake.ID(42),
	}
	if err := qs.Enqueue(ctx, guildID, channelID, in, true); err != nil {
		t.Fatal(err)
	}

	qt, err := qs.DequeueNext(ctx, channelID)
	if err != nil {
		t.Fatal(err)
	}
	if qt.Title != in.Title || qt.Artist != in.Artist || qt.MediaRef != in.MediaRef {
		t.Errorf("metadata lost: got %+v", qt.Track)
	}
	if qt.Duration != in.Duration {
		t.Errorf("Duration = %v, want %v", qt.Duration, in.Duration)
	}
	if qt.RequestedBy != in.RequestedBy {
		t.Errorf("RequestedBy = %s, want %s", qt.RequestedBy, in.RequestedBy)
	}
	if !qt.Priority {
		t.Error("Priority = false, want true")
	}
}
