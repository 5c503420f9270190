package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
)

// ============================================================================
// Queue Store
// ============================================================================

const (
	MsgQueueEnqueued    = "Queued [%s] %s (channel: %s, priority: %v)"
	MsgQueueCleared     = "Cleared queue for channel %s (%d tracks)"
	MsgQueueRestored    = "Restored %d queued tracks for channel %s"
	ErrQueueEnqueueFail = "failed to enqueue track: %w"
	ErrQueueDequeueFail = "failed to dequeue track: %w"
	ErrQueueLoadFail    = "failed to load queue: %w"
)

var (
	ErrQueueEmpty     = errors.New("queue is empty")
	ErrDuplicateTrack = errors.New("track is already queued")
)

// QueuedTrack is a Track plus its position metadata inside a channel queue.
type QueuedTrack struct {
	Track
	Priority bool
	AddedAt  time.Time
}

// ChannelState is the per-channel playback record that survives restarts.
type ChannelState struct {
	ChannelID       snowflake.ID
	GuildID         snowflake.ID
	LastTrackID     string
	LastTrackSource string
	Wave            bool
	Volume          int
}

// QueueStore keeps one durable FIFO (with a priority lane) per voice channel.
// Mutations are serialized per channel and hit sqlite first; the in-memory
// cache is only invalidated after the write commits.
type QueueStore struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[snowflake.ID]*sync.Mutex

	cacheMu sync.RWMutex
	cache   map[snowflake.ID][]QueuedTrack
}

func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{
		db:    db,
		locks: make(map[snowflake.ID]*sync.Mutex),
		cache: make(map[snowflake.ID][]QueuedTrack),
	}
}

func (qs *QueueStore) channelLock(channelID snowflake.ID) *sync.Mutex {
	qs.locksMu.Lock()
	defer qs.locksMu.Unlock()
	if l, ok := qs.locks[channelID]; ok {
		return l
	}
	l := &sync.Mutex{}
	qs.locks[channelID] = l
	return l
}

func (qs *QueueStore) invalidate(channelID snowflake.ID) {
	qs.cacheMu.Lock()
	delete(qs.cache, channelID)
	qs.cacheMu.Unlock()
}

// Enqueue appends a track to the channel queue. A track already present in
// the queue (same source and track ID) is rejected with ErrDuplicateTrack.
func (qs *QueueStore) Enqueue(ctx context.Context, guildID, channelID snowflake.ID, t Track, priority bool) error {
	l := qs.channelLock(channelID)
	l.Lock()
	defer l.Unlock()

	tx, err := qs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf(ErrQueueEnqueueFail, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO voice_queue_tracks (channel_id, guild_id, track_id, source, title, artist, media_ref, duration_ms, requested_by, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, channelID.String(), guildID.String(), t.TrackID, t.Source, t.Title, t.Artist, t.MediaRef, t.Duration.Milliseconds(), t.RequestedBy.String(), boolToInt(priority))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateTrack
		}
		return fmt.Errorf(ErrQueueEnqueueFail, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO voice_queues (channel_id, guild_id) VALUES (?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
	`, channelID.String(), guildID.String())
	if err != nil {
		return fmt.Errorf(ErrQueueEnqueueFail, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf(ErrQueueEnqueueFail, err)
	}

	qs.invalidate(channelID)
	LogQueue(MsgQueueEnqueued, t.Source, Truncate(t.Title, 60), channelID, priority)
	return nil
}

// DequeueNext removes and returns the head of the queue: priority lane first,
// then the main lane, FIFO within each by insertion order.
func (qs *QueueStore) DequeueNext(ctx context.Context, channelID snowflake.ID) (*QueuedTrack, error) {
	l := qs.channelLock(channelID)
	l.Lock()
	defer l.Unlock()

	tx, err := qs.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf(ErrQueueDequeueFail, err)
	}
	defer tx.Rollback()

	var (
		rowID      int64
		qt         QueuedTrack
		durationMs int64
		reqBy      sql.NullString
		prio       int
		addedAt    sql.NullTime
		artist     sql.NullString
		title      sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, track_id, source, title, artist, media_ref, duration_ms, requested_by, priority, added_at
		FROM voice_queue_tracks WHERE channel_id = ?
		ORDER BY priority DESC, id ASC LIMIT 1
	`, channelID.String()).Scan(&rowID, &qt.TrackID, &qt.Source, &title, &artist, &qt.MediaRef, &durationMs, &reqBy, &prio, &addedAt)
	if err == sql.ErrNoRows {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf(ErrQueueDequeueFail, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM voice_queue_tracks WHERE id = ?", rowID); err != nil {
		return nil, fmt.Errorf(ErrQueueDequeueFail, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf(ErrQueueDequeueFail, err)
	}

	qt.Title = title.String
	qt.Artist = artist.String
	qt.Duration = time.Duration(durationMs) * time.Millisecond
	qt.Priority = prio != 0
	qt.AddedAt = addedAt.Time
	if reqBy.Valid {
		if id, perr := snowflake.Parse(reqBy.String); perr == nil {
			qt.RequestedBy = id
		}
	}

	qs.invalidate(channelID)
	return &qt, nil
}

// PeekNext returns the track DequeueNext would hand out, without removing
// it. Returns ErrQueueEmpty when the channel has nothing queued.
func (qs *QueueStore) PeekNext(ctx context.Context, channelID snowflake.ID) (*Track, error) {
	tracks, err := qs.Tracks(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, ErrQueueEmpty
	}
	head := tracks[0].Track
	return &head, nil
}

// Tracks returns the channel queue in dequeue order, served from cache when warm.
func (qs *QueueStore) Tracks(ctx context.Context, channelID snowflake.ID) ([]QueuedTrack, error) {
	qs.cacheMu.RLock()
	if cached, ok := qs.cache[channelID]; ok {
		out := make([]QueuedTrack, len(cached))
		copy(out, cached)
		qs.cacheMu.RUnlock()
		return out, nil
	}
	qs.cacheMu.RUnlock()

	rows, err := qs.db.QueryContext(ctx, `
		SELECT track_id, source, title, artist, media_ref, duration_ms, requested_by, priority, added_at
		FROM voice_queue_tracks WHERE channel_id = ?
		ORDER BY priority DESC, id ASC
	`, channelID.String())
	if err != nil {
		return nil, fmt.Errorf(ErrQueueLoadFail, err)
	}
	defer rows.Close()

	var tracks []QueuedTrack
	for rows.Next() {
		var (
			qt         QueuedTrack
			durationMs int64
			reqBy      sql.NullString
			prio       int
			addedAt    sql.NullTime
			artist     sql.NullString
			title      sql.NullString
		)
		if err := rows.Scan(&qt.TrackID, &qt.Source, &title, &artist, &qt.MediaRef, &durationMs, &reqBy, &prio, &addedAt); err != nil {
			return nil, fmt.Errorf(ErrQueueLoadFail, err)
		}
		qt.Title = title.String
		qt.Artist = artist.String
		qt.Duration = time.Duration(durationMs) * time.Millisecond
		qt.Priority = prio != 0
		qt.AddedAt = addedAt.Time
		if reqBy.Valid {
			if id, perr := snowflake.Parse(reqBy.String); perr == nil {
				qt.RequestedBy = id
			}
		}
		tracks = append(tracks, qt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf(ErrQueueLoadFail, err)
	}

	qs.cacheMu.Lock()
	cached := make([]QueuedTrack, len(tracks))
	copy(cached, tracks)
	qs.cache[channelID] = cached
	qs.cacheMu.Unlock()

	return tracks, nil
}

// Count returns the number of queued tracks without forcing a full load.
func (qs *QueueStore) Count(ctx context.Context, channelID snowflake.ID) (int, error) {
	qs.cacheMu.RLock()
	if cached, ok := qs.cache[channelID]; ok {
		n := len(cached)
		qs.cacheMu.RUnlock()
		return n, nil
	}
	qs.cacheMu.RUnlock()

	var n int
	err := qs.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM voice_queue_tracks WHERE channel_id = ?", channelID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf(ErrQueueLoadFail, err)
	}
	return n, nil
}

// Clear wipes the channel queue.
func (qs *QueueStore) Clear(ctx context.Context, channelID snowflake.ID) error {
	l := qs.channelLock(channelID)
	l.Lock()
	defer l.Unlock()

	res, err := qs.db.ExecContext(ctx, "DELETE FROM voice_queue_tracks WHERE channel_id = ?", channelID.String())
	if err != nil {
		return fmt.Errorf(ErrQueueEnqueueFail, err)
	}
	n, _ := res.RowsAffected()

	qs.invalidate(channelID)
	if n > 0 {
		LogQueue(MsgQueueCleared, channelID, n)
	}
	return nil
}

// --- Channel state ---

func (qs *QueueStore) ChannelState(ctx context.Context, channelID snowflake.ID) (*ChannelState, error) {
	var (
		st      ChannelState
		guildID string
		lastID  sql.NullString
		lastSrc sql.NullString
		wave    int
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT guild_id, last_track_id, last_track_source, wave_status, volume
		FROM voice_queues WHERE channel_id = ?
	`, channelID.String()).Scan(&guildID, &lastID, &lastSrc, &wave, &st.Volume)
	if err == sql.ErrNoRows {
		return &ChannelState{ChannelID: channelID, Volume: 100}, nil
	}
	if err != nil {
		return nil, fmt.Errorf(ErrQueueLoadFail, err)
	}

	st.ChannelID = channelID
	if id, perr := snowflake.Parse(guildID); perr == nil {
		st.GuildID = id
	}
	st.LastTrackID = lastID.String
	st.LastTrackSource = lastSrc.String
	st.Wave = wave != 0
	return &st, nil
}

// SetLastPlayed records the most recent track for a channel and bumps its
// guild-wide play count in the same transaction.
func (qs *QueueStore) SetLastPlayed(ctx context.Context, guildID, channelID snowflake.ID, t Track) error {
	tx, err := qs.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO voice_queues (channel_id, guild_id, last_track_id, last_track_source)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			last_track_id = excluded.last_track_id,
			last_track_source = excluded.last_track_source,
			updated_at = CURRENT_TIMESTAMP
	`, channelID.String(), guildID.String(), t.TrackID, t.Source)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO play_counts (guild_id, source, track_id, title, plays, last_played_at)
		VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(guild_id, source, track_id) DO UPDATE SET
			plays = plays + 1,
			title = excluded.title,
			last_played_at = CURRENT_TIMESTAMP
	`, guildID.String(), t.Source, t.TrackID, t.Title)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (qs *QueueStore) SetWave(ctx context.Context, guildID, channelID snowflake.ID, enabled bool) error {
	_, err := qs.db.ExecContext(ctx, `
		INSERT INTO voice_queues (channel_id, guild_id, wave_status) VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET wave_status = excluded.wave_status, updated_at = CURRENT_TIMESTAMP
	`, channelID.String(), guildID.String(), boolToInt(enabled))
	return err
}

func (qs *QueueStore) SetVolume(ctx context.Context, guildID, channelID snowflake.ID, volume int) error {
	_, err := qs.db.ExecContext(ctx, `
		INSERT INTO voice_queues (channel_id, guild_id, volume) VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET volume = excluded.volume, updated_at = CURRENT_TIMESTAMP
	`, channelID.String(), guildID.String(), volume)
	return err
}
