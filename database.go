package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
)

// ============================================================================
// Database
// ============================================================================

const (
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDBMigrationFail     = "failed to migrate database: %w"
	MsgDBParseChannelFail  = "failed to parse channel ID '%s': %w"
	MsgDBParseGuildFail    = "failed to parse guild ID '%s': %w"
)

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS voice_queues (
			channel_id TEXT PRIMARY KEY,
			guild_id TEXT NOT NULL,
			last_track_id TEXT,
			last_track_source TEXT,
			wave_status INTEGER DEFAULT 0,
			volume INTEGER DEFAULT 100,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS voice_queue_tracks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			track_id TEXT NOT NULL,
			source TEXT NOT NULL,
			title TEXT,
			artist TEXT,
			media_ref TEXT NOT NULL,
			duration_ms INTEGER DEFAULT 0,
			requested_by TEXT,
			priority INTEGER DEFAULT 0,
			added_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(channel_id, source, track_id)
		)`,
		`CREATE TABLE IF NOT EXISTS guild_audio_settings (
			guild_id TEXT PRIMARY KEY,
			bass INTEGER DEFAULT 0,
			treble INTEGER DEFAULT 0,
			compressor INTEGER DEFAULT 0,
			lowpass_hz INTEGER DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS play_counts (
			guild_id TEXT NOT NULL,
			source TEXT NOT NULL,
			track_id TEXT NOT NULL,
			title TEXT,
			plays INTEGER DEFAULT 0,
			last_played_at DATETIME,
			PRIMARY KEY (guild_id, source, track_id)
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_tracks_channel ON voice_queue_tracks(channel_id, priority, id)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	migrations := []string{
		"ALTER TABLE voice_queue_tracks ADD COLUMN artist TEXT",
		"ALTER TABLE play_counts ADD COLUMN last_played_at DATETIME",
	}

	for _, m := range migrations {
		if _, err := DB.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf(MsgDBMigrationFail, err)
			}
		}
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Per-guild audio settings ---

type AudioSettings struct {
	Bass       int
	Treble     int
	Compressor bool
	LowpassHz  int
}

func GetAudioSettings(ctx context.Context, guildID snowflake.ID) (AudioSettings, error) {
	var s AudioSettings
	var comp int
	err := DB.QueryRowContext(ctx, `
		SELECT bass, treble, compressor, lowpass_hz FROM guild_audio_settings WHERE guild_id = ?
	`, guildID.String()).Scan(&s.Bass, &s.Treble, &comp, &s.LowpassHz)
	if err == sql.ErrNoRows {
		return AudioSettings{}, nil
	}
	if err != nil {
		return AudioSettings{}, err
	}
	s.Compressor = comp != 0
	return s, nil
}

func SaveAudioSettings(ctx context.Context, guildID snowflake.ID, s AudioSettings) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO guild_audio_settings (guild_id, bass, treble, compressor, lowpass_hz) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			bass = excluded.bass,
			treble = excluded.treble,
			compressor = excluded.compressor,
			lowpass_hz = excluded.lowpass_hz,
			updated_at = CURRENT_TIMESTAMP
	`, guildID.String(), s.Bass, s.Treble, boolToInt(s.Compressor), s.LowpassHz)
	return err
}

// --- Play counts ---

type PlayedTrack struct {
	Source  string
	TrackID string
	Title   string
	Plays   int
}

func TopTracks(ctx context.Context, guildID snowflake.ID, limit int) ([]PlayedTrack, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT source, track_id, title, plays FROM play_counts
		WHERE guild_id = ? ORDER BY plays DESC, last_played_at DESC LIMIT ?
	`, guildID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlayedTrack
	for rows.Next() {
		var t PlayedTrack
		var title sql.NullString
		if err := rows.Scan(&t.Source, &t.TrackID, &title, &t.Plays); err != nil {
			return nil, err
		}
		t.Title = title.String
		out = append(out, t)
	}
	return out, rows.Err()
}
