package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/sho0pi/naturaltime"
)

// ===========================
// Command Registration
// ===========================

var sleepParser *naturaltime.Parser

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)

	var err error
	sleepParser, err = naturaltime.New()
	if err != nil {
		LogFatal("Failed to initialize naturaltime parser: %v", err)
	}

	OnClientReady(func(ctx context.Context, client bot.Client) {
		RegisterVoiceStateUpdateHandler(handleBotVoiceState)
		RegisterVoiceServerUpdateHandler(handleVoiceServerUpdate)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "voice",
		Description: "Voice System",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play audio from a URL or search",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "next",
						Description: "Jump the queue and play right after the current track",
						Required:    false,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "radio",
						Description: "Keep playing related tracks when the queue runs out",
						Required:    false,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "loop",
						Description: "Loop the playback",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause or resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop audio, clear the queue and leave",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Adjust the volume of the current session",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "set",
						Description: "Volume percentage (clamped to the configured maximum)",
						Required:    true,
						MinValue:    intPtr(0),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "bass",
				Description: "Boost or cut the low end",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "gain",
						Description: "Gain in dB (-10 to 10)",
						Required:    true,
						MinValue:    intPtr(-10),
						MaxValue:    intPtr(10),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "treble",
				Description: "Boost or cut the high end",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "gain",
						Description: "Gain in dB (-10 to 10)",
						Required:    true,
						MinValue:    intPtr(-10),
						MaxValue:    intPtr(10),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "compressor",
				Description: "Toggle the loudness compressor",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "lowpass",
				Description: "Muffle the audio above a cutoff frequency",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "cutoff",
						Description: "Cutoff in Hz (0 disables)",
						Required:    true,
						MinValue:    intPtr(0),
						MaxValue:    intPtr(20000),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "loop",
				Description: "Toggle looping the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "radio",
				Description: "Toggle radio mode (related tracks after the queue)",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "sleep",
				Description: "Stop playback at a time",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "when",
						Description: "When to stop (e.g. 'in 30 minutes', 'off')",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "top",
				Description: "Show the most played tracks in this server",
			},
		},
	}, handleVoice)

	RegisterAutocompleteHandler("voice", handleVoiceAutocomplete)
}

func handleVoice(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	if event.GuildID() == nil {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent("This command can only be used in a server.").SetEphemeral(true).Build())
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleVoicePlay(event, data)
	case "skip":
		handleVoiceSkip(event)
	case "pause":
		handleVoicePause(event)
	case "stop":
		handleVoiceStop(event)
	case "queue":
		handleVoiceQueue(event)
	case "volume":
		handleVoiceVolume(event, data)
	case "bass":
		handleVoiceBass(event, data)
	case "treble":
		handleVoiceTreble(event, data)
	case "compressor":
		handleVoiceCompressor(event)
	case "lowpass":
		handleVoiceLowPass(event, data)
	case "loop":
		handleVoiceLoop(event)
	case "radio":
		handleVoiceRadio(event)
	case "sleep":
		handleVoiceSleep(event, data)
	case "top":
		handleVoiceTop(event)
	}
}

// ===========================
// Handlers
// ===========================

func requireEngine(event *events.ApplicationCommandInteractionCreate) *PlaybackEngine {
	e := Engines().Get(*event.GuildID())
	if e == nil {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent("Not playing anything.").SetEphemeral(true).Build())
	}
	return e
}

func handleVoicePlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query, _ := data.OptString("query")
	next, _ := data.OptBool("next")
	radio, _ := data.OptBool("radio")
	loop, _ := data.OptBool("loop")

	_ = event.DeferCreateMessage(false)
	if err := startPlayback(event, query, next, radio, loop); err != nil {
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.NewMessageUpdateBuilder().SetContent("Failed: "+err.Error()).Build())
	}
}

// startPlayback resolves the query and starts or queues every resolved track.
func startPlayback(event *events.ApplicationCommandInteractionCreate, query string, next, radio, loop bool) error {
	guildID := *event.GuildID()
	LogVoice("User %s (%s) requested playback: %s", event.User().Username, event.User().ID, query)

	vs, ok := event.Client().Caches.VoiceState(guildID, event.User().ID)
	if !ok || vs.ChannelID == nil {
		return errors.New("user not in a voice channel")
	}

	e := Engines().GetOrCreate(guildID)
	ctx, cancel := context.WithTimeout(AppContext, 30*time.Second)
	defer cancel()

	if err := e.Connect(ctx, *vs.ChannelID); err != nil {
		return fmt.Errorf("failed to join voice channel: %w", err)
	}

	if radio {
		if !e.Wave() {
			_, _ = e.ToggleWave(ctx)
		}
	}
	if loop && !e.Loop() {
		e.ToggleLoop()
	}

	tracks, err := Engines().Resolver().Resolve(ctx, query)
	if err != nil {
		if errors.Is(err, ErrUnsupportedURL) {
			return errors.New("that URL is not from a supported source")
		}
		if errors.Is(err, ErrNoResults) {
			return errors.New("no results found")
		}
		return err
	}

	requester := event.User().ID
	queued := 0
	dupes := 0
	var started *Track
	for i := range tracks {
		t := tracks[i]
		t.RequestedBy = requester
		wasQueued, err := e.PlayOrQueue(ctx, t, next)
		if err != nil {
			if errors.Is(err, ErrDuplicateTrack) {
				dupes++
				continue
			}
			return err
		}
		if wasQueued {
			queued++
		} else {
			started = &t
		}
	}

	var sb strings.Builder
	if started != nil {
		sb.WriteString(fmt.Sprintf("🎶 Playing **%s**", started.DisplayTitle()))
	}
	if queued > 0 {
		if sb.Len() > 0 {
			sb.WriteString(fmt.Sprintf(" (+%d queued)", queued))
		} else {
			sb.WriteString(fmt.Sprintf("➕ Queued **%d** track(s)", queued))
		}
	}
	if dupes > 0 {
		sb.WriteString(fmt.Sprintf("\n%d duplicate(s) skipped", dupes))
	}
	if sb.Len() == 0 {
		sb.WriteString("Nothing new to play.")
	}

	_, err = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdateBuilder().SetContent(sb.String()).Build())
	return err
}

func handleVoiceSkip(event *events.ApplicationCommandInteractionCreate) {
	e := requireEngine(event)
	if e == nil {
		return
	}
	if err := e.Skip(); err != nil {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent("Nothing to skip.").SetEphemeral(true).Build())
		return
	}

	ctx, cancel := context.WithTimeout(AppContext, 3*time.Second)
	defer cancel()

	msg := "⏩ Skipped."
	if next, err := e.NextUp(ctx); err == nil {
		msg = fmt.Sprintf("⏩ Skipped. Up next: **%s**", next.DisplayTitle())
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(msg).Build())
}

func handleVoicePause(event *events.ApplicationCommandInteractionCreate) {
	e := requireEngine(event)
	if e == nil {
		return
	}
	paused, err := e.TogglePause()
	if err != nil {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent("Nothing to pause.").SetEphemeral(true).Build())
		return
	}
	msg := "▶️ Resumed."
	if paused {
		msg = "⏸️ Paused."
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(msg).Build())
}

func handleVoiceStop(event *events.ApplicationCommandInteractionCreate) {
	LogVoice("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, *event.GuildID())
	// An explicit stop empties the durable queue; engine teardown alone
	// keeps it so queues survive restarts and dropped connections.
	if e := Engines().Get(*event.GuildID()); e != nil {
		e.Stop(AppContext)
	}
	Engines().Remove(AppContext, *event.GuildID())
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent("🛑 Stopped and disconnected.").Build())
}

func handleVoiceQueue(event *events.ApplicationCommandInteractionCreate) {
	e := requireEngine(event)
	if e == nil {
		return
	}

	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	var sb strings.Builder
	if cur, err := e.NowPlaying(); err == nil {
		sb.WriteString("▶️ **Now Playing:**\n")
		sb.WriteString(fmt.Sprintf("[%s](%s) | %s\n\n", cur.DisplayTitle(), cur.MediaRef, FormatTrackDuration(cur.Duration)))
	}

	sb.WriteString("**Queue:**\n")
	tracks, err := e.Queue(ctx)
	if err != nil || len(tracks) == 0 {
		sb.WriteString("_Empty_")
	} else {
		for i, t := range tracks {
			if i >= 10 {
				sb.WriteString(fmt.Sprintf("\n*...and %d more*", len(tracks)-10))
				break
			}
			marker := ""
			if t.Priority {
				marker = " ⏫"
			}
			sb.WriteString(fmt.Sprintf("`%d.` [%s](%s)%s\n", i+1, t.DisplayTitle(), t.MediaRef, marker))
		}
	}

	if e.Wave() {
		sb.WriteString("\n\n📻 **Radio:** Enabled")
	}
	if e.Loop() {
		sb.WriteString("\n🔁 **Loop:** Enabled")
	}

	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(sb.String()).
		SetEphemeral(true).
		Build())
}

func handleVoiceVolume(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	e := requireEngine(event)
	if e == nil {
		return
	}
	vol := data.Int("set")
	if err := e.SetVolume(AppContext, vol); err != nil {
		LogVoice("Failed to persist volume in guild %s: %v", *event.GuildID(), err)
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(fmt.Sprintf("🔊 Volume set to **%d%%**.", e.Volume())).Build())
}

func handleVoiceBass(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	e := requireEngine(event)
	if e == nil {
		return
	}
	gain := data.Int("gain")
	if err := e.SetBass(AppContext, gain); err != nil {
		LogVoice("Failed to persist bass in guild %s: %v", *event.GuildID(), err)
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(fmt.Sprintf("🎚️ Bass set to **%+d dB**.", e.Settings().Bass)).Build())
}

func handleVoiceTreble(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	e := requireEngine(event)
	if e == nil {
		return
	}
	gain := data.Int("gain")
	if err := e.SetTreble(AppContext, gain); err != nil {
		LogVoice("Failed to persist treble in guild %s: %v", *event.GuildID(), err)
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(fmt.Sprintf("🎚️ Treble set to **%+d dB**.", e.Settings().Treble)).Build())
}

func handleVoiceCompressor(event *events.ApplicationCommandInteractionCreate) {
	e := requireEngine(event)
	if e == nil {
		return
	}
	on := !e.Settings().Compressor
	if err := e.SetCompressor(AppContext, on); err != nil {
		LogVoice("Failed to persist compressor in guild %s: %v", *event.GuildID(), err)
	}
	msg := "🎚️ Compressor **off**."
	if on {
		msg = "🎚️ Compressor **on**."
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(msg).Build())
}

func handleVoiceLowPass(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	e := requireEngine(event)
	if e == nil {
		return
	}
	cutoff := data.Int("cutoff")
	if err := e.SetLowPass(AppContext, cutoff); err != nil {
		LogVoice("Failed to persist lowpass in guild %s: %v", *event.GuildID(), err)
	}
	if e.Settings().LowpassHz == 0 {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent("🎚️ Low-pass filter **off**.").Build())
		return
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(fmt.Sprintf("🎚️ Low-pass cutoff at **%d Hz**.", e.Settings().LowpassHz)).Build())
}

func handleVoiceLoop(event *events.ApplicationCommandInteractionCreate) {
	e := requireEngine(event)
	if e == nil {
		return
	}
	msg := "🔁 Loop **off**."
	if e.ToggleLoop() {
		msg = "🔁 Loop **on**."
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(msg).Build())
}

func handleVoiceRadio(event *events.ApplicationCommandInteractionCreate) {
	e := requireEngine(event)
	if e == nil {
		return
	}
	wave, err := e.ToggleWave(AppContext)
	if err != nil {
		LogVoice("Failed to persist radio mode in guild %s: %v", *event.GuildID(), err)
	}
	msg := "📻 Radio **off**."
	if wave {
		msg = "📻 Radio **on**. Related tracks will keep playing when the queue runs out."
	}
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent(msg).Build())
}

func handleVoiceSleep(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	e := requireEngine(event)
	if e == nil {
		return
	}
	when, _ := data.OptString("when")

	if strings.EqualFold(strings.TrimSpace(when), "off") {
		e.SetSleep(time.Time{})
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent("💤 Sleep timer cleared.").Build())
		return
	}

	now := time.Now()
	result, err := sleepParser.ParseDate(when, now)
	if err != nil || result == nil {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent("Failed to parse the time. Try formats like 'in 30 minutes' or '11pm'.").SetEphemeral(true).Build())
		return
	}
	if !result.After(now) {
		_ = event.CreateMessage(discord.NewMessageCreateBuilder().SetContent("The sleep time must be in the future.").SetEphemeral(true).Build())
		return
	}

	e.SetSleep(*result)
	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(fmt.Sprintf("💤 Stopping playback <t:%d:R>.", result.Unix())).
		Build())
}

func handleVoiceTop(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(true)

	ctx, cancel := context.WithTimeout(AppContext, 5*time.Second)
	defer cancel()

	top, err := TopTracks(ctx, *event.GuildID(), 10)
	if err != nil || len(top) == 0 {
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
			discord.NewMessageUpdateBuilder().SetContent("No playback history yet.").Build())
		return
	}

	var sb strings.Builder
	sb.WriteString("🏆 **Most played:**\n")
	for i, t := range top {
		title := t.Title
		if title == "" {
			title = t.TrackID
		}
		sb.WriteString(fmt.Sprintf("`%d.` %s (%d plays)\n", i+1, Truncate(title, 80), t.Plays))
	}

	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdateBuilder().SetContent(sb.String()).Build())
}

// ===========================
// Autocomplete
// ===========================

func handleVoiceAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}
	r := Engines().Resolver()
	if r == nil {
		_ = event.AutocompleteResult(nil)
		return
	}

	ctx, cancel := context.WithTimeout(AppContext, 3*time.Second)
	defer cancel()

	var cs []discord.AutocompleteChoice
	for i, t := range r.SearchAll(ctx, q, 6) {
		if i >= 25 {
			break
		}
		n := t.DisplayTitle()
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := t.MediaRef
		if len(v) > 100 {
			v = t.Title
			if len(v) > 100 {
				v = v[:100]
			}
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}

// ===========================
// Gateway events
// ===========================

// handleBotVoiceState reacts only to the bot's own voice state: a nil
// channel means we were kicked or the channel was deleted.
func handleBotVoiceState(event *events.GuildVoiceStateUpdate) {
	if event.VoiceState.UserID != event.Client().ID() {
		return
	}
	if event.VoiceState.ChannelID == nil {
		LogVoice("Bot was disconnected from voice in guild %s", event.VoiceState.GuildID)
		Engines().Remove(AppContext, event.VoiceState.GuildID)
	}
}

func handleVoiceServerUpdate(event *events.VoiceServerUpdate) {
	if e := Engines().Get(event.GuildID); e != nil {
		e.HandleVoiceServerDrop()
	}
}

func intPtr(i int) *int {
	return &i
}
