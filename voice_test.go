package main

import (
	"testing"

	"github.com/disgoorg/disgo/discord"
)

func voiceSubCommand(t *testing.T, name string) discord.ApplicationCommandOptionSubCommand {
	t.Helper()
	for _, cmd := range commands {
		slash, ok := cmd.(discord.SlashCommandCreate)
		if !ok || slash.Name != "voice" {
			continue
		}
		for _, opt := range slash.Options {
			if sub, ok := opt.(discord.ApplicationCommandOptionSubCommand); ok && sub.Name == name {
				return sub
			}
		}
	}
	t.Fatalf("voice subcommand %q not registered", name)
	return discord.ApplicationCommandOptionSubCommand{}
}

func TestVolumeOptionHasNoHardcodedCap(t *testing.T) {
	sub := voiceSubCommand(t, "volume")
	if len(sub.Options) != 1 {
		t.Fatalf("volume subcommand has %d options, want 1", len(sub.Options))
	}
	set, ok := sub.Options[0].(discord.ApplicationCommandOptionInt)
	if !ok || set.Name != "set" {
		t.Fatalf("volume option = %#v, want int option 'set'", sub.Options[0])
	}

	if set.MinValue == nil || *set.MinValue != 0 {
		t.Error("volume option should keep its floor at 0")
	}
	// The ceiling comes from the configured maximum at apply time, so the
	// registered option must not carry its own.
	if set.MaxValue != nil {
		t.Errorf("volume option carries MaxValue %d, want none", *set.MaxValue)
	}
}
