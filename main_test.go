package main

import (
	"os"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	SetSilentMode(true)
	GlobalConfig = &Config{
		Token:       "test-token",
		MaxVolume:   200,
		IdleTimeout: 2 * time.Minute,
	}
	os.Exit(m.Run())
}
