package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakePlugin is a scriptable SourcePlugin for resolver tests.
type fakePlugin struct {
	name        string
	urlPrefix   string
	tracks      []Track
	searchErr   error
	resolveErr  error
	urlEmpty    bool
	searchDelay time.Duration
	searchCalls atomic.Int32
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) MatchesURL(rawURL string) bool {
	return p.urlPrefix != "" && strings.Contains(rawURL, p.urlPrefix)
}

func (p *fakePlugin) ResolveURL(ctx context.Context, rawURL string) ([]Track, error) {
	if p.resolveErr != nil {
		return nil, p.resolveErr
	}
	if p.urlEmpty {
		return nil, nil
	}
	return p.tracks, nil
}

func (p *fakePlugin) Search(ctx context.Context, query string, limit int) ([]Track, error) {
	p.searchCalls.Add(1)
	if p.searchDelay > 0 {
		time.Sleep(p.searchDelay)
	}
	if p.searchErr != nil {
		return nil, p.searchErr
	}
	return p.tracks, nil
}

func fakeTracks(source string, ids ...string) []Track {
	var out []Track
	for _, id := range ids {
		out = append(out, Track{TrackID: id, Source: source, Title: "t-" + id, MediaRef: "https://example.com/" + id})
	}
	return out
}

func TestResolveURLRouting(t *testing.T) {
	yt := &fakePlugin{name: "youtube", urlPrefix: "youtube.com", tracks: fakeTracks("youtube", "ytvid")}
	sc := &fakePlugin{name: "soundcloud", urlPrefix: "soundcloud.com", tracks: fakeTracks("soundcloud", "scvid")}
	r := NewTrackResolver(context.Background(), yt, sc)

	tracks, err := r.Resolve(context.Background(), "https://soundcloud.com/artist/track")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(tracks) != 1 || tracks[0].Source != "soundcloud" {
		t.Errorf("Resolve routed to %v, want soundcloud", tracks)
	}
}

func TestResolveUnsupportedURL(t *testing.T) {
	yt := &fakePlugin{name: "youtube", urlPrefix: "youtube.com"}
	r := NewTrackResolver(context.Background(), yt)

	_, err := r.Resolve(context.Background(), "https://vimeo.com/12345")
	if !errors.Is(err, ErrUnsupportedURL) {
		t.Errorf("Resolve unknown URL = %v, want ErrUnsupportedURL", err)
	}
}

func TestResolveURLWithoutTracksFallsBackToSearch(t *testing.T) {
	// A dead video link resolves to zero tracks; the raw query should then
	// be searched by name instead of failing outright.
	yt := &fakePlugin{name: "youtube", urlPrefix: "youtube.com", urlEmpty: true, tracks: fakeTracks("youtube", "s1")}
	r := NewTrackResolver(context.Background(), yt)

	tracks, err := r.Resolve(context.Background(), "https://www.youtube.com/watch?v=gone")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(tracks) != 1 || tracks[0].TrackID != "s1" {
		t.Errorf("Resolve = %v, want search result s1", tracks)
	}
	if yt.searchCalls.Load() == 0 {
		t.Error("plugin was never searched by name")
	}
}

func TestResolveURLHardFailureDoesNotSearch(t *testing.T) {
	wantErr := errors.New("DRM protected")
	yt := &fakePlugin{name: "youtube", urlPrefix: "youtube.com", resolveErr: wantErr, tracks: fakeTracks("youtube", "s1")}
	r := NewTrackResolver(context.Background(), yt)

	_, err := r.Resolve(context.Background(), "https://www.youtube.com/watch?v=locked")
	if !errors.Is(err, wantErr) {
		t.Errorf("Resolve = %v, want %v", err, wantErr)
	}
	if yt.searchCalls.Load() != 0 {
		t.Error("hard URL failure should not fall back to search")
	}
}

func TestResolveEmptyQuery(t *testing.T) {
	r := NewTrackResolver(context.Background())
	if _, err := r.Resolve(context.Background(), "   "); !errors.Is(err, ErrNoResults) {
		t.Errorf("Resolve empty query = %v, want ErrNoResults", err)
	}
}

func TestResolveSearchPriorityOrder(t *testing.T) {
	first := &fakePlugin{name: "ytmusic", tracks: fakeTracks("ytmusic", "m1")}
	second := &fakePlugin{name: "youtube", tracks: fakeTracks("youtube", "y1")}
	r := NewTrackResolver(context.Background(), first, second)

	tracks, err := r.Resolve(context.Background(), "some song")
	if err != nil {
		t.Fatal(err)
	}
	if tracks[0].Source != "ytmusic" {
		t.Errorf("search picked %s, want first plugin ytmusic", tracks[0].Source)
	}
	if second.searchCalls.Load() != 0 {
		t.Error("second plugin was consulted even though the first had results")
	}
}

func TestResolveSearchFallsThrough(t *testing.T) {
	failing := &fakePlugin{name: "ytmusic", searchErr: errors.New("upstream broke")}
	empty := &fakePlugin{name: "youtube"}
	working := &fakePlugin{name: "soundcloud", tracks: fakeTracks("soundcloud", "s1")}
	r := NewTrackResolver(context.Background(), failing, empty, working)

	tracks, err := r.Resolve(context.Background(), "some song")
	if err != nil {
		t.Fatal(err)
	}
	if tracks[0].Source != "soundcloud" {
		t.Errorf("search picked %s, want soundcloud after failures", tracks[0].Source)
	}
}

func TestResolveSearchAllFail(t *testing.T) {
	wantErr := errors.New("upstream broke")
	failing := &fakePlugin{name: "ytmusic", searchErr: wantErr}
	r := NewTrackResolver(context.Background(), failing)

	_, err := r.Resolve(context.Background(), "some song")
	if !errors.Is(err, wantErr) {
		t.Errorf("Resolve = %v, want wrapped %v", err, wantErr)
	}
}

func TestSearchCacheHit(t *testing.T) {
	p := &fakePlugin{name: "ytmusic", tracks: fakeTracks("ytmusic", "c1")}
	r := NewTrackResolver(context.Background(), p)

	for range 3 {
		if _, err := r.Resolve(context.Background(), "cached song"); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.searchCalls.Load(); got != 1 {
		t.Errorf("plugin searched %d times, want 1 (cache)", got)
	}

	// Different query misses the cache.
	if _, err := r.Resolve(context.Background(), "other song"); err != nil {
		t.Fatal(err)
	}
	if got := p.searchCalls.Load(); got != 2 {
		t.Errorf("plugin searched %d times after new query, want 2", got)
	}
}

func TestSearchCacheCaseInsensitive(t *testing.T) {
	p := &fakePlugin{name: "ytmusic", tracks: fakeTracks("ytmusic", "c1")}
	r := NewTrackResolver(context.Background(), p)

	if _, err := r.Resolve(context.Background(), "Some Song"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(context.Background(), "some song"); err != nil {
		t.Fatal(err)
	}
	if got := p.searchCalls.Load(); got != 1 {
		t.Errorf("plugin searched %d times, want 1 (case-insensitive key)", got)
	}
}

func TestURLRouteCache(t *testing.T) {
	yt := &fakePlugin{name: "youtube", urlPrefix: "youtube.com", tracks: fakeTracks("youtube", "v1")}
	r := NewTrackResolver(context.Background(), yt)

	if p := r.routeURL("https://www.youtube.com/watch?v=abc"); p == nil || p.Name() != "youtube" {
		t.Fatal("routeURL missed on first lookup")
	}
	r.urlMu.RLock()
	_, cached := r.urlCache["www.youtube.com"]
	r.urlMu.RUnlock()
	if !cached {
		t.Error("route was not cached by host")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"no results", ErrNoResults, false},
		{"unsupported", ErrUnsupportedURL, false},
		{"wrapped unsupported", fmt.Errorf("DRM protected: %w", ErrUnsupportedURL), false},
		{"deadline", context.DeadlineExceeded, true},
		{"rate limited", errors.New("HTTP 429 too many requests"), true},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"refused", errors.New("dial tcp: connection refused"), true},
		{"bad gateway", errors.New("unexpected status 502"), true},
		{"parse error", errors.New("invalid JSON response"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithRetryNonRetryableFailsFast(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "test", func() error {
		calls++
		return errors.New("invalid input")
	})
	if err == nil {
		t.Fatal("withRetry = nil, want error")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 for a non-retryable error", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	start := time.Now()
	err := withRetry(context.Background(), "test", func() error {
		calls++
		return errors.New("request timed out")
	})
	if err == nil {
		t.Fatal("withRetry = nil, want error")
	}
	if calls != retryAttempts {
		t.Errorf("fn called %d times, want %d", calls, retryAttempts)
	}
	// Two backoffs: 1s then 2s.
	if elapsed := time.Since(start); elapsed < 2500*time.Millisecond {
		t.Errorf("retries returned after %v, expected backoff delays", elapsed)
	}
}

func TestWithRetrySucceedsAfterFailure(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "test", func() error {
		calls++
		if calls == 1 {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry = %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := withRetry(ctx, "test", func() error {
		return errors.New("request timed out")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("withRetry = %v, want context deadline during backoff", err)
	}
}

func TestSearchAllMergesAndDedups(t *testing.T) {
	a := &fakePlugin{name: "ytmusic", tracks: fakeTracks("shared", "dup", "m2")}
	b := &fakePlugin{name: "youtube", tracks: fakeTracks("shared", "dup", "y2")}
	r := NewTrackResolver(context.Background(), a, b)

	got := r.SearchAll(context.Background(), "query", 10)
	seen := map[string]int{}
	for _, tr := range got {
		seen[tr.Key()]++
	}
	if seen["shared:dup"] != 1 {
		t.Errorf("duplicate key appeared %d times, want 1", seen["shared:dup"])
	}
	if len(got) != 3 {
		t.Errorf("SearchAll = %d tracks, want 3 after dedup", len(got))
	}
}

func TestSearchAllToleratesStragglers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow straggler test")
	}
	fast := &fakePlugin{name: "ytmusic", tracks: fakeTracks("ytmusic", "f1")}
	slow := &fakePlugin{name: "youtube", searchDelay: 2500 * time.Millisecond, tracks: fakeTracks("youtube", "s1")}
	r := NewTrackResolver(context.Background(), fast, slow)

	got := r.SearchAll(context.Background(), "query", 10)
	if len(got) != 1 || got[0].TrackID != "f1" {
		t.Errorf("SearchAll = %v, want just the fast plugin's result", got)
	}

	// Let the straggler finish writing its slot while the merge is done.
	time.Sleep(400 * time.Millisecond)
}

func TestSearchAllRespectsLimit(t *testing.T) {
	a := &fakePlugin{name: "ytmusic", tracks: fakeTracks("ytmusic", "1", "2", "3", "4", "5")}
	r := NewTrackResolver(context.Background(), a)

	if got := r.SearchAll(context.Background(), "query", 2); len(got) != 2 {
		t.Errorf("SearchAll = %d tracks, want 2", len(got))
	}
}

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://music.youtube.com/watch?v=dQw4w9WgXcQ&list=RDAMVMdQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?v=tooShort", ""},
		{"https://www.youtube.com/playlist?list=PL123", ""},
		{"not a url at all", ""},
	}
	for _, tt := range tests {
		if got := extractVideoID(tt.url); got != tt.want {
			t.Errorf("extractVideoID(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestTrackKeyAndDisplayTitle(t *testing.T) {
	tr := Track{TrackID: "abc", Source: "youtube", Title: "Song", Artist: "Band"}
	if tr.Key() != "youtube:abc" {
		t.Errorf("Key = %q, want youtube:abc", tr.Key())
	}
	if tr.DisplayTitle() != "Song - Band" {
		t.Errorf("DisplayTitle = %q", tr.DisplayTitle())
	}
	tr.Artist = ""
	if tr.DisplayTitle() != "Song" {
		t.Errorf("DisplayTitle without artist = %q", tr.DisplayTitle())
	}
}

func TestPluginLookup(t *testing.T) {
	a := &fakePlugin{name: "ytmusic"}
	r := NewTrackResolver(context.Background(), a)
	if r.Plugin("ytmusic") != a {
		t.Error("Plugin lookup by name failed")
	}
	if r.Plugin("nope") != nil {
		t.Error("Plugin lookup for unknown name should be nil")
	}
}
