package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"golang.org/x/time/rate"
)

// ============================================================================
// Track Resolver
// ============================================================================

const (
	MsgResolverPluginFail   = "Source %s failed for '%s': %v"
	MsgResolverPluginEmpty  = "Source %s returned no results for '%s'"
	MsgResolverResolved     = "Resolved '%s' via %s (%d tracks)"
	MsgResolverURLEmpty     = "URL %s resolved to no tracks, searching by name"
	MsgResolverRefreshed    = "Refreshed stale search cache for '%s' (%s)"
	MsgResolverRetry        = "Retrying %s (attempt %d/%d): %v"
	ErrResolverNoPluginFmt  = "no source handles URL %s: %w"
	ErrResolverAllFailedFmt = "all sources failed for '%s': %w"
)

var (
	ErrNoResults      = errors.New("no results found")
	ErrUnsupportedURL = errors.New("unsupported URL")
)

// Track is a playable item as produced by a source plugin. MediaRef is the
// page URL yt-dlp streams from; TrackID is the source-native identifier used
// for queue dedup.
type Track struct {
	TrackID     string
	Source      string
	Title       string
	Artist      string
	MediaRef    string
	Duration    time.Duration
	RequestedBy snowflake.ID
}

func (t Track) Key() string {
	return t.Source + ":" + t.TrackID
}

func (t Track) DisplayTitle() string {
	if t.Artist != "" {
		return t.Title + " - " + t.Artist
	}
	return t.Title
}

// SourcePlugin is one upstream catalog. ResolveURL handles URLs the plugin
// claims via MatchesURL (playlists may return several tracks); Search handles
// free-text queries.
type SourcePlugin interface {
	Name() string
	MatchesURL(rawURL string) bool
	ResolveURL(ctx context.Context, rawURL string) ([]Track, error)
	Search(ctx context.Context, query string, limit int) ([]Track, error)
}

// Recommender is implemented by plugins that can suggest a related track for
// wave mode. Plugins without it simply never feed the wave.
type Recommender interface {
	Related(ctx context.Context, seed Track, excludeIDs []string) (*Track, error)
}

// --- Retry ---

const (
	retryAttempts = 3
	retryBase     = 1 * time.Second
	retryFactor   = 2
	retryCap      = 5 * time.Second
)

// isRetryable reports whether an upstream failure is worth another attempt.
// Parse failures, DRM refusals and empty results are final.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNoResults) || errors.Is(err, ErrUnsupportedURL) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"429", "rate limit", "timed out", "timeout", "connection reset", "connection refused", "temporarily", "502", "503", "tls handshake"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func withRetry(ctx context.Context, label string, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) || attempt == retryAttempts {
			return err
		}
		LogResolver(MsgResolverRetry, label, attempt, retryAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= retryFactor
		if delay > retryCap {
			delay = retryCap
		}
	}
	return err
}

// --- Caches ---

const (
	urlCacheTTL          = 1 * time.Hour
	searchCacheTTL       = 10 * time.Minute
	searchRefreshWindow  = 2 * time.Minute
	resolverCacheGCEvery = 10 * time.Minute
)

type urlCacheEntry struct {
	plugin    string
	expiresAt time.Time
}

type searchCacheEntry struct {
	tracks    []Track
	expiresAt time.Time
}

// TrackResolver routes URLs to a single plugin and fans free-text queries
// across plugins in fixed priority order.
type TrackResolver struct {
	plugins  []SourcePlugin
	limiters map[string]*rate.Limiter

	urlMu    sync.RWMutex
	urlCache map[string]urlCacheEntry

	searchMu    sync.RWMutex
	searchCache map[string]searchCacheEntry
	refreshing  map[string]bool
}

func NewTrackResolver(ctx context.Context, plugins ...SourcePlugin) *TrackResolver {
	r := &TrackResolver{
		plugins:     plugins,
		limiters:    make(map[string]*rate.Limiter),
		urlCache:    make(map[string]urlCacheEntry),
		searchCache: make(map[string]searchCacheEntry),
		refreshing:  make(map[string]bool),
	}
	for _, p := range plugins {
		// 2 searches/sec sustained per source, small burst
		r.limiters[p.Name()] = rate.NewLimiter(rate.Every(500*time.Millisecond), 4)
	}
	safeGo(func() { r.cacheGC(ctx) })
	return r
}

func (r *TrackResolver) cacheGC(ctx context.Context) {
	ticker := time.NewTicker(resolverCacheGCEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			r.urlMu.Lock()
			for k, v := range r.urlCache {
				if now.After(v.expiresAt) {
					delete(r.urlCache, k)
				}
			}
			r.urlMu.Unlock()
			r.searchMu.Lock()
			for k, v := range r.searchCache {
				if now.After(v.expiresAt) {
					delete(r.searchCache, k)
				}
			}
			r.searchMu.Unlock()
		}
	}
}

func (r *TrackResolver) Plugins() []SourcePlugin {
	return r.plugins
}

func (r *TrackResolver) Plugin(name string) SourcePlugin {
	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func looksLikeURL(q string) bool {
	return strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://")
}

// Resolve turns a query (URL or free text) into one or more tracks.
// URLs go to exactly one plugin; text queries walk the plugins in priority
// order and the first non-empty result wins.
func (r *TrackResolver) Resolve(ctx context.Context, query string) ([]Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoResults
	}

	if looksLikeURL(query) {
		tracks, err := r.resolveURL(ctx, query)
		// A URL that routes to a plugin but resolves to nothing falls
		// through to by-name search; unsupported hosts and hard failures
		// surface as-is.
		if err == nil || !errors.Is(err, ErrNoResults) {
			return tracks, err
		}
		LogResolver(MsgResolverURLEmpty, Truncate(query, 80))
	}
	return r.resolveSearch(ctx, query)
}

func (r *TrackResolver) resolveURL(ctx context.Context, rawURL string) ([]Track, error) {
	plugin := r.routeURL(rawURL)
	if plugin == nil {
		return nil, fmt.Errorf(ErrResolverNoPluginFmt, rawURL, ErrUnsupportedURL)
	}

	if err := r.limiters[plugin.Name()].Wait(ctx); err != nil {
		return nil, err
	}

	var tracks []Track
	err := withRetry(ctx, plugin.Name(), func() error {
		var rerr error
		tracks, rerr = plugin.ResolveURL(ctx, rawURL)
		if rerr == nil && len(tracks) == 0 {
			rerr = ErrNoResults
		}
		return rerr
	})
	if err != nil {
		return nil, err
	}

	LogResolver(MsgResolverResolved, Truncate(rawURL, 80), plugin.Name(), len(tracks))
	return tracks, nil
}

// routeURL picks the plugin for a URL, remembering the route by host so
// repeated links skip the pattern walk.
func (r *TrackResolver) routeURL(rawURL string) SourcePlugin {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	r.urlMu.RLock()
	if entry, ok := r.urlCache[host]; ok && time.Now().Before(entry.expiresAt) {
		r.urlMu.RUnlock()
		return r.Plugin(entry.plugin)
	}
	r.urlMu.RUnlock()

	for _, p := range r.plugins {
		if p.MatchesURL(rawURL) {
			r.urlMu.Lock()
			r.urlCache[host] = urlCacheEntry{plugin: p.Name(), expiresAt: time.Now().Add(urlCacheTTL)}
			r.urlMu.Unlock()
			return p
		}
	}
	return nil
}

func (r *TrackResolver) resolveSearch(ctx context.Context, query string) ([]Track, error) {
	var lastErr error
	for _, p := range r.plugins {
		tracks, err := r.searchPlugin(ctx, p, query)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			LogResolver(MsgResolverPluginFail, p.Name(), Truncate(query, 60), err)
			lastErr = err
			continue
		}
		if len(tracks) == 0 {
			LogResolver(MsgResolverPluginEmpty, p.Name(), Truncate(query, 60))
			continue
		}
		LogResolver(MsgResolverResolved, Truncate(query, 60), p.Name(), len(tracks))
		return tracks, nil
	}
	if lastErr == nil {
		lastErr = ErrNoResults
	}
	return nil, fmt.Errorf(ErrResolverAllFailedFmt, Truncate(query, 60), lastErr)
}

// searchPlugin consults the per-(plugin, query) cache first. Entries close to
// expiry are served stale while a background refresh replaces them.
func (r *TrackResolver) searchPlugin(ctx context.Context, p SourcePlugin, query string) ([]Track, error) {
	key := p.Name() + "\x00" + strings.ToLower(query)

	r.searchMu.RLock()
	entry, ok := r.searchCache[key]
	r.searchMu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		if time.Until(entry.expiresAt) < searchRefreshWindow {
			r.refreshAsync(p, query, key)
		}
		out := make([]Track, len(entry.tracks))
		copy(out, entry.tracks)
		return out, nil
	}

	tracks, err := r.fetchSearch(ctx, p, query)
	if err != nil {
		return nil, err
	}

	if len(tracks) > 0 {
		r.searchMu.Lock()
		r.searchCache[key] = searchCacheEntry{tracks: tracks, expiresAt: time.Now().Add(searchCacheTTL)}
		r.searchMu.Unlock()
	}
	return tracks, nil
}

func (r *TrackResolver) refreshAsync(p SourcePlugin, query, key string) {
	r.searchMu.Lock()
	if r.refreshing[key] {
		r.searchMu.Unlock()
		return
	}
	r.refreshing[key] = true
	r.searchMu.Unlock()

	safeGo(func() {
		defer func() {
			r.searchMu.Lock()
			delete(r.refreshing, key)
			r.searchMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		tracks, err := r.fetchSearch(ctx, p, query)
		if err != nil || len(tracks) == 0 {
			return
		}
		r.searchMu.Lock()
		r.searchCache[key] = searchCacheEntry{tracks: tracks, expiresAt: time.Now().Add(searchCacheTTL)}
		r.searchMu.Unlock()
		LogResolver(MsgResolverRefreshed, Truncate(query, 60), p.Name())
	})
}

func (r *TrackResolver) fetchSearch(ctx context.Context, p SourcePlugin, query string) ([]Track, error) {
	if err := r.limiters[p.Name()].Wait(ctx); err != nil {
		return nil, err
	}

	var tracks []Track
	err := withRetry(ctx, p.Name(), func() error {
		var serr error
		tracks, serr = p.Search(ctx, query, 10)
		return serr
	})
	return tracks, err
}

// SearchAll queries every plugin in parallel and merges results in priority
// order, deduplicating by track key. Used by autocomplete where latency
// matters more than plugin order.
func (r *TrackResolver) SearchAll(ctx context.Context, query string, limit int) []Track {
	sctx, cancel := context.WithTimeout(ctx, 2600*time.Millisecond)
	defer cancel()

	// Workers may outlive the timeout below, so every slot access goes
	// through the mutex and the merge works on a snapshot.
	var resultsMu sync.Mutex
	results := make([][]Track, len(r.plugins))
	var wg sync.WaitGroup
	for i, p := range r.plugins {
		wg.Add(1)
		safeGo(func() {
			func(i int, p SourcePlugin) {
				defer wg.Done()
				if tracks, err := r.searchPlugin(sctx, p, query); err == nil {
					resultsMu.Lock()
					results[i] = tracks
					resultsMu.Unlock()
				}
			}(i, p)
		})
	}

	done := make(chan struct{})
	safeGo(func() {
		wg.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2300 * time.Millisecond):
	}

	resultsMu.Lock()
	snapshot := make([][]Track, len(results))
	copy(snapshot, results)
	resultsMu.Unlock()

	seen := make(map[string]bool)
	var merged []Track
	for _, tracks := range snapshot {
		for _, t := range tracks {
			if seen[t.Key()] {
				continue
			}
			seen[t.Key()] = true
			merged = append(merged, t)
			if len(merged) >= limit {
				return merged
			}
		}
	}
	return merged
}

// ============================================================================
// yt-dlp helpers
// ============================================================================

var (
	jsOnce       sync.Once
	cachedJSArgs []string
)

func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}
	return cmd
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "3",
		"--fragment-retries", "3",
	)
	return args
}

type ytdlpPlaylistEntry struct{ URL, Title, Uploader, ID string }

// ytdlpStream pipes the best audio stream for a page URL into out, blocking
// until the stream ends or ctx is cancelled.
func ytdlpStream(ctx context.Context, u string, out io.Writer) (int64, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd := newYtdlp()
	proxy := os.Getenv("YOUTUBE_PROXY")

	args := append(buildYtdlpArgs(), "--ignore-config")
	execCmd := cmd.
		Format("bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best").
		Output("-").
		NoSimulate().
		NoPart().
		NoPlaylist().
		NoCheckCertificates().
		BuildCommand(ctx, append(args, u)...)

	execCmd.Stdout = out
	execCmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if proxy != "" {
		execCmd.Env = append(execCmd.Env, "http_proxy="+proxy, "https_proxy="+proxy, "all_proxy="+proxy)
	}
	execCmd.WaitDelay = 0

	var stderr bytes.Buffer
	execCmd.Stderr = &stderr

	if err := execCmd.Start(); err != nil {
		return 0, err
	}

	if err := execCmd.Wait(); err != nil {
		msg := strings.ToLower(err.Error() + stderr.String())
		if strings.Contains(msg, "broken pipe") || strings.Contains(msg, "signal: killed") {
			return 0, nil
		}
		LogResolver("yt-dlp stream failed: %v, stderr: %s", err, Truncate(stderr.String(), 300))
		return 0, err
	}
	return 0, nil
}

func ytdlpResolveMetadata(ctx context.Context, u string) (title, uploader, id string, d time.Duration, err error) {
	cmd := newYtdlp()

	args := append(buildYtdlpArgs(), "--skip-download")
	res, rerr := cmd.
		Print("%(title)s\t%(uploader)s\t%(duration)s\t%(id)s").
		NoSimulate().
		IgnoreConfig().
		NoWarnings().
		Run(ctx, append(args, u)...)

	if rerr != nil {
		if res != nil && strings.Contains(strings.ToLower(res.Stderr), "drm") {
			return "", "", "", 0, fmt.Errorf("DRM protected: %w", ErrUnsupportedURL)
		}
		return "", "", "", 0, rerr
	}
	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		dur, _ := time.ParseDuration(ps[2] + "s")
		return ps[0], ps[1], ps[3], dur, nil
	}
	return "", "", "", 0, ErrNoResults
}

func ytdlpExtractPlaylist(ctx context.Context, u string, m int) ([]ytdlpPlaylistEntry, error) {
	cmd := newYtdlp()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(id)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, u, "--yes-playlist")...)
	if err != nil {
		return nil, err
	}

	es := make([]ytdlpPlaylistEntry, 0)
	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		id := ps[3]
		if id == "NA" {
			id = ""
		}
		es = append(es, ytdlpPlaylistEntry{URL: ps[0], Title: ps[1], Uploader: ps[2], ID: id})
	}
	return es, nil
}

func ytdlpSearchSoundcloud(ctx context.Context, q string, m int) ([]ytdlpPlaylistEntry, error) {
	cmd := newYtdlp()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(id)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, fmt.Sprintf("scsearch%d:%s", m, q))...)
	if err != nil {
		return nil, err
	}

	es := make([]ytdlpPlaylistEntry, 0)
	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		es = append(es, ytdlpPlaylistEntry{URL: ps[0], Title: ps[1], Uploader: ps[2], ID: ps[3]})
	}
	return es, nil
}

var videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

func extractVideoID(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	if id := parsed.Query().Get("v"); videoIDRe.MatchString(id) {
		return id
	}
	if strings.Contains(parsed.Host, "youtu.be") {
		id := strings.Trim(parsed.Path, "/")
		if videoIDRe.MatchString(id) {
			return id
		}
	}
	if strings.HasPrefix(parsed.Path, "/shorts/") {
		id := strings.TrimPrefix(parsed.Path, "/shorts/")
		if videoIDRe.MatchString(id) {
			return id
		}
	}
	return ""
}

// ============================================================================
// Source Plugins
// ============================================================================

// --- YouTube Music ---

type YTMusicPlugin struct{}

func (p *YTMusicPlugin) Name() string { return "ytmusic" }

func (p *YTMusicPlugin) MatchesURL(rawURL string) bool {
	return strings.Contains(rawURL, "music.youtube.com")
}

func (p *YTMusicPlugin) ResolveURL(ctx context.Context, rawURL string) ([]Track, error) {
	return resolveYouTubeLikeURL(ctx, p.Name(), rawURL)
}

func (p *YTMusicPlugin) Search(ctx context.Context, query string, limit int) ([]Track, error) {
	s := ytmusic.TrackSearch(query)
	r, err := s.Next()
	if err != nil {
		return nil, err
	}

	var tracks []Track
	for _, v := range r.Tracks {
		if v.VideoID == "" {
			continue
		}
		artist := ""
		if len(v.Artists) > 0 {
			artist = v.Artists[0].Name
		}
		tracks = append(tracks, Track{
			TrackID:  v.VideoID,
			Source:   p.Name(),
			Title:    v.Title,
			Artist:   artist,
			MediaRef: "https://music.youtube.com/watch?v=" + v.VideoID,
			Duration: time.Duration(v.Duration) * time.Second,
		})
		if len(tracks) >= limit {
			break
		}
	}
	return tracks, nil
}

func (p *YTMusicPlugin) Related(ctx context.Context, seed Track, excludeIDs []string) (*Track, error) {
	return relatedFromMix(ctx, p.Name(), seed, excludeIDs,
		"https://music.youtube.com/watch?v="+seed.TrackID+"&list=RDAMVM"+seed.TrackID)
}

// --- YouTube ---

type YouTubePlugin struct{}

func (p *YouTubePlugin) Name() string { return "youtube" }

func (p *YouTubePlugin) MatchesURL(rawURL string) bool {
	for _, h := range []string{"www.youtube.com", "youtube.com", "m.youtube.com", "youtu.be"} {
		if strings.Contains(rawURL, h) && !strings.Contains(rawURL, "music.youtube.com") {
			return true
		}
	}
	return false
}

func (p *YouTubePlugin) ResolveURL(ctx context.Context, rawURL string) ([]Track, error) {
	return resolveYouTubeLikeURL(ctx, p.Name(), rawURL)
}

func (p *YouTubePlugin) Search(ctx context.Context, query string, limit int) ([]Track, error) {
	c := ytsearch.NewClient(nil)
	r, err := c.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	var tracks []Track
	for _, v := range r.Results {
		if v.VideoID == "" {
			continue
		}
		tracks = append(tracks, Track{
			TrackID:  v.VideoID,
			Source:   p.Name(),
			Title:    v.Title,
			Artist:   v.Channel,
			MediaRef: "https://www.youtube.com/watch?v=" + v.VideoID,
		})
		if len(tracks) >= limit {
			break
		}
	}
	return tracks, nil
}

func (p *YouTubePlugin) Related(ctx context.Context, seed Track, excludeIDs []string) (*Track, error) {
	t, err := relatedFromMix(ctx, p.Name(), seed, excludeIDs,
		"https://www.youtube.com/watch?v="+seed.TrackID+"&list=RD"+seed.TrackID)
	if err == nil {
		return t, nil
	}

	// Mix playlist came up empty, fall back to a plain search on the seed
	query := seed.Title
	if seed.Artist != "" {
		query += " " + seed.Artist
	}
	results, serr := p.Search(ctx, query, 10)
	if serr != nil {
		return nil, serr
	}
	for _, r := range results {
		if r.TrackID == seed.TrackID || containsStr(excludeIDs, r.TrackID) {
			continue
		}
		return &r, nil
	}
	return nil, ErrNoResults
}

// resolveYouTubeLikeURL handles single videos and list= playlists for both
// YouTube frontends.
func resolveYouTubeLikeURL(ctx context.Context, source, rawURL string) ([]Track, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrUnsupportedURL)
	}

	list := parsed.Query().Get("list")
	if list != "" && !strings.HasPrefix(list, "RD") {
		entries, perr := ytdlpExtractPlaylist(ctx, rawURL, 50)
		if perr != nil {
			return nil, perr
		}
		var tracks []Track
		for _, e := range entries {
			if e.ID == "" {
				continue
			}
			tracks = append(tracks, Track{
				TrackID:  e.ID,
				Source:   source,
				Title:    e.Title,
				Artist:   e.Uploader,
				MediaRef: "https://www.youtube.com/watch?v=" + e.ID,
			})
		}
		return tracks, nil
	}

	id := extractVideoID(rawURL)
	if id == "" {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrUnsupportedURL)
	}

	title, uploader, _, d, merr := ytdlpResolveMetadata(ctx, rawURL)
	if merr != nil {
		return nil, merr
	}
	return []Track{{
		TrackID:  id,
		Source:   source,
		Title:    title,
		Artist:   uploader,
		MediaRef: rawURL,
		Duration: d,
	}}, nil
}

// relatedFromMix walks an auto-generated mix playlist and returns the first
// entry that is neither the seed nor in the exclusion list.
func relatedFromMix(ctx context.Context, source string, seed Track, excludeIDs []string, mixURL string) (*Track, error) {
	entries, err := ytdlpExtractPlaylist(ctx, mixURL, 20)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID == "" || e.ID == seed.TrackID || containsStr(excludeIDs, e.ID) {
			continue
		}
		return &Track{
			TrackID:  e.ID,
			Source:   source,
			Title:    e.Title,
			Artist:   e.Uploader,
			MediaRef: "https://www.youtube.com/watch?v=" + e.ID,
		}, nil
	}
	return nil, ErrNoResults
}

// --- SoundCloud ---

type SoundCloudPlugin struct{}

func (p *SoundCloudPlugin) Name() string { return "soundcloud" }

func (p *SoundCloudPlugin) MatchesURL(rawURL string) bool {
	return strings.Contains(rawURL, "soundcloud.com")
}

func (p *SoundCloudPlugin) ResolveURL(ctx context.Context, rawURL string) ([]Track, error) {
	title, uploader, id, d, err := ytdlpResolveMetadata(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = rawURL
	}
	return []Track{{
		TrackID:  id,
		Source:   p.Name(),
		Title:    title,
		Artist:   uploader,
		MediaRef: rawURL,
		Duration: d,
	}}, nil
}

func (p *SoundCloudPlugin) Search(ctx context.Context, query string, limit int) ([]Track, error) {
	entries, err := ytdlpSearchSoundcloud(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	var tracks []Track
	for _, e := range entries {
		if e.ID == "" || e.URL == "" {
			continue
		}
		tracks = append(tracks, Track{
			TrackID:  e.ID,
			Source:   p.Name(),
			Title:    e.Title,
			Artist:   e.Uploader,
			MediaRef: e.URL,
		})
	}
	return tracks, nil
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
