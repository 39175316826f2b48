package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "ffbot/pkg/logx"
)

const (
	DefaultFeedURL   = "https://nfs.faireconomy.media/ff_calendar_thisweek.json"
	DefaultCachePath = "./cached_events.json"
	DefaultTimeout   = 10 * time.Second

	maxFeedBytes = 16 << 20
)

type Config struct {
	FeedURL   string
	CachePath string
	Timeout   time.Duration
}

// Recorder receives store observations. metrics.Metrics implements it.
type Recorder interface {
	CacheHit()
	FeedFetched(result string, took time.Duration)
	SnapshotLoaded(events int, fetchedAt time.Time)
}

type nopRecorder struct{}

func (nopRecorder) CacheHit()                         {}
func (nopRecorder) FeedFetched(string, time.Duration) {}
func (nopRecorder) SnapshotLoaded(int, time.Time)     {}

// Store is a write-once cache in front of the remote feed.
//
// Once the cache file exists it is returned verbatim on every call and the
// feed is never contacted again. Removing the file (Invalidate, or an operator
// deleting it) is the only way to refresh.
type Store struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
	rec    Recorder

	// mu serialises the miss path so one process fetches at most once per miss.
	mu sync.Mutex
}

type Option func(*Store)

// WithHTTPClient replaces the default client. The client's own timeout is
// left untouched; the configured timeout is still applied per request.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) {
		if c != nil {
			s.client = c
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Store) {
		if r != nil {
			s.rec = r
		}
	}
}

func NewStore(cfg Config, log logx.Logger, opts ...Option) *Store {
	if strings.TrimSpace(cfg.FeedURL) == "" {
		cfg.FeedURL = DefaultFeedURL
	}
	if strings.TrimSpace(cfg.CachePath) == "" {
		cfg.CachePath = DefaultCachePath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
		log:    log,
		rec:    nopRecorder{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// CachePath returns the snapshot location.
func (s *Store) CachePath() string { return s.cfg.CachePath }

// GetEvents returns the cached snapshot, fetching and persisting it first
// when no cache file exists.
func (s *Store) GetEvents(ctx context.Context) (Snapshot, error) {
	if snap, ok, err := s.readCache(); err != nil || ok {
		return snap, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have filled the cache while we waited.
	if snap, ok, err := s.readCache(); err != nil || ok {
		return snap, err
	}

	start := time.Now()
	events, err := s.fetch(ctx)
	if err != nil {
		s.rec.FeedFetched(fetchResult(err), time.Since(start))
		return Snapshot{}, err
	}
	s.rec.FeedFetched("ok", time.Since(start))

	fetchedAt, err := s.writeCache(events)
	if err != nil {
		// Serve this cycle anyway; the next call will try to fetch again.
		s.log.Error("cache write failed", logx.String("path", s.cfg.CachePath), logx.Err(err))
		fetchedAt = time.Now()
	} else {
		s.log.Info("calendar fetched and cached", logx.Int("events", len(events)), logx.String("path", s.cfg.CachePath), logx.Duration("took", time.Since(start)))
	}
	s.rec.SnapshotLoaded(len(events), fetchedAt)
	return Snapshot{Events: events, FetchedAt: fetchedAt}, nil
}

// Invalidate removes the cache file so the next GetEvents fetches again.
// It reports whether a file was removed.
func (s *Store) Invalidate() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.cfg.CachePath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.log.Info("calendar cache invalidated", logx.String("path", s.cfg.CachePath))
	return true, nil
}

func (s *Store) readCache() (Snapshot, bool, error) {
	// Stat the open handle so a concurrent Invalidate cannot remove the file
	// between the stat and the read.
	f, err := os.Open(s.cfg.CachePath)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("calendar: open cache: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("calendar: stat cache: %w", err)
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("calendar: read cache: %w", err)
	}
	var events []Event
	if err := json.Unmarshal(b, &events); err != nil {
		return Snapshot{}, false, fmt.Errorf("calendar: decode cache %s (delete it to refetch): %w", s.cfg.CachePath, err)
	}
	s.rec.CacheHit()
	s.rec.SnapshotLoaded(len(events), st.ModTime())
	return Snapshot{Events: events, FetchedAt: st.ModTime(), FromCache: true}, true, nil
}

// writeCache replaces the snapshot atomically (temp file + rename in the same dir).
func (s *Store) writeCache(events []Event) (time.Time, error) {
	if events == nil {
		events = []Event{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		return time.Time{}, err
	}

	path := s.cfg.CachePath
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return time.Time{}, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return time.Time{}, err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return time.Time{}, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return time.Time{}, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return time.Time{}, err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return time.Time{}, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return time.Time{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return time.Now(), nil
	}
	return st.ModTime(), nil
}

func (s *Store) fetch(ctx context.Context) ([]Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("calendar: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ffbot/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: ErrNetwork, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		s.log.Warn("calendar feed rate limit exceeded", logx.String("url", s.cfg.FeedURL))
		return nil, &FetchError{Kind: ErrRateLimited, StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		s.log.Warn("calendar feed request failed", logx.String("url", s.cfg.FeedURL), logx.Int("status", resp.StatusCode))
		return nil, &FetchError{Kind: ErrUpstream, StatusCode: resp.StatusCode}
	}

	var raw []feedRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBytes)).Decode(&raw); err != nil {
		kind := ErrUpstream
		var ne net.Error
		if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			kind = ErrNetwork
		}
		return nil, &FetchError{Kind: kind, StatusCode: resp.StatusCode, Err: err}
	}

	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		events = append(events, r.event())
	}
	return events, nil
}

func fetchResult(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	default:
		return "error"
	}
}

// feedRecord is one element of the remote JSON array.
type feedRecord struct {
	Title    feedValue `json:"title"`
	Country  feedValue `json:"country"`
	Date     feedValue `json:"date"`
	Time     feedValue `json:"time"`
	Impact   feedValue `json:"impact"`
	Forecast feedValue `json:"forecast"`
	Previous feedValue `json:"previous"`
}

func (r feedRecord) event() Event {
	return Event{
		Title:    r.Title.String(),
		Country:  r.Country.String(),
		Date:     r.Date.String(),
		Time:     r.Time.v,
		Impact:   Impact(r.Impact.String()),
		Forecast: r.Forecast.v,
		Previous: r.Previous.v,
	}
}

// feedValue accepts a JSON string, number or bool and keeps null/missing as nil.
type feedValue struct{ v *string }

func (f *feedValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		f.v = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f.v = &s
		return nil
	}
	s := string(b)
	f.v = &s
	return nil
}

func (f feedValue) String() string {
	if f.v == nil {
		return ""
	}
	return *f.v
}
