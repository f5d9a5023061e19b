package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kennygrant/sanitize"
	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/metrics"
)

const (
	// DefaultTTL is used when Options.TTL is zero.
	DefaultTTL = 24 * time.Hour

	stateSuffix = ".json"
	metaSuffix  = ".meta.json"
)

// Options configures a Store.
type Options struct {
	Dir    string
	TTL    time.Duration
	Clock  crawler.Clock
	Logger *zap.Logger
}

// Store keeps one state file and one metadata file per (engine, account).
type Store struct {
	dir    string
	ttl    time.Duration
	clock  crawler.Clock
	logger *zap.Logger

	mu sync.Mutex
}

// NewStore creates the session directory if needed.
func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("session dir is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		return nil, errors.New("session clock is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{
		dir:    opts.Dir,
		ttl:    opts.TTL,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// Save captures the storage state from src and persists it. The browser is
// read before any file lock is taken.
func (s *Store) Save(ctx context.Context, src StateSource, engine, accountID string, extra map[string]string) (bool, error) {
	state, err := src.StorageState(ctx)
	if err != nil {
		return false, fmt.Errorf("read storage state: %w", err)
	}
	return s.SaveState(engine, accountID, state, extra)
}

// SaveState persists an already captured state.
func (s *Store) SaveState(engine, accountID string, state StorageState, extra map[string]string) (bool, error) {
	stem := s.stem(engine, accountID)
	now := s.clock.Now()
	meta := Metadata{
		Engine:      engine,
		AccountID:   accountID,
		SavedAt:     now,
		ExpiresAt:   now.Add(s.ttl),
		CookieCount: len(state.Cookies),
		OriginCount: len(state.Origins),
		Extra:       extra,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSONAtomic(s.statePath(stem), state); err != nil {
		return false, fmt.Errorf("write session state: %w", err)
	}
	if err := writeJSONAtomic(s.metaPath(stem), meta); err != nil {
		return false, fmt.Errorf("write session metadata: %w", err)
	}
	s.logger.Info("session saved",
		zap.String("engine", engine),
		zap.String("account_id", accountID),
		zap.Int("cookies", meta.CookieCount),
		zap.Time("expires_at", meta.ExpiresAt),
	)
	return true, nil
}

// Load returns the saved state when valid. Invalid sessions are deleted.
func (s *Store) Load(engine, accountID string) (*StorageState, bool) {
	stem := s.stem(engine, accountID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.validLocked(stem) {
		_ = s.removeLocked(stem)
		return nil, false
	}
	data, err := os.ReadFile(s.statePath(stem))
	if err != nil {
		s.logger.Warn("session state unreadable", zap.String("session", stem), zap.Error(err))
		_ = s.removeLocked(stem)
		return nil, false
	}
	var state StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("session state corrupt", zap.String("session", stem), zap.Error(err))
		_ = s.removeLocked(stem)
		return nil, false
	}
	return &state, true
}

// IsValid reports whether the session file exists and its TTL has not passed.
func (s *Store) IsValid(engine, accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validLocked(s.stem(engine, accountID))
}

// Delete removes both files. Missing files are not an error.
func (s *Store) Delete(engine, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(s.stem(engine, accountID))
}

// List returns metadata for every saved session, oldest first.
func (s *Store) List() ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stems, err := s.stemsLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(stems))
	for _, stem := range stems {
		meta, err := readMetadata(s.metaPath(stem))
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.Before(out[j].SavedAt) })
	return out, nil
}

// CleanupExpired deletes every invalid session and returns how many were removed.
func (s *Store) CleanupExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stems, err := s.stemsLocked()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, stem := range stems {
		if s.validLocked(stem) {
			continue
		}
		if err := s.removeLocked(stem); err != nil {
			s.logger.Warn("session cleanup failed", zap.String("session", stem), zap.Error(err))
			continue
		}
		removed++
	}
	metrics.ObserveSessionsCleaned(removed)
	if removed > 0 {
		s.logger.Info("expired sessions removed", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *Store) validLocked(stem string) bool {
	info, err := os.Stat(s.statePath(stem))
	if err != nil {
		return false
	}
	now := s.clock.Now()
	meta, err := readMetadata(s.metaPath(stem))
	if err == nil {
		return !meta.Expired(now)
	}
	return now.Sub(info.ModTime()) < s.ttl
}

func (s *Store) removeLocked(stem string) error {
	var errs []error
	for _, path := range []string{s.statePath(stem), s.metaPath(stem)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove session %s: %w", stem, errors.Join(errs...))
	}
	return nil
}

// stemsLocked lists session stems from both state and metadata files so that
// orphans of either kind are visited.
func (s *Store) stemsLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	seen := make(map[string]struct{})
	var stems []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var stem string
		switch {
		case strings.HasSuffix(name, metaSuffix):
			stem = strings.TrimSuffix(name, metaSuffix)
		case strings.HasSuffix(name, stateSuffix):
			stem = strings.TrimSuffix(name, stateSuffix)
		default:
			continue
		}
		if _, ok := seen[stem]; ok {
			continue
		}
		seen[stem] = struct{}{}
		stems = append(stems, stem)
	}
	sort.Strings(stems)
	return stems, nil
}

// stem names the files of one session. Sanitizing can map distinct names to
// the same text, so a short hash of the raw pair keeps stems distinct.
func (s *Store) stem(engine, accountID string) string {
	if accountID == "" {
		accountID = "default"
	}
	sum := xxhash.Sum64String(engine + "\x00" + accountID)
	return fmt.Sprintf("%s_%s_%08x", sanitize.BaseName(engine), sanitize.BaseName(accountID), uint32(sum))
}

func (s *Store) statePath(stem string) string {
	return filepath.Join(s.dir, stem+stateSuffix)
}

func (s *Store) metaPath(stem string) string {
	return filepath.Join(s.dir, stem+metaSuffix)
}

func readMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if meta.ExpiresAt.IsZero() {
		return Metadata{}, fmt.Errorf("decode %s: missing expires_at", filepath.Base(path))
	}
	return meta, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}
