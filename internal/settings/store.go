// Package settings holds the user-adjustable sync settings and the cached
// mod manifest, persisted in a bbolt database.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

type SeedingType string

const (
	SeedAlways          SeedingType = "always"
	SeedNever           SeedingType = "never"
	SeedWhileNotPlaying SeedingType = "while_not_playing"
)

func ParseSeedingType(value string) (SeedingType, error) {
	switch st := SeedingType(strings.ToLower(strings.TrimSpace(value))); st {
	case SeedAlways, SeedNever, SeedWhileNotPlaying:
		return st, nil
	default:
		return "", fmt.Errorf("invalid seeding type %q (want always, never or while_not_playing)", value)
	}
}

const (
	KeySeedingType      = "seeding_type"
	KeyMaxUploadSpeed   = "max_upload_speed"
	KeyMaxDownloadSpeed = "max_download_speed"
)

var ErrUnknownKey = errors.New("unknown setting")

// SyncSettings are read by the sync worker and the seeding supervisor.
// Speeds are KiB/s; zero means unlimited.
type SyncSettings struct {
	SeedingType      SeedingType `json:"seeding_type"`
	MaxUploadSpeed   int64       `json:"max_upload_speed"`
	MaxDownloadSpeed int64       `json:"max_download_speed"`
}

func Defaults() SyncSettings {
	return SyncSettings{SeedingType: SeedWhileNotPlaying}
}

// Change describes one applied setting update.
type Change struct {
	Key string
	Old any
	New any
}

var (
	bucketSettings = []byte("settings")
	bucketCache    = []byte("cache")

	keyModDataCache = []byte("mod_data_cache")
)

// Store is safe for concurrent use. Subscribers are notified synchronously
// on the goroutine that applied the change.
type Store struct {
	db *bolt.DB

	mu       sync.RWMutex
	current  SyncSettings
	modCache []byte

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Change)
}

// Open opens the settings database in dir. An empty dir keeps everything in
// memory.
func Open(dir string) (*Store, error) {
	s := &Store{current: Defaults(), subs: map[int]func(Change){}}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(filepath.Join(dir, "settings.db"), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open settings db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSettings, bucketCache} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s.db = db

	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		for _, key := range Keys() {
			raw := b.Get([]byte(key))
			if raw == nil {
				continue
			}
			if _, err := s.applyLocked(key, string(raw)); err != nil {
				return fmt.Errorf("stored setting %s: %w", key, err)
			}
		}
		if v := tx.Bucket(bucketCache).Get(keyModDataCache); v != nil {
			s.modCache = append([]byte(nil), v...)
		}
		return nil
	})
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Keys lists the settable keys in a stable order.
func Keys() []string {
	keys := []string{KeySeedingType, KeyMaxUploadSpeed, KeyMaxDownloadSpeed}
	sort.Strings(keys)
	return keys
}

func (s *Store) Sync() SyncSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Get returns the textual value of key.
func (s *Store) Get(key string) (string, error) {
	cur := s.Sync()
	switch key {
	case KeySeedingType:
		return string(cur.SeedingType), nil
	case KeyMaxUploadSpeed:
		return strconv.FormatInt(cur.MaxUploadSpeed, 10), nil
	case KeyMaxDownloadSpeed:
		return strconv.FormatInt(cur.MaxDownloadSpeed, 10), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
}

// Set parses value for key, persists it and notifies subscribers when the
// value changed.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	prev := s.current
	change, err := s.applyLocked(key, value)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if change.Old == change.New {
		s.mu.Unlock()
		return nil
	}
	if err := s.persist(key, value); err != nil {
		s.current = prev
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notify(change)
	return nil
}

func (s *Store) applyLocked(key, value string) (Change, error) {
	switch key {
	case KeySeedingType:
		st, err := ParseSeedingType(value)
		if err != nil {
			return Change{}, err
		}
		change := Change{Key: key, Old: s.current.SeedingType, New: st}
		s.current.SeedingType = st
		return change, nil
	case KeyMaxUploadSpeed, KeyMaxDownloadSpeed:
		speed, err := parseSpeed(value)
		if err != nil {
			return Change{}, fmt.Errorf("%s: %w", key, err)
		}
		target := &s.current.MaxUploadSpeed
		if key == KeyMaxDownloadSpeed {
			target = &s.current.MaxDownloadSpeed
		}
		change := Change{Key: key, Old: *target, New: speed}
		*target = speed
		return change, nil
	default:
		return Change{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
}

func parseSpeed(value string) (int64, error) {
	speed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid speed %q", value)
	}
	if speed < 0 {
		return 0, fmt.Errorf("speed must be >= 0, got %d", speed)
	}
	return speed, nil
}

func (s *Store) persist(key, value string) error {
	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(strings.TrimSpace(value)))
	})
}

// OnChange registers fn and returns a function that removes it.
func (s *Store) OnChange(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// ModDataCache returns the last manifest fetched successfully.
func (s *Store) ModDataCache() (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.modCache) == 0 {
		return nil, false
	}
	return append(json.RawMessage(nil), s.modCache...), true
}

func (s *Store) SetModDataCache(data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modCache = append([]byte(nil), data...)
	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Put(keyModDataCache, s.modCache)
	})
}
