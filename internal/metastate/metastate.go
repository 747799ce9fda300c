// Package metastate implements the atomic JSON metadata state store: one
// snapshot of per-title cooldown expiries plus the sticky FlareSolverr
// fallback expiry, persisted via write-temp-then-rename (spec §4.7).
package metastate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssmcore/mangamerged/internal/logging"
)

var log = logging.New("metastate")

const (
	readRetryAttempts = 3
	readRetryBackoff  = 10 * time.Millisecond
)

// Snapshot is the immutable metadata state (spec §3 "Metadata state
// snapshot").
type Snapshot struct {
	TitleCooldownsUtc          map[string]time.Time
	StickyFlaresolverrUntilUtc *time.Time
}

// Empty returns the shared empty-state constant value.
func Empty() Snapshot {
	return Snapshot{TitleCooldownsUtc: map[string]time.Time{}}
}

// Store is the single-writer, retry-on-read JSON snapshot store.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store backed by path (conventionally
// <configRoot>/state/metadata_state.json).
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Read returns the current snapshot. It never returns an error: a missing
// file yields Empty; a corrupt file is quarantined and Empty is returned;
// a directory at path is quarantined and Empty is returned.
func (s *Store) Read() Snapshot {
	var lastErr error
	for attempt := 0; attempt < readRetryAttempts; attempt++ {
		info, statErr := os.Stat(s.path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return Empty()
			}
			lastErr = statErr
			time.Sleep(readRetryBackoff)
			continue
		}
		if info.IsDir() {
			s.quarantineDir()
			return Empty()
		}

		data, err := os.ReadFile(s.path)
		if err != nil {
			lastErr = err
			time.Sleep(readRetryBackoff)
			continue
		}
		snap, err := parseSnapshot(data)
		if err != nil {
			lastErr = err
			time.Sleep(readRetryBackoff)
			continue
		}
		return snap
	}

	log.Warnf("metastate.read.corrupt", "path=%q err=%v", s.path, lastErr)
	s.quarantineFile()
	return Empty()
}

// Transform reads the current on-disk value, applies fn, and persists the
// result atomically. The store serializes Transform calls with a single
// writer lock; Read is always safe to call concurrently with Transform.
func (s *Store) Transform(fn func(Snapshot) Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Read()
	next := fn(current)
	return s.persist(next)
}

func (s *Store) persist(snap Snapshot) error {
	data, err := marshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to ensure metadata state directory: %w", err)
	}
	tmp := filepath.Join(dir, ".metadata_state."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace metadata state: %w", err)
	}
	return nil
}

func (s *Store) quarantineFile() {
	corrupt := filepath.Join(filepath.Dir(s.path), "metadata_state.corrupt.json")
	os.Remove(corrupt)
	if err := os.Rename(s.path, corrupt); err != nil {
		log.Warnf("metastate.quarantine.failed", "path=%q err=%v", s.path, err)
	}
}

func (s *Store) quarantineDir() {
	corrupt := filepath.Join(filepath.Dir(s.path), "metadata_state.corrupt.dir")
	os.RemoveAll(corrupt)
	if err := os.Rename(s.path, corrupt); err != nil {
		log.Warnf("metastate.quarantine.dir.failed", "path=%q err=%v", s.path, err)
	}
}

type envelope struct {
	TitleCooldownsUtc          json.RawMessage `json:"titleCooldownsUtc"`
	StickyFlaresolverrUntilUtc *string         `json:"stickyFlaresolverrUntilUtc"`
}

func marshalSnapshot(snap Snapshot) ([]byte, error) {
	cooldowns := make(map[string]string, len(snap.TitleCooldownsUtc))
	for k, v := range snap.TitleCooldownsUtc {
		cooldowns[k] = v.UTC().Format(time.RFC3339)
	}
	cooldownsRaw, err := json.Marshal(cooldowns)
	if err != nil {
		return nil, err
	}

	env := struct {
		TitleCooldownsUtc          json.RawMessage `json:"titleCooldownsUtc"`
		StickyFlaresolverrUntilUtc *string         `json:"stickyFlaresolverrUntilUtc"`
	}{
		TitleCooldownsUtc: cooldownsRaw,
	}
	if snap.StickyFlaresolverrUntilUtc != nil {
		s := snap.StickyFlaresolverrUntilUtc.UTC().Format(time.RFC3339)
		env.StickyFlaresolverrUntilUtc = &s
	}
	return json.MarshalIndent(env, "", "  ")
}

func parseSnapshot(data []byte) (Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Snapshot{}, err
	}

	cooldowns, err := decodeCooldownsRejectDuplicates(env.TitleCooldownsUtc)
	if err != nil {
		return Snapshot{}, err
	}
	for k := range cooldowns {
		if strings.TrimSpace(k) == "" {
			return Snapshot{}, fmt.Errorf("metadata state: empty cooldown key")
		}
	}

	snap := Snapshot{TitleCooldownsUtc: cooldowns}
	if env.StickyFlaresolverrUntilUtc != nil && *env.StickyFlaresolverrUntilUtc != "" {
		t, err := time.Parse(time.RFC3339, *env.StickyFlaresolverrUntilUtc)
		if err != nil {
			return Snapshot{}, err
		}
		tu := t.UTC()
		snap.StickyFlaresolverrUntilUtc = &tu
	}
	return snap, nil
}

// decodeCooldownsRejectDuplicates decodes the titleCooldownsUtc object
// token-by-token so a duplicate key — which json.Unmarshal into a map
// would silently resolve by keeping the last value — is instead treated as
// a parse failure (spec §3: "the loader rejects duplicates on read").
func decodeCooldownsRejectDuplicates(raw json.RawMessage) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	if len(raw) == 0 {
		return out, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("titleCooldownsUtc: expected object")
	}

	seen := make(map[string]bool)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("titleCooldownsUtc: non-string key")
		}
		if seen[key] {
			return nil, fmt.Errorf("titleCooldownsUtc: duplicate key %q", key)
		}
		seen[key] = true

		var valStr string
		if err := dec.Decode(&valStr); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, valStr)
		if err != nil {
			return nil, fmt.Errorf("titleCooldownsUtc[%q]: %w", key, err)
		}
		out[key] = t.UTC()
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}
