// Package oui maps hardware address prefixes to vendor names.
package oui

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sashakarcz/leasereaper/internal/logger"
)

// Unknown is returned when no prefix matches
const Unknown = "unknown"

// Private labels locally administered (randomised) addresses
const Private = "Local/Privacy MAC"

//go:embed data/oui.json
var embeddedDB []byte

// DB is a vendor lookup table. An optional JSON file overlays the embedded
// table and can be reloaded at runtime.
type DB struct {
	mu      sync.RWMutex
	vendors map[string]string
	path    string
}

// LoadEmbedded returns a DB backed by the built-in table only
func LoadEmbedded() (*DB, error) {
	return Load(embeddedDB)
}

// Load parses a JSON object of prefix -> vendor
func Load(data []byte) (*DB, error) {
	m, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &DB{vendors: m}, nil
}

// Open loads the embedded table and overlays path when it is set
func Open(path string) (*DB, error) {
	db, err := LoadEmbedded()
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded vendor table: %w", err)
	}
	if path == "" {
		return db, nil
	}
	db.path = path
	if err := db.Reload(); err != nil {
		return nil, err
	}
	return db, nil
}

func parse(data []byte) (map[string]string, error) {
	raw := map[string]string{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse vendor table: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[normalizePrefix(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

// Reload re-reads the overlay file and swaps the table atomically
func (db *DB) Reload() error {
	if db.path == "" {
		return nil
	}
	data, err := os.ReadFile(db.path)
	if err != nil {
		return fmt.Errorf("failed to read vendor file: %w", err)
	}
	overlay, err := parse(data)
	if err != nil {
		return err
	}
	base, err := parse(embeddedDB)
	if err != nil {
		return err
	}
	for k, v := range overlay {
		base[k] = v
	}

	db.mu.Lock()
	db.vendors = base
	db.mu.Unlock()
	return nil
}

// Lookup returns the vendor for mac, Private for locally administered
// addresses without an entry, or Unknown
func (db *DB) Lookup(mac string) string {
	if db == nil {
		return Unknown
	}
	prefix := normalizePrefix(mac)

	db.mu.RLock()
	vendor, ok := db.vendors[prefix]
	db.mu.RUnlock()
	if ok && vendor != "" {
		return vendor
	}
	if locallyAdministered(prefix) {
		return Private
	}
	return Unknown
}

// Len returns the number of prefixes loaded
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// Watch reloads the overlay file whenever it changes until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (db *DB) Watch(ctx context.Context) error {
	if db.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	target, _ := filepath.Abs(db.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", db.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				abs, _ := filepath.Abs(event.Name)
				if abs != target || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := db.Reload(); err != nil {
					logger.Warn().Err(err).Str("file", db.path).Msg("Vendor table reload failed")
					continue
				}
				logger.Info().Str("file", db.path).Int("prefixes", db.Len()).Msg("Vendor table reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("Vendor file watcher error")
			}
		}
	}()
	return nil
}

func normalizePrefix(v string) string {
	replacer := strings.NewReplacer(":", "", "-", "", ".", "")
	v = strings.ToUpper(strings.TrimSpace(replacer.Replace(v)))
	if len(v) >= 6 {
		return v[:6]
	}
	return v
}

// locallyAdministered checks the U/L bit of the first octet
func locallyAdministered(prefix string) bool {
	if len(prefix) < 2 {
		return false
	}
	b, err := strconv.ParseUint(prefix[:2], 16, 8)
	if err != nil {
		return false
	}
	return b&0x02 != 0
}
