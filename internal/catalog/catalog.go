// Package catalog caches a broker's tradable-instrument list on disk and in
// memory. The on-disk file is a JSON array of instrument records, optionally
// gzip-compressed, refreshed at most once per expiry window.
package catalog

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"broker-gateway/internal/broker"
	"broker-gateway/internal/logger"
	"broker-gateway/internal/types"
)

// DefaultExpiry is the staleness threshold for the persisted file.
const DefaultExpiry = 24 * time.Hour

// FetchFunc downloads the full instrument set from the broker.
type FetchFunc func(ctx context.Context) ([]types.Instrument, error)

// Catalog holds one broker's instrument set. The in-memory snapshot is
// replaced wholesale on refresh and only read afterwards. Concurrent
// refreshes are not coordinated; the persisted file is last-writer-wins,
// which is acceptable at an at-most-daily cadence.
type Catalog struct {
	broker   string
	path     string
	expiry   time.Duration
	gzipped  bool
	fetch    FetchFunc

	mu          sync.RWMutex
	instruments []types.Instrument
	loadedAt    time.Time
}

// New builds a catalog for one broker. gzipped selects the on-disk codec:
// Upstox ships its bundle compressed, the others store plain JSON.
func New(brokerName, cacheDir string, expiry time.Duration, gzipped bool, fetch FetchFunc) *Catalog {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	name := brokerName + "-instruments.json"
	if gzipped {
		name += ".gz"
	}
	return &Catalog{
		broker:  brokerName,
		path:    filepath.Join(cacheDir, name),
		expiry:  expiry,
		gzipped: gzipped,
		fetch:   fetch,
	}
}

// Refresh loads the catalog. With a persisted file younger than the expiry
// and force=false this performs zero network calls. Otherwise the live set
// is fetched and written back; if the fetch fails, any existing file is used
// as a stale fallback (stale beats absent).
func (c *Catalog) Refresh(ctx context.Context, force bool) error {
	if !force {
		if info, err := os.Stat(c.path); err == nil && time.Since(info.ModTime()) < c.expiry {
			if err := c.loadFile(); err == nil {
				logger.Debug(ctx, "Instrument catalog loaded from cache", "broker", c.broker, "path", c.path, "count", c.Len())
				return nil
			}
			// Unreadable cache file: fall through to a live fetch.
		}
	}

	instruments, err := c.fetch(ctx)
	if err != nil {
		if _, statErr := os.Stat(c.path); statErr == nil {
			if loadErr := c.loadFile(); loadErr == nil {
				logger.Warn(ctx, "Instrument download failed, falling back to stale cache",
					"broker", c.broker, "error", err, "count", c.Len())
				return nil
			}
		}
		return fmt.Errorf("refresh %s instruments: %w", c.broker, err)
	}

	if err := c.persist(instruments); err != nil {
		logger.Warn(ctx, "Failed to persist instrument catalog", "broker", c.broker, "error", err)
	}

	c.mu.Lock()
	c.instruments = instruments
	c.loadedAt = time.Now()
	c.mu.Unlock()

	logger.Info(ctx, "Instrument catalog refreshed", "broker", c.broker, "count", len(instruments))
	return nil
}

// Lookup scans the catalog for key: exact trading symbol first, then
// case-insensitive symbol, then security id, then the exchange token when
// key is numeric. First match in catalog order wins.
func (c *Catalog) Lookup(key string) (types.Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.loadedAt.IsZero() {
		return types.Instrument{}, fmt.Errorf("%s: %w", c.broker, broker.ErrNotLoaded)
	}

	token, numeric := parseToken(key)
	for _, in := range c.instruments {
		if in.Symbol == key ||
			strings.EqualFold(in.Symbol, key) ||
			in.SecurityID == key ||
			(numeric && in.ExchangeToken != 0 && in.ExchangeToken == token) {
			return in, nil
		}
	}
	return types.Instrument{}, fmt.Errorf("%s: %q: %w", c.broker, key, broker.ErrInstrumentNotFound)
}

// Len reports the in-memory instrument count.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.instruments)
}

// LoadedAt reports when the in-memory snapshot was taken; zero means the
// catalog was never loaded.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

func (c *Catalog) loadFile() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	if c.gzipped {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("decompress %s: %w", c.path, err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return fmt.Errorf("decompress %s: %w", c.path, err)
		}
	}

	var instruments []types.Instrument
	if err := json.Unmarshal(raw, &instruments); err != nil {
		return fmt.Errorf("parse %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.instruments = instruments
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Catalog) persist(instruments []types.Instrument) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	raw, err := json.Marshal(instruments)
	if err != nil {
		return err
	}
	if c.gzipped {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		raw = buf.Bytes()
	}

	return os.WriteFile(c.path, raw, 0o644)
}

func parseToken(key string) (int64, bool) {
	token, err := strconv.ParseInt(key, 10, 64)
	return token, err == nil
}
