package signature

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/j-veylop/antigravity-dispatch/internal/fsutil"
	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
)

const cacheFileVersion = "1.0"

// Cache defaults.
const (
	DefaultMemoryTTL     = time.Hour
	DefaultDiskTTL       = 48 * time.Hour
	DefaultWriteInterval = time.Minute
	DefaultGCInterval    = 30 * time.Minute
)

// CacheConfig configures a Cache. An empty Path keeps the cache in memory.
type CacheConfig struct {
	Now           func() time.Time
	Path          string
	MemoryTTL     time.Duration
	DiskTTL       time.Duration
	WriteInterval time.Duration
	GCInterval    time.Duration
}

type diskEntry struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

type diskStats struct {
	MemoryHits int64 `json:"memory_hits"`
	DiskHits   int64 `json:"disk_hits"`
	Misses     int64 `json:"misses"`
	Writes     int64 `json:"writes"`
}

type cacheFile struct {
	Entries          map[string]diskEntry `json:"entries"`
	Version          string               `json:"version"`
	Statistics       diskStats            `json:"statistics"`
	MemoryTTLSeconds int64                `json:"memory_ttl_seconds"`
	DiskTTLSeconds   int64                `json:"disk_ttl_seconds"`
}

type entry struct {
	expires   time.Time
	value     string
	timestamp int64
	fromDisk  bool
}

// Cache is a two-tier signature store. Reads are served from memory with a
// short TTL; the disk file keeps a longer-lived superset that is reloaded on
// start.
type Cache struct {
	mu           sync.Mutex
	flushMu      sync.Mutex
	entries      map[string]*entry
	lastFlushErr error
	stopChan     chan struct{}
	doneChan     chan struct{}
	cfg          CacheConfig
	stats        diskStats
	dirty        bool
	started      bool
	closeOnce    sync.Once
}

// NewCache creates a cache. Call Load to pick up entries from a previous run
// and Start to run the flush and GC loops.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = DefaultMemoryTTL
	}
	if cfg.DiskTTL <= 0 {
		cfg.DiskTTL = DefaultDiskTTL
	}
	if cfg.WriteInterval <= 0 {
		cfg.WriteInterval = DefaultWriteInterval
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultGCInterval
	}
	return &Cache{
		entries:  make(map[string]*entry),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		cfg:      cfg,
	}
}

// Load reads unexpired disk entries into memory. Each recovered entry gets
// a fresh memory TTL, bounded by its disk expiry.
func (c *Cache) Load() error {
	if c.cfg.Path == "" {
		return nil
	}
	disk, err := c.readDisk()
	if err != nil {
		return err
	}

	now := c.cfg.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	loaded := 0
	for key, de := range disk {
		if cur, ok := c.entries[key]; ok && cur.timestamp >= de.Timestamp {
			continue
		}
		expires := now.Add(c.cfg.MemoryTTL)
		if diskExpiry := time.UnixMilli(de.Timestamp).Add(c.cfg.DiskTTL); diskExpiry.Before(expires) {
			expires = diskExpiry
		}
		c.entries[key] = &entry{
			value:     de.Value,
			timestamp: de.Timestamp,
			expires:   expires,
			fromDisk:  true,
		}
		loaded++
	}
	logger.Debug("signature cache loaded", "entries", loaded, "path", c.cfg.Path)
	return nil
}

// Store records value under key.
func (c *Cache) Store(key, value string) {
	if key == "" || value == "" {
		return
	}
	now := c.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{
		value:     value,
		timestamp: now.UnixMilli(),
		expires:   now.Add(c.cfg.MemoryTTL),
	}
	c.stats.Writes++
	c.dirty = true
}

// Retrieve returns the value of key when it is still within its memory TTL.
// Expired entries are evicted on read.
func (c *Cache) Retrieve(key string) (string, bool) {
	now := c.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return "", false
	}
	if !now.Before(e.expires) {
		delete(c.entries, key)
		c.stats.Misses++
		return "", false
	}
	if e.fromDisk {
		c.stats.DiskHits++
	} else {
		c.stats.MemoryHits++
	}
	return e.value, true
}

// Stats returns the cache counters.
func (c *Cache) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := models.CacheStats{
		MemoryHits: c.stats.MemoryHits,
		DiskHits:   c.stats.DiskHits,
		Misses:     c.stats.Misses,
		Writes:     c.stats.Writes,
		MemoryKeys: len(c.entries),
	}
	if c.lastFlushErr != nil {
		out.LastFlushErr = c.lastFlushErr.Error()
	}
	return out
}

// GC drops memory entries past their TTL and returns how many were removed.
// The disk file is left alone.
func (c *Cache) GC() int {
	now := c.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Flush merges memory entries over the current disk content and replaces
// the file. It does nothing when no write happened since the last flush.
// Disk entries past the disk TTL are dropped; for keys present in both
// tiers the newer timestamp wins.
func (c *Cache) Flush() error {
	if c.cfg.Path == "" {
		return nil
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]diskEntry, len(c.entries))
	for key, e := range c.entries {
		snapshot[key] = diskEntry{Value: e.value, Timestamp: e.timestamp}
	}
	stats := c.stats
	c.dirty = false
	c.mu.Unlock()

	disk, err := c.readDisk()
	if err != nil {
		logger.Warn("signature cache file unreadable, rewriting", "path", c.cfg.Path, "error", err)
		disk = make(map[string]diskEntry)
	}

	cutoff := c.cfg.Now().Add(-c.cfg.DiskTTL).UnixMilli()
	for key, e := range snapshot {
		if e.Timestamp <= cutoff {
			continue
		}
		if cur, ok := disk[key]; ok && cur.Timestamp > e.Timestamp {
			continue
		}
		disk[key] = e
	}

	file := cacheFile{
		Version:          cacheFileVersion,
		MemoryTTLSeconds: int64(c.cfg.MemoryTTL / time.Second),
		DiskTTLSeconds:   int64(c.cfg.DiskTTL / time.Second),
		Entries:          disk,
		Statistics:       stats,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal signature cache: %w", err)
	}

	writeErr := fsutil.WriteFileAtomic(c.cfg.Path, data, 0o600)

	c.mu.Lock()
	c.lastFlushErr = writeErr
	if writeErr != nil {
		c.dirty = true
	}
	c.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("failed to write signature cache: %w", writeErr)
	}
	return nil
}

// readDisk returns the disk entries still within the disk TTL.
func (c *Cache) readDisk() (map[string]diskEntry, error) {
	data, err := os.ReadFile(c.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]diskEntry), nil
		}
		return nil, fmt.Errorf("failed to read signature cache: %w", err)
	}

	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse signature cache: %w", err)
	}

	cutoff := c.cfg.Now().Add(-c.cfg.DiskTTL).UnixMilli()
	out := make(map[string]diskEntry, len(file.Entries))
	for key, e := range file.Entries {
		if e.Timestamp <= cutoff || e.Value == "" {
			continue
		}
		out[key] = e
	}
	return out, nil
}

// Start runs the periodic flush and GC loops until Close.
func (c *Cache) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.loop()
}

func (c *Cache) loop() {
	defer close(c.doneChan)

	flushTicker := time.NewTicker(c.cfg.WriteInterval)
	defer flushTicker.Stop()
	gcTicker := time.NewTicker(c.cfg.GCInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-flushTicker.C:
			if err := c.Flush(); err != nil {
				logger.Error("signature cache flush failed", "error", err)
			}
		case <-gcTicker.C:
			if n := c.GC(); n > 0 {
				logger.Debug("signature cache gc", "removed", n)
			}
		case <-c.stopChan:
			return
		}
	}
}

// Close stops the background loops and writes pending entries.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.doneChan
		}
		err = c.Flush()
	})
	return err
}
