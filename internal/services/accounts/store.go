// Package accounts owns the account pool: its on-disk representation, file
// watching and the per-family rotation state used by the dispatcher.
package accounts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/j-veylop/antigravity-dispatch/internal/fsutil"
	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
)

// PoolState is the decoded content of the accounts file.
type PoolState struct {
	ActiveIndexByFamily map[models.ModelFamily]int
	Accounts            []models.Account
	ActiveIndex         int
}

// Event represents a store event.
type Event struct {
	Error error
	Type  EventType
}

// EventType defines the type of store event.
type EventType int

const (
	EventPoolChanged EventType = iota
	EventError
)

// Store reads and writes the accounts file and watches it for external edits.
type Store struct {
	mu            sync.Mutex
	filePath      string
	lastWritten   []byte
	watcher       *fsnotify.Watcher
	eventChan     chan Event
	stopChan      chan struct{}
	debounceTimer *time.Timer
	now           func() time.Time
}

// NewStore creates a store for the given accounts file path.
func NewStore(filePath string) *Store {
	return &Store{
		filePath:  filePath,
		eventChan: make(chan Event, 16),
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

// Path returns the accounts file path.
func (s *Store) Path() string {
	return s.filePath
}

// Events returns the event channel for external file changes.
func (s *Store) Events() <-chan Event {
	return s.eventChan
}

// Load reads the accounts file. A missing file yields an empty pool.
func (s *Store) Load() (*PoolState, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &PoolState{}, nil
		}
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	return parsePool(data)
}

// parsePool parses account data handling the current and legacy formats.
func parsePool(data []byte) (*PoolState, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &PoolState{}, nil
	}

	// Legacy bare array of accounts.
	if trimmed[0] == '[' {
		var raw []models.RawAccountData
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse accounts file: %w", err)
		}
		return toPoolState(models.RawAccountsFile{Accounts: raw}), nil
	}

	var file models.RawAccountsFile
	if err := json.Unmarshal(trimmed, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	return toPoolState(file), nil
}

func toPoolState(file models.RawAccountsFile) *PoolState {
	state := &PoolState{
		Accounts:    make([]models.Account, 0, len(file.Accounts)),
		ActiveIndex: file.ActiveIndex,
	}
	for _, raw := range file.Accounts {
		if raw.RefreshToken == "" {
			logger.Warn("skipping account without refresh token", "email", raw.Email)
			continue
		}
		state.Accounts = append(state.Accounts, raw.ToAccount())
	}
	if len(file.ActiveIndexByFamily) > 0 {
		state.ActiveIndexByFamily = make(map[models.ModelFamily]int, len(file.ActiveIndexByFamily))
		for k, v := range file.ActiveIndexByFamily {
			state.ActiveIndexByFamily[models.ModelFamily(k)] = v
		}
	}
	return state
}

// Save atomically writes the pool to disk.
func (s *Store) Save(state *PoolState) error {
	file := models.RawAccountsFile{
		Version:     models.AccountsFileVersion,
		Accounts:    make([]models.RawAccountData, 0, len(state.Accounts)),
		ActiveIndex: state.ActiveIndex,
	}
	now := s.now()
	for i := range state.Accounts {
		file.Accounts = append(file.Accounts, models.FromAccount(&state.Accounts[i], now))
	}
	if len(state.ActiveIndexByFamily) > 0 {
		file.ActiveIndexByFamily = make(map[string]int, len(state.ActiveIndexByFamily))
		for k, v := range state.ActiveIndexByFamily {
			file.ActiveIndexByFamily[string(k)] = v
		}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal accounts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fsutil.WriteFileAtomic(s.filePath, data, 0o600); err != nil {
		return err
	}
	s.lastWritten = data
	return nil
}

// Watch starts watching the accounts file directory. onChange runs after a
// debounced external write; writes made by Save itself are ignored.
func (s *Store) Watch(onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory to catch rename-over writes.
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Error("failed to close watcher", "error", closeErr)
		}
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.watchLoop(watcher, onChange)
	return nil
}

// watchLoop handles file system events with debouncing.
func (s *Store) watchLoop(watcher *fsnotify.Watcher, onChange func()) {
	const debounceInterval = 100 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(s.filePath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			s.mu.Lock()
			if s.debounceTimer != nil {
				s.debounceTimer.Stop()
			}
			s.debounceTimer = time.AfterFunc(debounceInterval, func() {
				s.handleFileChange(onChange)
			})
			s.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.sendEvent(Event{Type: EventError, Error: err})

		case <-s.stopChan:
			return
		}
	}
}

// handleFileChange notifies about an external change unless the file still
// holds exactly what Save last wrote.
func (s *Store) handleFileChange(onChange func()) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.sendEvent(Event{Type: EventError, Error: err})
		}
		return
	}

	s.mu.Lock()
	own := bytes.Equal(data, s.lastWritten)
	s.mu.Unlock()
	if own {
		return
	}

	s.sendEvent(Event{Type: EventPoolChanged})
	if onChange != nil {
		onChange()
	}
}

// sendEvent sends an event to the event channel non-blocking.
func (s *Store) sendEvent(event Event) {
	select {
	case s.eventChan <- event:
	default:
		// Channel full, drop oldest event
		select {
		case <-s.eventChan:
		default:
		}
		select {
		case s.eventChan <- event:
		default:
		}
	}
}

// Close stops the file watcher and cleans up resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopChan:
		return nil
	default:
		close(s.stopChan)
	}

	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
