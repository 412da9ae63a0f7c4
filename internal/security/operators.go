// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// OPERATOR RECORDS
// =============================================================================

//go:embed defaults/operators.yaml
var defaultOperatorsYAML []byte

// OperatorRecord is the stored form of an operator: identity plus the
// bcrypt password hash and the base32 one-time-code secret.
type OperatorRecord struct {
	ID           string    `yaml:"id"`
	DisplayName  string    `yaml:"display_name"`
	Role         Role      `yaml:"role"`
	Clearance    Clearance `yaml:"clearance"`
	PasswordHash string    `yaml:"password_hash"`
	TOTPSecret   string    `yaml:"totp_secret,omitempty"`
	Disabled     bool      `yaml:"disabled,omitempty"`
}

// Identity returns the public identity carried by the record.
func (r OperatorRecord) Identity() OperatorIdentity {
	return OperatorIdentity{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		Role:        r.Role,
		Clearance:   r.Clearance,
	}
}

// operatorsFile is the on-disk layout of an operators file.
type operatorsFile struct {
	Operators []OperatorRecord `yaml:"operators"`
}

// ParseOperators decodes and validates an operators file.
func ParseOperators(data []byte) ([]OperatorRecord, error) {
	var file operatorsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode operators: %w", err)
	}

	seen := make(map[string]bool, len(file.Operators))
	for i, op := range file.Operators {
		switch {
		case op.ID == "":
			return nil, fmt.Errorf("operators: entry %d has no id", i)
		case seen[op.ID]:
			return nil, fmt.Errorf("operators: duplicate id %q", op.ID)
		case !op.Role.Valid():
			return nil, fmt.Errorf("operators: %q: %w", op.ID, ErrUnknownRole)
		case !op.Clearance.Valid():
			return nil, fmt.Errorf("operators: %q: %w", op.ID, ErrUnknownClearance)
		case !strings.HasPrefix(op.PasswordHash, "$2"):
			return nil, fmt.Errorf("operators: %q: password_hash is not a bcrypt hash", op.ID)
		}
		if op.TOTPSecret != "" {
			if _, err := decodeSecret(op.TOTPSecret); err != nil {
				return nil, fmt.Errorf("operators: %q: totp_secret: %w", op.ID, err)
			}
		}
		seen[op.ID] = true
	}
	return file.Operators, nil
}

// MarshalOperators encodes records in the operators file layout.
func MarshalOperators(records []OperatorRecord) ([]byte, error) {
	return yaml.Marshal(operatorsFile{Operators: records})
}

// =============================================================================
// OPERATOR STORE
// =============================================================================

// CredentialStore looks up operator records by identifier.
type CredentialStore interface {
	Lookup(ctx context.Context, id string) (OperatorRecord, bool, error)
}

// SecretStore returns an operator's enrolled one-time-code secret.
type SecretStore interface {
	TOTPSecret(ctx context.Context, id string) (string, error)
}

// OperatorStore is an in-memory snapshot of operator records, optionally
// backed by a YAML file that is re-read when it changes. A reload replaces
// the snapshot atomically; tokens issued before a reload keep their claims.
type OperatorStore struct {
	path    string
	mu      sync.RWMutex
	records map[string]OperatorRecord
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewOperatorStore builds a store from records.
func NewOperatorStore(records []OperatorRecord) *OperatorStore {
	s := &OperatorStore{}
	s.replace(records)
	return s
}

// DefaultOperatorStore returns the built-in demo operators.
func DefaultOperatorStore() (*OperatorStore, error) {
	records, err := ParseOperators(defaultOperatorsYAML)
	if err != nil {
		return nil, err
	}
	return NewOperatorStore(records), nil
}

// LoadOperatorStore reads path. An empty path selects the demo operators.
func LoadOperatorStore(path string) (*OperatorStore, error) {
	if path == "" {
		return DefaultOperatorStore()
	}
	s := &OperatorStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file. On error the previous snapshot is kept.
func (s *OperatorStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read operators %s: %w", s.path, err)
	}
	records, err := ParseOperators(data)
	if err != nil {
		return err
	}
	s.replace(records)
	log.Printf("OPERATORS_LOADED | path=%s count=%d", s.path, len(records))
	return nil
}

func (s *OperatorStore) replace(records []OperatorRecord) {
	m := make(map[string]OperatorRecord, len(records))
	for _, r := range records {
		m[r.ID] = r
	}
	s.mu.Lock()
	s.records = m
	s.mu.Unlock()
}

// Lookup returns the record for id.
func (s *OperatorStore) Lookup(ctx context.Context, id string) (OperatorRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return OperatorRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok, nil
}

// TOTPSecret returns the enrolled secret for id.
func (s *OperatorStore) TOTPSecret(ctx context.Context, id string) (string, error) {
	r, ok, err := s.Lookup(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok || r.TOTPSecret == "" {
		return "", ErrNotEnrolled
	}
	return r.TOTPSecret, nil
}

// Len returns the number of operators.
func (s *OperatorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Watch reloads the store whenever its file is written or replaced. Editors
// and atomic writers replace the file, so the parent directory is watched.
func (s *OperatorStore) Watch() error {
	if s.path == "" {
		return errors.New("operators: no file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.watcher = watcher
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.processEvents(ctx)
	return nil
}

// processEvents debounces bursts of writes into a single reload.
func (s *OperatorStore) processEvents(ctx context.Context) {
	defer close(s.done)

	const debounce = 200 * time.Millisecond
	target := filepath.Clean(s.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := s.Reload(); err != nil {
				log.Printf("OPERATORS_RELOAD_FAILED | path=%s error=%v", s.path, err)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("OPERATORS_WATCH_ERROR | error=%v", err)
		}
	}
}

// Close stops watching.
func (s *OperatorStore) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	err := s.watcher.Close()
	<-s.done
	s.cancel = nil
	return err
}
