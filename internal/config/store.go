// Package config implements the AICM configuration store and settings
// resolver: a tolerant, human-editable key/value file shared by possibly
// many processes, plus the precedence chain that turns it (along with
// environment variables and constructor overrides) into a resolved
// Settings value.
package config

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/aicostmanager/aicm-go/internal/atomicfile"
)

// ConfigPersistError is returned when a write to the store fails. It is
// recoverable: callers may retry the operation.
type ConfigPersistError struct {
	Op  string
	Err error
}

func (e *ConfigPersistError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Op, e.Err)
}

func (e *ConfigPersistError) Unwrap() error { return e.Err }

// document is the parsed form of the INI-style file: section name to
// ordered key/value pairs. Key order within a section is preserved so
// that rewriting the file doesn't needlessly reorder a human's edits.
type document struct {
	order    []string
	sections map[string]*section
}

type section struct {
	order  []string
	values map[string]string
}

func newDocument() *document {
	return &document{sections: make(map[string]*section)}
}

func (d *document) section(name string) *section {
	s, ok := d.sections[name]
	if !ok {
		s = &section{values: make(map[string]string)}
		d.sections[name] = s
		d.order = append(d.order, name)
	}
	return s
}

func (s *section) set(key, value string) {
	if _, exists := s.values[key]; !exists {
		s.order = append(s.order, key)
	}
	s.values[key] = value
}

// Store is a locked, atomically-written key/value file with a [tracker]
// section for settings and a [triggered_limits] section for cached limit
// state. It may be shared by multiple Trackers in one process and by
// multiple processes on the same machine.
type Store struct {
	path string
	lock *flock.Flock
	log  *slog.Logger

	mu  sync.Mutex // serializes in-process callers; the flock serializes cross-process ones
	doc *document  // last read snapshot, refreshed under WithLock
}

// DefaultPath returns the default configuration file location,
// ~/.config/aicostmanager/AICM.INI, mirroring the original Python SDK's
// layout so a shared machine can have both SDKs point at the same file.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "aicostmanager", "AICM.INI")
}

// Open resolves path (DefaultPath() if empty), ensures its directory
// exists, and returns a Store ready for use. A missing file is not an
// error; it is treated as an empty document.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create store directory: %w", err)
	}
	s := &Store{
		path: path,
		lock: flock.New(path + ".lock"),
		log:  logger.With("component", "config.Store"),
	}
	s.doc = s.readLocked()
	return s, nil
}

// Path returns the configuration file path this Store was opened with.
func (s *Store) Path() string { return s.path }

// WithLock runs fn while holding both the in-process mutex and the
// cross-process advisory file lock, refreshing the in-memory document
// first and persisting nothing automatically — fn is responsible for
// calling into Set/ReplaceSection, which write under the same lock.
// The lock is held only across fn, never during network I/O.
func (s *Store) WithLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("config: acquire lock: %w", err)
	}
	defer s.lock.Unlock()

	s.doc = s.parse()
	return fn()
}

// Get returns the value for key in section, and whether it was present.
func (s *Store) Get(sectionName, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.doc.sections[sectionName]
	if !ok {
		return "", false
	}
	v, ok := sec.values[key]
	return v, ok
}

// GetSection returns a copy of every key/value pair in a section, or an
// empty map if the section does not exist.
func (s *Store) GetSection(sectionName string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	sec, ok := s.doc.sections[sectionName]
	if !ok {
		return out
	}
	for k, v := range sec.values {
		out[k] = v
	}
	return out
}

// Set persists a single key/value pair under section.
func (s *Store) Set(sectionName, key, value string) error {
	return s.WithLock(func() error {
		s.doc.section(sectionName).set(key, value)
		return s.writeLocked()
	})
}

// ReplaceSection atomically swaps the contents of a section.
func (s *Store) ReplaceSection(sectionName string, kv map[string]string) error {
	return s.WithLock(func() error {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sec := &section{values: make(map[string]string, len(kv))}
		for _, k := range keys {
			sec.order = append(sec.order, k)
			sec.values[k] = kv[k]
		}
		delete(s.doc.sections, sectionName)
		s.doc.sections[sectionName] = sec
		found := false
		for _, name := range s.doc.order {
			if name == sectionName {
				found = true
				break
			}
		}
		if !found {
			s.doc.order = append(s.doc.order, sectionName)
		}
		return s.writeLocked()
	})
}

// readLocked performs the very first read when opening the store; errors
// are logged and swallowed per spec.md 4.A ("read errors return an empty
// document and log a warning").
func (s *Store) readLocked() *document {
	if err := s.lock.Lock(); err != nil {
		s.log.Warn("failed to acquire config lock for initial read", "error", err)
		return newDocument()
	}
	defer s.lock.Unlock()
	return s.parse()
}

func (s *Store) parse() *document {
	f, err := os.Open(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to read config file", "path", s.path, "error", err)
		}
		return newDocument()
	}
	defer f.Close()

	doc := newDocument()
	current := doc.section("tracker") // unlabeled leading lines fall into [tracker]
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, ";"):
			continue
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				s.log.Warn("dropping malformed config line", "path", s.path, "line", lineNo)
				continue
			}
			current = doc.section(name) // duplicate sections merge: later keys win
		default:
			idx := strings.Index(line, "=")
			if idx <= 0 {
				s.log.Warn("dropping malformed config line", "path", s.path, "line", lineNo)
				continue
			}
			key := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+1:])
			if key == "" {
				s.log.Warn("dropping malformed config line", "path", s.path, "line", lineNo)
				continue
			}
			current.set(key, value)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("error scanning config file", "path", s.path, "error", err)
	}
	return doc
}

func (s *Store) writeLocked() error {
	var b strings.Builder
	for _, name := range s.doc.order {
		sec := s.doc.sections[name]
		if len(sec.order) == 0 {
			continue
		}
		fmt.Fprintf(&b, "[%s]\n", name)
		for _, k := range sec.order {
			fmt.Fprintf(&b, "%s=%s\n", k, sec.values[k])
		}
		b.WriteString("\n")
	}
	if err := atomicfile.WriteWithDir(s.path, []byte(b.String()), 0o600, 0o755); err != nil {
		return &ConfigPersistError{Op: "write", Err: err}
	}
	return nil
}

// ---------------------------------------------------------------------
// Triggered-limits checksum helpers, shared with internal/limits.

// ChecksumHex returns the hex-encoded sha256 of payload, the format used
// by the [triggered_limits] checksum field (spec.md 6).
func ChecksumHex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether checksumHex matches sha256(payload).
func VerifyChecksum(payload []byte, checksumHex string) bool {
	return ChecksumHex(payload) == strings.ToLower(strings.TrimSpace(checksumHex))
}
