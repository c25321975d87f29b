// Package chunkstore loads and persists the on-disk chunk store, and
// parses the peer roster and chunklist files that drive a peer's startup.
package chunkstore

import (
	"bufio"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Backend persists the hash-to-bytes mapping that makes up a chunk store.
// The default implementation is a single gob-encoded file; tests substitute
// an in-memory Backend.
type Backend interface {
	Load() (map[string][]byte, error)
	Save(map[string][]byte) error
}

// FileBackend is the default Backend: a single file holding a
// gob-encoded map[string][]byte, keyed by lowercase hex SHA-1 digest.
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

func (b *FileBackend) Load() (map[string][]byte, error) {
	f, err := os.Open(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening chunk store")
	}
	defer f.Close()

	var m map[string][]byte
	if err := gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decoding chunk store")
	}
	return m, nil
}

func (b *FileBackend) Save(m map[string][]byte) error {
	tmp := b.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "creating chunk store")
	}
	if err := gob.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return errors.Wrap(err, "encoding chunk store")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing chunk store")
	}
	return errors.Wrap(os.Rename(tmp, b.Path), "replacing chunk store")
}

// Store is the in-memory view of a peer's held chunks, addressable by
// lowercase hex SHA-1 digest.
type Store struct {
	backend Backend
	chunks  map[string][]byte
}

func Open(backend Backend) (*Store, error) {
	chunks, err := backend.Load()
	if err != nil {
		return nil, err
	}
	return &Store{backend: backend, chunks: chunks}, nil
}

func (s *Store) Has(hash string) bool {
	_, ok := s.chunks[hash]
	return ok
}

func (s *Store) Get(hash string) ([]byte, bool) {
	b, ok := s.chunks[hash]
	return b, ok
}

func (s *Store) Put(hash string, data []byte) {
	s.chunks[hash] = data
}

func (s *Store) Hashes() []string {
	out := make([]string, 0, len(s.chunks))
	for h := range s.chunks {
		out = append(out, h)
	}
	return out
}

func (s *Store) Flush() error {
	return s.backend.Save(s.chunks)
}

// RosterEntry is one line of the peer roster: an index, an IP, and a UDP
// port.
type RosterEntry struct {
	Index int
	Host  string
	Port  int
}

// LoadRoster parses the roster file: one "<index> <ip> <port>" line per
// peer, blank lines and "#"-prefixed comments skipped.
func LoadRoster(path string) ([]RosterEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening roster")
	}
	defer f.Close()

	var out []RosterEntry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, errors.Errorf("roster line %d: expected 3 fields, got %d", lineNo, len(fields))
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "roster line %d: bad index", lineNo)
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "roster line %d: bad port", lineNo)
		}
		out = append(out, RosterEntry{Index: idx, Host: fields[1], Port: port})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading roster")
	}
	return out, nil
}

// LoadChunklist parses a chunklist file: one "<index> <hex_hash>" line per
// needed chunk, blank lines and "#"-prefixed comments skipped.
func LoadChunklist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening chunklist")
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("chunklist line %d: expected 2 fields, got %d", lineNo, len(fields))
		}
		hash := strings.ToLower(fields[1])
		if _, err := hex.DecodeString(hash); err != nil || len(hash) != 40 {
			return nil, errors.Errorf("chunklist line %d: %q is not a 20-byte hex hash", lineNo, fields[1])
		}
		out = append(out, hash)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading chunklist")
	}
	return out, nil
}

// FormatEntry renders a roster entry back to its on-disk line form, used
// by tooling that regenerates roster files.
func FormatEntry(e RosterEntry) string {
	return fmt.Sprintf("%d %s %d", e.Index, e.Host, e.Port)
}
