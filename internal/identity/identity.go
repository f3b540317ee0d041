// ABOUTME: Persistent instance identity for capability services
// ABOUTME: Fixed-layout binary file holding a format header and one UUID entry

package identity

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/caprouter/internal/registry"
)

// ErrFormat indicates the identity file exists but its header is not recognised.
var ErrFormat = errors.New("invalid identity file format")

// ErrNotFound indicates no identity has been written yet.
var ErrNotFound = errors.New("identity not found")

// ErrAlreadyExists indicates an identity file is already present.
var ErrAlreadyExists = errors.New("identity already exists")

// File layout, big-endian:
//
//	header: marker[6] | version uint32 | serviceType uint32 | reserved[6]
//	entry:  id[36]    | reserved[4]
const (
	FormatMarker  = "caprtr"
	FormatVersion = 1

	HeaderSize = len(FormatMarker) + 4 + 4 + 6
	EntrySize  = 36 + 4
	FileSize   = HeaderSize + EntrySize

	fileSuffix = ".id.dat"
)

// Header is the fixed file header.
type Header struct {
	Version     uint32
	ServiceType registry.ServiceType
}

// Store reads and writes the identity file of one service.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open returns the identity store for serviceName under dir. An existing file
// is validated immediately; a bad header fails with ErrFormat.
func Open(dir, serviceName string) (*Store, error) {
	if serviceName == "" {
		return nil, errors.New("service name is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	s := &Store{path: filepath.Join(dir, serviceName+fileSuffix)}

	if s.Exists() {
		if _, _, err := s.read(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the location of the identity file.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether an identity file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// ReadID returns the stored instance id.
func (s *Store) ReadID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, id, err := s.read()
	return id, err
}

// ReadHeader returns the stored header.
func (s *Store) ReadHeader() (Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, _, err := s.read()
	return h, err
}

// CreateAndWrite writes a new identity file. It never overwrites: when the
// file already exists it returns ErrAlreadyExists.
func (s *Store) CreateAndWrite(id string, serviceType registry.ServiceType) error {
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return fmt.Errorf("identity id %q is not a canonical UUID", id)
	}
	if !serviceType.Valid() {
		return fmt.Errorf("unknown service type %q", serviceType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("creating identity file: %w", err)
	}

	if _, err := f.Write(encode(id, serviceType)); err != nil {
		_ = f.Close()
		_ = os.Remove(s.path)
		return fmt.Errorf("writing identity file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing identity file: %w", err)
	}
	return f.Close()
}

func (s *Store) read() (Header, string, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Header{}, "", ErrNotFound
	}
	if err != nil {
		return Header{}, "", fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, FileSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Header{}, "", fmt.Errorf("%w: %s is truncated", ErrFormat, s.path)
	}
	return decode(buf)
}

func encode(id string, serviceType registry.ServiceType) []byte {
	buf := make([]byte, FileSize)
	copy(buf, FormatMarker)
	off := len(FormatMarker)
	binary.BigEndian.PutUint32(buf[off:], FormatVersion)
	binary.BigEndian.PutUint32(buf[off+4:], serviceType.Code())
	copy(buf[HeaderSize:], id)
	return buf
}

func decode(buf []byte) (Header, string, error) {
	marker := buf[:len(FormatMarker)]
	if !bytes.Equal(marker, []byte(FormatMarker)) {
		return Header{}, "", fmt.Errorf("%w: unexpected marker %q", ErrFormat, marker)
	}
	off := len(FormatMarker)
	version := binary.BigEndian.Uint32(buf[off:])
	if version != FormatVersion {
		return Header{}, "", fmt.Errorf("%w: unsupported version %d", ErrFormat, version)
	}
	st, err := registry.ServiceTypeFromCode(binary.BigEndian.Uint32(buf[off+4:]))
	if err != nil {
		return Header{}, "", fmt.Errorf("%w: %v", ErrFormat, err)
	}

	id := string(buf[HeaderSize : HeaderSize+36])
	if _, err := uuid.Parse(id); err != nil {
		return Header{}, "", fmt.Errorf("%w: corrupt id entry", ErrFormat)
	}
	return Header{Version: version, ServiceType: st}, id, nil
}
