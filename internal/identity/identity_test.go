// ABOUTME: Tests for the instance identity store
// ABOUTME: Covers create-once semantics, header validation, and concurrent creation

package identity

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/caprouter/internal/registry"
)

func TestStore_CreateThenRead(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "http")
	require.NoError(t, err)
	assert.False(t, s.Exists())

	_, err = s.ReadID()
	assert.ErrorIs(t, err, ErrNotFound)

	id := uuid.New().String()
	require.NoError(t, s.CreateAndWrite(id, registry.ToolInvoker))
	assert.True(t, s.Exists())

	got, err := s.ReadID()
	require.NoError(t, err)
	assert.Equal(t, id, got)

	h, err := s.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(FormatVersion), h.Version)
	assert.Equal(t, registry.ToolInvoker, h.ServiceType)

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(FileSize), info.Size())
}

func TestStore_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "http")
	require.NoError(t, err)

	first := uuid.New().String()
	require.NoError(t, s.CreateAndWrite(first, registry.ToolInvoker))

	err = s.CreateAndWrite(uuid.New().String(), registry.ToolInvoker)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, _ := s.ReadID()
	assert.Equal(t, first, got)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "files")
	require.NoError(t, err)
	id := uuid.New().String()
	require.NoError(t, s.CreateAndWrite(id, registry.ResourceProvider))

	reopened, err := Open(dir, "files")
	require.NoError(t, err)
	got, err := reopened.ReadID()
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestOpen_RejectsBadHeader(t *testing.T) {
	cases := map[string][]byte{
		"wrong marker":  append([]byte("nope!!"), make([]byte, FileSize-6)...),
		"truncated":     []byte(FormatMarker),
		"wrong version": func() []byte { b := encode(uuid.New().String(), registry.ToolInvoker); b[9] = 7; return b }(),
		"unknown type":  func() []byte { b := encode(uuid.New().String(), registry.ToolInvoker); b[13] = 9; return b }(),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(dir+"/http"+fileSuffix, content, 0o600))

			_, err := Open(dir, "http")
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestCreateAndWrite_RejectsInvalidInput(t *testing.T) {
	s, err := Open(t.TempDir(), "http")
	require.NoError(t, err)

	assert.Error(t, s.CreateAndWrite("not-a-uuid", registry.ToolInvoker))
	assert.Error(t, s.CreateAndWrite(uuid.New().String(), "bogus"))
	assert.False(t, s.Exists())
}

func TestCreateAndWrite_ConcurrentCallersCreateOnce(t *testing.T) {
	dir := t.TempDir()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := Open(dir, "http")
			if err != nil {
				return
			}
			if s.CreateAndWrite(uuid.New().String(), registry.ToolInvoker) == nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
}
