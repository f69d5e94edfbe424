package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/types"
)

func testLogger() *logging.Logger {
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(io.Discard)
	return logger
}

func writeArchive(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

// memRemote is an in-memory remote host.
type memRemote struct {
	mu      sync.Mutex
	files   map[string][]byte
	dialErr error
	putErr  error
	dials   int
	closes  int
}

func newMemRemote() *memRemote {
	return &memRemote{files: make(map[string][]byte)}
}

func (m *memRemote) Dial(_ context.Context, _ config.Target) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials++
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	return &memSession{remote: m}, nil
}

type memSession struct {
	remote *memRemote
}

func (s *memSession) Put(_ context.Context, localPath, remotePath string) error {
	if s.remote.putErr != nil {
		return s.remote.putErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.remote.files[remotePath] = data
	return nil
}

func (s *memSession) Get(_ context.Context, remotePath, localPath string) error {
	s.remote.mu.Lock()
	data, ok := s.remote.files[remotePath]
	s.remote.mu.Unlock()
	if !ok {
		return errors.New("no such file")
	}
	return os.WriteFile(localPath, data, 0o600)
}

func (s *memSession) Close() error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.remote.closes++
	return nil
}

type recordingMirror struct {
	uploads []string
	err     error
}

func (m *recordingMirror) Name() string { return "mem://mirror" }

func (m *recordingMirror) Upload(_ context.Context, localPath string) error {
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	m.uploads = append(m.uploads, localPath)
	return m.err
}
