package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tis24dev/rcbackup/internal/backup"
	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/encryption"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/stamps"
	"github.com/tis24dev/rcbackup/internal/storage"
	"github.com/tis24dev/rcbackup/internal/types"
)

var fixedNow = time.Date(2024, 5, 2, 8, 15, 30, 250_000_000, time.UTC)

func testLogger() *logging.Logger {
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	src     string
	work    string
	remote  string
	ledger  *stamps.Ledger
	logger  *logging.Logger
	jobConf config.JobConfig
}

// newFixture creates a DOCS job over a.txt (10 bytes), b.txt (20 bytes)
// and c.bin (5 bytes) delivering to a local directory.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		src:    filepath.Join(root, "docs"),
		work:   filepath.Join(root, "work"),
		remote: filepath.Join(root, "delivered"),
		logger: testLogger(),
	}
	for name, size := range map[string]int{"a.txt": 10, "b.txt": 20, "c.bin": 5} {
		writeFile(t, filepath.Join(f.src, name), size)
	}
	require.NoError(t, os.MkdirAll(f.work, 0o755))

	ledger, err := stamps.Open(filepath.Join(root, "backup.stamps"), f.logger)
	require.NoError(t, err)
	f.ledger = ledger

	keep := false
	f.jobConf = config.JobConfig{
		Name:        "DOCS",
		ArchivePath: filepath.Join(f.work, "docs"),
		Target:      config.Target{Dir: f.remote},
		Compression: types.CompressionGzip,
		Encryption:  types.EncryptionAge,
		Keep:        &keep,
		Sources: []config.SourceRule{{
			Dir:            f.src,
			IncludePattern: `\.txt$`,
		}},
	}
	return f
}

func (f *fixture) deps(crypto Crypto) Deps {
	return Deps{
		Logger:   f.logger,
		Selector: backup.NewCollector(f.logger, backup.CollectorConfig{}),
		Builder:  backup.NewArchiver(f.logger, nil, backup.ArchiverConfig{}),
		Crypto:   crypto,
		Transfer: storage.NewAgent(f.logger, nil),
		Ledger:   f.ledger,
		Now:      func() time.Time { return fixedNow },
	}
}

func (f *fixture) plainGate() *encryption.Gate {
	return encryption.NewGate(f.logger, nil, encryption.Options{})
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

type failingTransfer struct {
	err        error
	deliveries int
}

func (f *failingTransfer) Deliver(context.Context, string, config.Target, storage.DeliverOptions) (storage.Delivery, error) {
	f.deliveries++
	return storage.Delivery{}, f.err
}

func (f *failingTransfer) Retrieve(context.Context, config.Target, string, string) (string, error) {
	return "", f.err
}

type failingCrypto struct{}

func (failingCrypto) Configured() bool { return true }
func (failingCrypto) Suffix() string   { return ".age" }
func (failingCrypto) Encrypt(_ context.Context, path string, _ bool) (encryption.Result, error) {
	return encryption.Result{Path: path}, types.NewError(types.KindCrypto, "encrypt", errors.New("no recipient key")).WithPath(path)
}
func (failingCrypto) Decrypt(context.Context, string) (string, error) {
	return "", types.NewError(types.KindCrypto, "decrypt", encryption.ErrDecrypt)
}

type brokenLedger struct {
	stamp float64
}

func (b *brokenLedger) Lookup(string) float64 { return b.stamp }
func (b *brokenLedger) Record(_ string, stamp float64) error {
	b.stamp = stamp
	return types.NewError(types.KindLedger, "write", errors.New("read-only file system"))
}
