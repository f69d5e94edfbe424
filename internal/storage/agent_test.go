package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/types"
)

func mustTarget(t *testing.T, s string) config.Target {
	t.Helper()
	target, err := config.ParseTarget(s)
	require.NoError(t, err)
	return target
}

func TestResolve(t *testing.T) {
	archive := "/var/backups/docs.tar.gz"
	assert.Equal(t, KindRemote, Resolve(mustTarget(t, "alice@host:/backups"), archive))
	assert.Equal(t, KindLocal, Resolve(mustTarget(t, "/mnt/usb"), archive))
	assert.Equal(t, KindNone, Resolve(mustTarget(t, "/var/backups"), archive))
	assert.Equal(t, KindNone, Resolve(mustTarget(t, "/var/backups/"), archive))
	assert.Equal(t, KindNone, Resolve(config.Target{}, archive))
}

func TestDeliverRemote(t *testing.T) {
	remote := newMemRemote()
	archive := writeArchive(t, t.TempDir(), "docs.tar.gz", "payload")
	agent := NewAgent(testLogger(), remote)

	d, err := agent.Deliver(context.Background(), archive, mustTarget(t, "alice@host:/backups"), DeliverOptions{})
	require.NoError(t, err)
	assert.Equal(t, KindRemote, d.Kind)
	assert.Equal(t, "alice@host:/backups/docs.tar.gz", d.Location)
	assert.True(t, d.Removed)
	assert.NoFileExists(t, archive)
	assert.Equal(t, []byte("payload"), remote.files["/backups/docs.tar.gz"])
	assert.Equal(t, 1, remote.closes)
}

func TestDeliverRemoteFailureClosesSessionAndKeepsArchive(t *testing.T) {
	remote := newMemRemote()
	remote.putErr = errors.New("disk full")
	archive := writeArchive(t, t.TempDir(), "docs.tar.gz", "payload")

	_, err := NewAgent(testLogger(), remote).Deliver(context.Background(), archive, mustTarget(t, "alice@host:/backups"), DeliverOptions{})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransfer))
	stage, ok := StageOf(err)
	require.True(t, ok)
	assert.Equal(t, StageCopy, stage)
	assert.Equal(t, 1, remote.closes)
	assert.FileExists(t, archive)
}

func TestDeliverRemoteDialFailure(t *testing.T) {
	remote := newMemRemote()
	remote.dialErr = &TransferError{Stage: StageHostKey, Target: "alice@host:/b", Message: "host key mismatch"}
	archive := writeArchive(t, t.TempDir(), "docs.tar.gz", "payload")

	_, err := NewAgent(testLogger(), remote).Deliver(context.Background(), archive, mustTarget(t, "alice@host:/b"), DeliverOptions{})
	stage, ok := StageOf(err)
	require.True(t, ok)
	assert.Equal(t, StageHostKey, stage)
	assert.Zero(t, remote.closes)
	assert.FileExists(t, archive)
}

func TestDeliverLocalKeep(t *testing.T) {
	archive := writeArchive(t, t.TempDir(), "docs.tar.gz", "payload")
	dest := filepath.Join(t.TempDir(), "usb")

	d, err := NewAgent(testLogger(), nil).Deliver(context.Background(), archive, config.Target{Dir: dest}, DeliverOptions{Keep: true})
	require.NoError(t, err)
	assert.Equal(t, KindLocal, d.Kind)
	assert.False(t, d.Removed)
	assert.FileExists(t, archive)
	data, err := os.ReadFile(filepath.Join(dest, "docs.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	info, err := os.Stat(filepath.Join(dest, "docs.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestDeliverNoneLeavesArchive(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, dir, "docs.tar.gz", "payload")

	d, err := NewAgent(testLogger(), nil).Deliver(context.Background(), archive, config.Target{Dir: dir}, DeliverOptions{})
	require.NoError(t, err)
	assert.Equal(t, KindNone, d.Kind)
	assert.False(t, d.Removed)
	assert.FileExists(t, archive)
}

func TestDeliverHostWithoutUser(t *testing.T) {
	archive := writeArchive(t, t.TempDir(), "docs.tar.gz", "payload")
	_, err := NewAgent(testLogger(), newMemRemote()).Deliver(context.Background(), archive, config.Target{Host: "h", Dir: "/b"}, DeliverOptions{})
	stage, ok := StageOf(err)
	require.True(t, ok)
	assert.Equal(t, StageResolve, stage)
}

func TestDeliverMirrorBeforeCleanup(t *testing.T) {
	remote := newMemRemote()
	mirror := &recordingMirror{err: errors.New("bucket gone")}
	archive := writeArchive(t, t.TempDir(), "docs.tar.gz", "payload")

	_, err := NewAgent(testLogger(), remote).Deliver(context.Background(), archive, mustTarget(t, "alice@host:/b"), DeliverOptions{Mirror: mirror})
	require.NoError(t, err, "mirror failures never fail a delivery")
	assert.Equal(t, []string{archive}, mirror.uploads)
	assert.NoFileExists(t, archive)
}

func TestRetrieveRemoteAndLocal(t *testing.T) {
	remote := newMemRemote()
	remote.files["/b/docs.tar.gz.age"] = []byte("cipher")
	agent := NewAgent(testLogger(), remote)

	scratch := t.TempDir()
	local, err := agent.Retrieve(context.Background(), mustTarget(t, "alice@host:/b"), "docs.tar.gz.age", scratch)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(scratch, "docs.tar.gz.age"), local)
	assert.Equal(t, 1, remote.closes)

	src := t.TempDir()
	writeArchive(t, src, "docs.tar", "plain")
	local, err = agent.Retrieve(context.Background(), config.Target{Dir: src}, "docs.tar", scratch)
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(data))

	_, err = agent.Retrieve(context.Background(), mustTarget(t, "alice@host:/b"), "missing", scratch)
	stage, _ := StageOf(err)
	assert.Equal(t, StageCopy, stage)
	assert.Equal(t, 2, remote.closes)

	_, err = agent.Retrieve(context.Background(), config.Target{}, "docs.tar", scratch)
	stage, _ = StageOf(err)
	assert.Equal(t, StageResolve, stage)
}

func TestCopyFileCancelled(t *testing.T) {
	archive := writeArchive(t, t.TempDir(), "docs.tar.gz", "payload")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dest := filepath.Join(t.TempDir(), "docs.tar.gz")
	assert.ErrorIs(t, copyFile(ctx, testLogger(), archive, dest), context.Canceled)
	assert.NoFileExists(t, dest)
}
