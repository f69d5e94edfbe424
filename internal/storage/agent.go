package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/types"
)

// DeliverOptions tune a single delivery.
type DeliverOptions struct {
	// Keep preserves the local archive after it was copied elsewhere.
	Keep bool
	// Mirror, when set, receives a best-effort extra copy.
	Mirror Mirror
}

// Delivery reports where an archive ended up.
type Delivery struct {
	Kind     Kind
	Location string
	Removed  bool
}

// Agent is the transfer agent: it delivers archives to their target and
// fetches them back for restores. It never retries on its own.
type Agent struct {
	logger *logging.Logger
	dialer Dialer
}

// NewAgent creates a new transfer agent.
func NewAgent(logger *logging.Logger, dialer Dialer) *Agent {
	return &Agent{logger: logger, dialer: dialer}
}

func transferError(op, path string, err error) error {
	return types.NewError(types.KindTransfer, op, err).WithPath(path)
}

// Deliver sends localPath to target. After a delivery that moved the
// archive somewhere else the local copy is removed unless opts.Keep.
func (a *Agent) Deliver(ctx context.Context, localPath string, target config.Target, opts DeliverOptions) (d Delivery, err error) {
	kind := Resolve(target, localPath)
	d = Delivery{Kind: kind, Location: localPath}
	done := logging.DebugStart(a.logger, "deliver", "%s -> %s (%s)", localPath, target.String(), kind)
	defer func() { done(err) }()

	if target.Host != "" && kind != KindRemote {
		return d, transferError("deliver", localPath, &TransferError{Stage: StageResolve, Target: target.String(), Message: "a host needs a user"})
	}

	switch kind {
	case KindRemote:
		remote := path.Join(target.Dir, filepath.Base(localPath))
		a.logger.Info("Transferring %s to %s@%s:%s", filepath.Base(localPath), target.User, target.Host, remote)
		if err := a.put(ctx, target, localPath, remote); err != nil {
			return d, transferError("deliver", localPath, err)
		}
		d.Location = fmt.Sprintf("%s@%s:%s", target.User, target.Host, remote)
	case KindLocal:
		dest := filepath.Join(target.Dir, filepath.Base(localPath))
		a.logger.Info("Copying %s to %s", filepath.Base(localPath), target.Dir)
		if err := copyFile(ctx, a.logger, localPath, dest); err != nil {
			return d, transferError("deliver", localPath, &TransferError{Stage: StageCopy, Target: target.String(), Message: "local copy", Err: err})
		}
		d.Location = dest
	default:
		a.logger.Debug("No transfer target; %s stays in place", localPath)
	}

	if opts.Mirror != nil {
		if err := opts.Mirror.Upload(ctx, localPath); err != nil {
			a.logger.Warning("Mirror %s failed: %v", opts.Mirror.Name(), err)
		} else {
			a.logger.Info("Mirrored %s to %s", filepath.Base(localPath), opts.Mirror.Name())
		}
	}

	if kind != KindNone && !opts.Keep {
		if err := os.Remove(localPath); err != nil {
			a.logger.Warning("Cannot remove local copy %s: %v", localPath, err)
		} else {
			d.Removed = true
		}
	}
	return d, nil
}

func (a *Agent) session(ctx context.Context, target config.Target) (Session, error) {
	if a.dialer == nil {
		return nil, &TransferError{Stage: StageSession, Target: target.String(), Message: "no remote-copy channel configured"}
	}
	return a.dialer.Dial(ctx, target)
}

func (a *Agent) closeSession(sess Session) {
	if err := sess.Close(); err != nil {
		a.logger.Debug("Closing session: %v", err)
	}
}

func (a *Agent) put(ctx context.Context, target config.Target, localPath, remote string) error {
	sess, err := a.session(ctx, target)
	if err != nil {
		return err
	}
	defer a.closeSession(sess)

	if err := sess.Put(ctx, localPath, remote); err != nil {
		return asCopyError(target, "upload "+remote, err)
	}
	return nil
}

func asCopyError(target config.Target, msg string, err error) error {
	var te *TransferError
	if errors.As(err, &te) {
		return err
	}
	return &TransferError{Stage: StageCopy, Target: target.String(), Message: msg, Err: err}
}

// Retrieve fetches name from target's directory into localDir and returns
// the local path.
func (a *Agent) Retrieve(ctx context.Context, target config.Target, name, localDir string) (local string, err error) {
	local = filepath.Join(localDir, filepath.Base(name))
	done := logging.DebugStart(a.logger, "retrieve", "%s from %s", name, target.String())
	defer func() { done(err) }()

	switch {
	case target.IsRemote():
		remote := path.Join(target.Dir, name)
		a.logger.Info("Fetching %s from %s@%s", remote, target.User, target.Host)
		sess, err := a.session(ctx, target)
		if err != nil {
			return "", transferError("retrieve", remote, err)
		}
		defer a.closeSession(sess)
		if err := sess.Get(ctx, remote, local); err != nil {
			return "", transferError("retrieve", remote, asCopyError(target, "download "+remote, err))
		}
	case target.Host == "" && target.Dir != "":
		src := filepath.Join(target.Dir, name)
		if err := copyFile(ctx, a.logger, src, local); err != nil {
			return "", transferError("retrieve", src, &TransferError{Stage: StageCopy, Target: target.String(), Message: "local copy", Err: err})
		}
	default:
		return "", transferError("retrieve", name, &TransferError{Stage: StageResolve, Target: target.String(), Message: "nothing to retrieve from"})
	}
	return local, nil
}
