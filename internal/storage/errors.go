package storage

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh/knownhosts"
)

// Stage names the step at which a transfer failed.
type Stage string

const (
	StageResolve         Stage = "resolve"
	StageHostKey         Stage = "host-key"
	StageAuthUnavailable Stage = "auth-unavailable"
	StageAuthRejected    Stage = "auth-rejected"
	StagePartialAuth     Stage = "partial-auth"
	StageSession         Stage = "session"
	StageCopy            Stage = "copy"
)

// TransferError is the single error type surfaced by delivery and
// retrieval. Callers branch on Stage.
type TransferError struct {
	Stage   Stage
	Target  string
	Message string
	Err     error
}

func (e *TransferError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("transfer to %s failed at %s: %s", e.Target, e.Stage, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StageOf returns the stage of the TransferError wrapped in err, if any.
func StageOf(err error) (Stage, bool) {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Stage, true
	}
	return "", false
}

func containsAny(text string, substrings ...string) bool {
	for _, s := range substrings {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// classifyHandshake maps an SSH handshake failure to a stage.
func classifyHandshake(target string, err error) *TransferError {
	text := strings.ToLower(err.Error())

	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	switch {
	case errors.As(err, &keyErr):
		msg := "host key does not match known_hosts"
		if len(keyErr.Want) == 0 {
			msg = "host key is not in known_hosts"
		}
		return &TransferError{Stage: StageHostKey, Target: target, Message: msg, Err: err}
	case errors.As(err, &revoked), strings.Contains(text, "knownhosts:"):
		return &TransferError{Stage: StageHostKey, Target: target, Message: "host key rejected", Err: err}
	case strings.Contains(text, "partial"):
		return &TransferError{Stage: StagePartialAuth, Target: target, Message: "server wants further authentication after the key was accepted", Err: err}
	case strings.Contains(text, "unable to authenticate"):
		msg := "server does not accept public-key authentication"
		if strings.Contains(text, "publickey") {
			msg = "server rejected every offered key"
		}
		return &TransferError{Stage: StageAuthRejected, Target: target, Message: msg, Err: err}
	case containsAny(text, "connection refused", "no route to host", "i/o timeout", "no such host", "network is unreachable"):
		return &TransferError{Stage: StageSession, Target: target, Message: "cannot reach host", Err: err}
	default:
		return &TransferError{Stage: StageSession, Target: target, Message: "ssh handshake failed", Err: err}
	}
}
