package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/pkg/utils"
)

// DefaultIdentityFiles are tried when no identity file is configured.
var DefaultIdentityFiles = []string{"~/.ssh/id_ed25519", "~/.ssh/id_ecdsa", "~/.ssh/id_rsa"}

// SSHConfig holds connection options for SSHDialer.
type SSHConfig struct {
	Port          int
	KnownHosts    string
	IdentityFiles []string
	Timeout       time.Duration
	// AgentSocket is the ssh-agent socket; empty falls back to SSH_AUTH_SOCK.
	AgentSocket string
}

// SSHConfigFromSettings converts the configuration file's ssh section.
func SSHConfigFromSettings(s config.SSHSettings) SSHConfig {
	return SSHConfig{
		Port:          s.Port,
		KnownHosts:    s.KnownHosts,
		IdentityFiles: s.IdentityFiles,
		Timeout:       s.Timeout,
	}
}

// SSHDialer opens SFTP sessions authenticated with public keys only.
type SSHDialer struct {
	logger *logging.Logger
	cfg    SSHConfig
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSSHDialer creates a new dialer.
func NewSSHDialer(logger *logging.Logger, cfg SSHConfig) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.KnownHosts == "" {
		cfg.KnownHosts = "~/.ssh/known_hosts"
	}
	if len(cfg.IdentityFiles) == 0 {
		cfg.IdentityFiles = DefaultIdentityFiles
	}
	if cfg.AgentSocket == "" {
		cfg.AgentSocket = os.Getenv("SSH_AUTH_SOCK")
	}
	d := &net.Dialer{}
	return &SSHDialer{logger: logger, cfg: cfg, dial: d.DialContext}
}

// signers collects keys from the identity files and the agent. The
// returned closer releases the agent connection and must be called once
// authentication is over.
func (d *SSHDialer) signers() ([]ssh.Signer, func()) {
	var signers []ssh.Signer
	for _, file := range d.cfg.IdentityFiles {
		path := utils.ExpandHome(file)
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				d.logger.Debug("Cannot read identity %s: %v", path, err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				d.logger.Debug("Identity %s is passphrase protected; load it into ssh-agent", path)
			} else {
				d.logger.Debug("Cannot parse identity %s: %v", path, err)
			}
			continue
		}
		signers = append(signers, signer)
	}

	closer := func() {}
	if d.cfg.AgentSocket != "" {
		conn, err := net.Dial("unix", d.cfg.AgentSocket)
		if err != nil {
			d.logger.Debug("ssh-agent unavailable: %v", err)
			return signers, closer
		}
		agentSigners, err := agent.NewClient(conn).Signers()
		if err != nil {
			d.logger.Debug("ssh-agent listing failed: %v", err)
			conn.Close()
			return signers, closer
		}
		signers = append(signers, agentSigners...)
		closer = func() { conn.Close() }
	}
	return signers, closer
}

// Dial connects to target.Host as target.User and starts the SFTP subsystem.
func (d *SSHDialer) Dial(ctx context.Context, target config.Target) (Session, error) {
	label := target.String()
	if !target.IsRemote() {
		return nil, &TransferError{Stage: StageResolve, Target: label, Message: "remote targets need both user and host"}
	}

	hostKeys, err := knownhosts.New(utils.ExpandHome(d.cfg.KnownHosts))
	if err != nil {
		return nil, &TransferError{Stage: StageHostKey, Target: label, Message: "cannot load known_hosts", Err: err}
	}

	signers, closeAgent := d.signers()
	defer closeAgent()
	if len(signers) == 0 {
		return nil, &TransferError{Stage: StageAuthUnavailable, Target: label, Message: "no usable private key in identity files or ssh-agent"}
	}

	clientCfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: hostKeys,
		Timeout:         d.cfg.Timeout,
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(d.cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	conn, err := d.dial(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return nil, classifyHandshake(label, fmt.Errorf("connect %s: %w", addr, err))
	}

	_ = conn.SetDeadline(time.Now().Add(d.cfg.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, classifyHandshake(label, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, &TransferError{Stage: StageSession, Target: label, Message: "cannot start sftp subsystem", Err: err}
	}
	d.logger.Debug("SFTP session open to %s", addr)
	return &sftpSession{logger: d.logger, target: label, ssh: client, sftp: sc}, nil
}
