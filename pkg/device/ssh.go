package device

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes the service account used to reach routers.
type SSHConfig struct {
	User           string
	KeyFile        string
	Port           int
	KnownHostsFile string // empty accepts any host key
	ConnectTimeout time.Duration
	ExecTimeout    time.Duration
}

// SSHExecutor runs commands over a fresh SSH session per call.
type SSHExecutor struct {
	cfg    SSHConfig
	client *ssh.ClientConfig
}

func NewSSHExecutor(cfg SSHConfig) (*SSHExecutor, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 10 * time.Second
	}
	pem, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		if hostKey, err = knownhosts.New(cfg.KnownHostsFile); err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}
	return &SSHExecutor{
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKey,
			Timeout:         cfg.ConnectTimeout,
		},
	}, nil
}

func (e *SSHExecutor) Exec(ctx context.Context, host, command string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout+e.cfg.ExecTimeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(e.cfg.Port))
	d := net.Dialer{Timeout: e.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(e.cfg.ConnectTimeout))
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, e.client)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sc, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session %s: %w", addr, err)
	}
	defer sess.Close()

	done := make(chan error, 1)
	go func() {
		out, err := sess.CombinedOutput(command)
		if err != nil {
			err = fmt.Errorf("%w output=%s", err, string(out))
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = client.Close()
		return fmt.Errorf("exec on %s: %w", host, ctx.Err())
	}
}
