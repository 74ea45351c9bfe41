package router

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHConfig holds the management channel settings
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// HostKey is an authorized_keys formatted key; empty accepts any key
	HostKey string
	Timeout time.Duration
}

// SSHDialer opens password-authenticated SSH sessions to the router
type SSHDialer struct {
	addr   string
	config *ssh.ClientConfig
}

// NewSSHDialer validates cfg and builds a dialer
func NewSSHDialer(cfg SSHConfig, logger zerolog.Logger) (*SSHDialer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("router host is required")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse router host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(key)
	} else {
		logger.Warn().Str("host", cfg.Host).Msg("router host key not configured, accepting any key")
	}

	return &SSHDialer{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.Timeout,
		},
	}, nil
}

// Dial connects and authenticates
func (d *SSHDialer) Dial(ctx context.Context) (Session, error) {
	var nd net.Dialer
	if d.config.Timeout > 0 {
		nd.Timeout = d.config.Timeout
	}
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to router %s: %w", d.addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, d.addr, d.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open ssh connection to %s: %w", d.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

// Run executes one command in its own SSH channel
func (s *sshSession) Run(ctx context.Context, command string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open ssh channel: %w", err)
	}
	defer session.Close()

	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := session.CombinedOutput(command)
		done <- result{output: output, err: err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	case r := <-done:
		return string(r.output), r.err
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
