package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/jbweber/anvil/internal/logging"
)

// Credentials authenticate the remote session.
type Credentials struct {
	User           string
	Password       string
	PrivateKeyPath string // Optional
}

// authMethods returns the configured auth methods. Password auth is offered
// both plainly and as keyboard-interactive, since sshd configs differ in
// which of the two they enable.
func (c Credentials) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if c.PrivateKeyPath != "" {
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		password := c.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}
	return methods, nil
}

// SSHExecutor runs commands over one SSH connection, one session per
// command. There is no command timeout.
type SSHExecutor struct {
	client *ssh.Client
	log    logrus.FieldLogger
}

// Dial connects to addr. handshakeTimeout bounds connect and handshake only.
func Dial(ctx context.Context, addr string, creds Credentials, handshakeTimeout time.Duration, log logrus.FieldLogger) (*SSHExecutor, error) {
	auth, err := creds.authMethods()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User: creds.User,
		Auth: auth,
		// Throwaway guest with a fresh host key on every provision.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         handshakeTimeout,
	}

	dialer := net.Dialer{Timeout: handshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &SSHExecutor{
		client: ssh.NewClient(c, chans, reqs),
		log:    logging.Ensure(log).WithField("component", "remote"),
	}, nil
}

// Run implements Executor. Cancelling ctx closes the session.
func (e *SSHExecutor) Run(ctx context.Context, command string) (Result, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: failed to create session: %v", ErrConnectionLost, err)
	}
	defer func() { _ = session.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	e.log.WithField("command", command).Debug("Running remote command")

	err = session.Run(command)
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitStatus = exitErr.ExitStatus()
		return result, &ExitError{Command: command, Result: result}
	case errors.As(err, &missingErr), errors.Is(err, io.EOF):
		return result, fmt.Errorf("%w: %q: %v", ErrConnectionLost, command, err)
	default:
		return result, fmt.Errorf("remote command %q failed: %w", command, err)
	}
}

// Close closes the connection.
func (e *SSHExecutor) Close() error {
	return e.client.Close()
}
