// Package readiness waits for the guest SSH port to come up.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/logging"
)

// ErrReadinessTimeout is returned when the attempt budget is used up
// without the port answering.
var ErrReadinessTimeout = errors.New("readiness timeout")

// sshBannerPrefix starts every SSH identification string (RFC 4253 4.2).
const sshBannerPrefix = "SSH-"

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Poller is a bounded wait on a TCP port with a constant delay between
// attempts. Boot time is roughly constant, so there is no exponential growth.
type Poller struct {
	addr   string
	cfg    config.ReadinessConfig
	dialer Dialer
	log    logrus.FieldLogger
}

// NewPoller creates a Poller for addr.
func NewPoller(addr string, cfg config.ReadinessConfig, log logrus.FieldLogger) *Poller {
	return newPollerWithDialer(addr, cfg, &net.Dialer{}, log)
}

func newPollerWithDialer(addr string, cfg config.ReadinessConfig, dialer Dialer, log logrus.FieldLogger) *Poller {
	return &Poller{
		addr:   addr,
		cfg:    cfg,
		dialer: dialer,
		log:    logging.Ensure(log).WithField("component", "readiness"),
	}
}

// Wait blocks until the port answers or exactly cfg.Attempts attempts have
// failed. It returns the number of attempts made.
func (p *Poller) Wait(ctx context.Context) (int, error) {
	if p.cfg.Attempts <= 0 {
		return 0, fmt.Errorf("%w: no attempts configured", ErrReadinessTimeout)
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.cfg.Interval)
	b = backoff.WithMaxRetries(b, uint64(p.cfg.Attempts-1))
	b = backoff.WithContext(b, ctx)

	attempts := 0
	operation := func() error {
		attempts++
		return p.attempt(ctx)
	}
	notify := func(err error, next time.Duration) {
		p.log.WithFields(logrus.Fields{
			"attempt": fmt.Sprintf("%d/%d", attempts, p.cfg.Attempts),
			"retry":   next,
			"error":   err,
		}).Debug("Port not ready")
	}

	p.log.WithFields(logrus.Fields{
		"address":  p.addr,
		"attempts": p.cfg.Attempts,
		"interval": p.cfg.Interval,
	}).Info("Waiting for SSH")

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempts, ctxErr
		}
		return attempts, fmt.Errorf("%w: %s not reachable after %d attempts: %v",
			ErrReadinessTimeout, p.addr, attempts, err)
	}

	p.log.WithFields(logrus.Fields{
		"address":  p.addr,
		"attempts": attempts,
	}).Info("SSH port is ready")

	return attempts, nil
}

// attempt makes a single connection attempt.
func (p *Poller) attempt(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	conn, err := p.dialer.DialContext(dialCtx, "tcp", p.addr)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if !p.cfg.CheckBanner {
		return nil
	}

	if err := conn.SetReadDeadline(time.Now().Add(p.cfg.DialTimeout)); err != nil {
		return err
	}
	buf := make([]byte, len(sshBannerPrefix))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("no SSH banner: %w", err)
	}
	if string(buf) != sshBannerPrefix {
		return fmt.Errorf("unexpected banner %q", buf)
	}
	return nil
}
