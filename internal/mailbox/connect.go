package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Connect establishes a TLS session and logs in. The dial is bound by
// a fixed 10 second timeout which surfaces as ErrConnectionTimeout.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	sess, err := c.dial()
	if err != nil {
		c.setDisconnected(nil)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
		}
		return fmt.Errorf("could not connect to %s: %w", c.cfg.Host, err)
	}

	if err := sess.Login(c.cfg.User, c.cfg.Pass); err != nil {
		_ = sess.Logout()
		c.setDisconnected(nil)
		return fmt.Errorf("could not login as %s: %w", c.cfg.User, err)
	}

	c.mu.Lock()
	c.state = StateReady
	c.sess = sess
	c.mu.Unlock()

	// observe asynchronous connection drops so nobody keeps operating
	// on a dead session
	go func() {
		<-sess.LoggedOut()
		if c.setDisconnected(sess) {
			c.logger.Warn("mailbox connection dropped", "host", c.cfg.Host)
		}
	}()

	c.logger.Debug("connected to mailbox server", "host", c.cfg.Host)
	return nil
}

// ConnectWithRetry calls Connect up to three times with exponential
// backoff between attempts.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	var lastErr error
	delay := c.backoffBase
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		lastErr = c.Connect(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == maxConnectAttempts {
			break
		}
		c.logger.Warn("connection attempt failed",
			"attempt", attempt,
			"retry_in", delay,
			"err", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %d attempts: %w", ErrConnectionExhausted, maxConnectAttempts, lastErr)
}

// Disconnect logs out gracefully. Calling it on an already
// disconnected client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	state := c.state
	c.state = StateDisconnected
	c.sess = nil
	c.mu.Unlock()

	if state == StateDisconnected || sess == nil {
		return nil
	}
	if err := sess.Logout(); err != nil {
		return fmt.Errorf("error on logout: %w", err)
	}
	return nil
}

// setDisconnected transitions to the disconnected state. When expect
// is non-nil the transition only happens while that session is still
// the active one, so a stale drop watcher cannot kill a newer
// connection. Reports whether a transition happened.
func (c *Client) setDisconnected(expect session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if expect != nil && c.sess != expect {
		return false
	}
	if c.state == StateDisconnected && c.sess == nil {
		return false
	}
	c.state = StateDisconnected
	c.sess = nil
	return true
}

// ready returns the active session or ErrNotConnected.
func (c *Client) ready() (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.sess == nil {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}
