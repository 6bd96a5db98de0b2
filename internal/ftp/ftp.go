// Package ftp drives the modem's internal FTP client (AT+UFTP/AT+UFTPC).
// Files are transferred between the server and modem storage; the host
// reads them back with filexfer.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"cellnode/internal/at"
	"cellnode/internal/modem"
)

// AT+UFTPC operation codes.
const (
	OpLogout = 0
	OpLogin  = 1
	OpGet    = 100
)

const (
	DefaultLoginTimeout    = 30 * time.Second
	DefaultTransferTimeout = 3 * time.Minute
)

// ErrNotLoggedIn is returned by Get before a successful Login.
var ErrNotLoggedIn = errors.New("ftp: not logged in")

// Error is a failed FTP operation with the modem's last error class and code
// from AT+UFTPER.
type Error struct {
	Op    int
	Class int
	Code  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("ftp: operation %d failed (class %d, code %d)", e.Op, e.Class, e.Code)
}

// Session is the part of the modem engine the client needs.
type Session interface {
	Execute(ctx context.Context, cmd modem.Command) (*modem.Response, error)
	WaitFor(ctx context.Context, timeout time.Duration, cond func() bool) error
}

// Config is the FTP server account.
type Config struct {
	Host     string
	User     string
	Password string
	Passive  bool

	LoginTimeout    time.Duration
	TransferTimeout time.Duration
}

// Client runs FTP operations one at a time. Results arrive as +UUFTPCR URCs.
type Client struct {
	s      Session
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	results  map[int]int
	loggedIn bool
}

// NewClient creates a client and registers its result route on d.
func NewClient(s Session, d *modem.Dispatcher, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	c := &Client{s: s, cfg: cfg, logger: logger, results: make(map[int]int)}
	d.RegisterFunc("ftp_result", modem.Prefix("+UUFTPCR:"), c.onResult)
	return c
}

func (c *Client) onResult(n modem.Notification) {
	if len(n.Fields) < 2 {
		c.logger.Warn("malformed FTP result", "line", n.Line)
		return
	}
	op, err1 := strconv.Atoi(n.Fields[0])
	res, err2 := strconv.Atoi(n.Fields[1])
	if err1 != nil || err2 != nil {
		c.logger.Warn("malformed FTP result", "line", n.Line)
		return
	}
	c.mu.Lock()
	c.results[op] = res
	c.mu.Unlock()
}

// Login configures the server account and connects.
func (c *Client) Login(ctx context.Context) error {
	hostOp := 0
	if net.ParseIP(c.cfg.Host) != nil {
		hostOp = 1
	}
	passive := 0
	if c.cfg.Passive {
		passive = 1
	}
	params := []string{
		fmt.Sprintf("AT+UFTP=%d,%s", hostOp, at.Quote(c.cfg.Host)),
		fmt.Sprintf("AT+UFTP=2,%s", at.Quote(c.cfg.User)),
		fmt.Sprintf("AT+UFTP=3,%s", at.Quote(c.cfg.Password)),
		fmt.Sprintf("AT+UFTP=6,%d", passive),
	}
	for _, verb := range params {
		if _, err := c.s.Execute(ctx, modem.Cmd(verb)); err != nil {
			return fmt.Errorf("ftp: configure: %w", err)
		}
	}

	if err := c.run(ctx, OpLogin, "AT+UFTPC=1", c.cfg.LoginTimeout); err != nil {
		return err
	}
	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	c.logger.Info("FTP logged in", "host", c.cfg.Host, "user", c.cfg.User)
	return nil
}

// Get copies the server file remote to the modem file local.
func (c *Client) Get(ctx context.Context, remote, local string) error {
	c.mu.Lock()
	in := c.loggedIn
	c.mu.Unlock()
	if !in {
		return ErrNotLoggedIn
	}
	verb := fmt.Sprintf("AT+UFTPC=%d,%s,%s", OpGet, at.Quote(remote), at.Quote(local))
	start := time.Now()
	if err := c.run(ctx, OpGet, verb, c.cfg.TransferTimeout); err != nil {
		return fmt.Errorf("ftp: get %s: %w", remote, err)
	}
	c.logger.Info("FTP get complete", "remote", remote, "local", local, "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// Logout disconnects from the server.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
	if _, err := c.s.Execute(ctx, modem.Cmd("AT+UFTPC=0")); err != nil {
		return fmt.Errorf("ftp: logout: %w", err)
	}
	return nil
}

// Fetch logs in, gets remote into local and logs out.
func (c *Client) Fetch(ctx context.Context, remote, local string) error {
	if err := c.Login(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.Logout(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("FTP logout failed", "err", err)
		}
	}()
	return c.Get(ctx, remote, local)
}

// run issues an operation and waits for its +UUFTPCR result.
func (c *Client) run(ctx context.Context, op int, verb string, timeout time.Duration) error {
	c.mu.Lock()
	delete(c.results, op)
	c.mu.Unlock()

	if _, err := c.s.Execute(ctx, modem.Cmd(verb)); err != nil {
		return err
	}
	var res int
	err := c.s.WaitFor(ctx, timeout, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		var ok bool
		res, ok = c.results[op]
		return ok
	})
	if err != nil {
		return err
	}
	if res == 1 {
		return nil
	}
	return c.lastError(ctx, op)
}

func (c *Client) lastError(ctx context.Context, op int) error {
	ferr := &Error{Op: op}
	resp, err := c.s.Execute(ctx, modem.Cmd("AT+UFTPER", "+UFTPER:"))
	if err != nil {
		c.logger.Warn("AT+UFTPER failed", "err", err)
		return ferr
	}
	if p, ok := resp.Params("+UFTPER:"); ok && len(p) >= 2 {
		ferr.Class, _ = strconv.Atoi(p[0])
		ferr.Code, _ = strconv.Atoi(p[1])
	}
	return ferr
}
