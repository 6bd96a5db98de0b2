// Package ntp sets the modem and host clocks from an NTP server reached
// through a modem UDP socket.
package ntp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"cellnode/internal/at"
	"cellnode/internal/metrics"
	"cellnode/internal/modem"
)

const (
	PacketSize = 48
	Port       = 123

	// unixOffset is the number of seconds between the NTP epoch (1900) and
	// the Unix epoch (1970).
	unixOffset = 2208988800

	DefaultServer       = "pool.ntp.org"
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond

	cclkLayout = "06/01/02,15:04:05"
)

var (
	// ErrNoReply is returned when the server does not answer within the
	// sync timeout.
	ErrNoReply = errors.New("ntp: no reply")

	// ErrBadPacket is returned for a reply that is not a usable server packet.
	ErrBadPacket = errors.New("ntp: bad packet")
)

// Session is the part of the modem engine the syncer needs.
type Session interface {
	Execute(ctx context.Context, cmd modem.Command) (*modem.Response, error)
	Poll(ctx context.Context, d time.Duration) error
}

// Config tunes the syncer.
type Config struct {
	Server       string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Result is a completed sync.
type Result struct {
	Time   time.Time     `json:"time"`
	Drift  time.Duration `json:"drift"`
	Server string        `json:"server"`
}

// Syncer runs NTP exchanges.
type Syncer struct {
	s      Session
	clock  Clock
	cfg    Config
	logger *slog.Logger
}

// NewSyncer creates a syncer. A nil clock measures drift against the host
// clock without setting it.
func NewSyncer(s Session, clock Clock, cfg Config, logger *slog.Logger) *Syncer {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{s: s, clock: clock, cfg: cfg, logger: logger}
}

// Request returns a client request packet: LI 0, version 4, mode 3.
func Request() []byte {
	p := make([]byte, PacketSize)
	p[0] = 0<<6 | 4<<3 | 3
	return p
}

// ParseReply extracts the transmit timestamp of a server reply.
func ParseReply(p []byte) (time.Time, error) {
	if len(p) < PacketSize {
		return time.Time{}, fmt.Errorf("%w: %d bytes", ErrBadPacket, len(p))
	}
	if mode := p[0] & 0x07; mode != 4 {
		return time.Time{}, fmt.Errorf("%w: mode %d", ErrBadPacket, mode)
	}
	if p[1] == 0 {
		return time.Time{}, fmt.Errorf("%w: kiss-o'-death %q", ErrBadPacket, p[12:16])
	}
	secs := binary.BigEndian.Uint32(p[40:44])
	frac := binary.BigEndian.Uint32(p[44:48])
	if secs == 0 {
		return time.Time{}, fmt.Errorf("%w: zero transmit time", ErrBadPacket)
	}
	nsec := (int64(frac) * 1e9) >> 32
	return time.Unix(int64(secs)-unixOffset, nsec).UTC(), nil
}

// Sync queries the server, sets the modem clock and reconciles the host
// clock. The socket is always closed.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	if _, err := s.s.Execute(ctx, modem.Cmd("AT+UDCONF=1,1")); err != nil {
		return Result{}, fmt.Errorf("ntp: hex mode: %w", err)
	}
	resp, err := s.s.Execute(ctx, modem.Cmd("AT+USOCR=17", "+USOCR:"))
	if err != nil {
		return Result{}, fmt.Errorf("ntp: open socket: %w", err)
	}
	v, ok := resp.Value("+USOCR:")
	if !ok {
		return Result{}, fmt.Errorf("ntp: open socket: no +USOCR in response")
	}
	sock, err := strconv.Atoi(v)
	if err != nil {
		return Result{}, fmt.Errorf("ntp: open socket: parse %q: %w", v, err)
	}
	defer func() {
		if _, err := s.s.Execute(context.WithoutCancel(ctx), modem.Cmd(fmt.Sprintf("AT+USOCL=%d", sock))); err != nil {
			s.logger.Warn("NTP socket close failed", "socket", sock, "err", err)
		}
	}()

	t, err := s.exchange(ctx, sock)
	if err != nil {
		return Result{}, err
	}

	drift := t.Sub(s.clock.Now())
	metrics.ClockDrift.Set(drift.Seconds())
	s.logger.Info("NTP time", "server", s.cfg.Server, "time", t.Format(time.RFC3339), "drift", drift)

	if err := s.SetModemClock(ctx, t); err != nil {
		s.logger.Error("modem clock set failed", "err", err)
	}
	if err := s.clock.Set(t); err != nil {
		s.logger.Warn("host clock set failed", "err", err)
	}
	return Result{Time: t, Drift: drift, Server: s.cfg.Server}, nil
}

func (s *Syncer) exchange(ctx context.Context, sock int) (time.Time, error) {
	send := fmt.Sprintf("AT+USOST=%d,%s,%d,%d,%s", sock, at.Quote(s.cfg.Server), Port, PacketSize,
		at.Quote(strings.ToUpper(hex.EncodeToString(Request()))))
	if _, err := s.s.Execute(ctx, modem.Cmd(send, "+USOST:").WithTimeout(s.cfg.Timeout)); err != nil {
		return time.Time{}, fmt.Errorf("ntp: send: %w", err)
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	for time.Now().Before(deadline) {
		resp, err := s.s.Execute(ctx, modem.Cmd(fmt.Sprintf("AT+USORF=%d,%d", sock, PacketSize), "+USORF:"))
		if err != nil {
			return time.Time{}, fmt.Errorf("ntp: receive: %w", err)
		}
		if data, ok := datagram(resp); ok {
			if len(data) > PacketSize {
				s.logger.Warn("NTP reply longer than expected", "bytes", len(data))
			}
			return ParseReply(data)
		}
		if err := s.s.Poll(ctx, s.cfg.PollInterval); err != nil {
			return time.Time{}, fmt.Errorf("ntp: receive: %w", err)
		}
	}
	return time.Time{}, fmt.Errorf("%w from %s after %s", ErrNoReply, s.cfg.Server, s.cfg.Timeout)
}

// datagram decodes `+USORF: sock,"ip",port,len,"hex"`. A reply without data
// carries a zero length.
func datagram(resp *modem.Response) ([]byte, bool) {
	p, ok := resp.Params("+USORF:")
	if !ok || len(p) < 5 {
		return nil, false
	}
	if n, err := strconv.Atoi(p[3]); err != nil || n == 0 {
		return nil, false
	}
	data, err := hex.DecodeString(p[4])
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// SetModemClock sets the modem RTC to t in UTC.
func (s *Syncer) SetModemClock(ctx context.Context, t time.Time) error {
	verb := "AT+CCLK=" + at.Quote(t.UTC().Format(cclkLayout)+"+00")
	if _, err := s.s.Execute(ctx, modem.Cmd(verb)); err != nil {
		return fmt.Errorf("ntp: set modem clock: %w", err)
	}
	return nil
}

// NetworkTime reads the modem RTC, which the network may have set (NITZ).
func (s *Syncer) NetworkTime(ctx context.Context) (time.Time, error) {
	resp, err := s.s.Execute(ctx, modem.Cmd("AT+CCLK?", "+CCLK:"))
	if err != nil {
		return time.Time{}, fmt.Errorf("ntp: read modem clock: %w", err)
	}
	v, ok := resp.Value("+CCLK:")
	if !ok {
		return time.Time{}, fmt.Errorf("ntp: read modem clock: no +CCLK in response")
	}
	return ParseCCLK(v)
}

// ParseCCLK parses a +CCLK value such as "24/10/17,12:30:00+08", where the
// zone is in quarter hours.
func ParseCCLK(v string) (time.Time, error) {
	v = strings.Trim(v, `"`)
	if len(v) < len(cclkLayout) {
		return time.Time{}, fmt.Errorf("ntp: clock %q: too short", v)
	}
	local, err := time.Parse(cclkLayout, v[:len(cclkLayout)])
	if err != nil {
		return time.Time{}, fmt.Errorf("ntp: clock %q: %w", v, err)
	}
	var quarters int
	if zone := v[len(cclkLayout):]; zone != "" {
		quarters, err = strconv.Atoi(zone)
		if err != nil {
			return time.Time{}, fmt.Errorf("ntp: clock %q: zone: %w", v, err)
		}
	}
	return local.Add(-time.Duration(quarters) * 15 * time.Minute), nil
}
