// Package modem drives an AT command modem: one command/response exchange at
// a time over a serial transport, with unsolicited lines routed to a
// Dispatcher.
package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cellnode/internal/at"
	"cellnode/internal/metrics"
)

const (
	readBufSize    = 1024
	maxPending     = 64 * 1024 // bytes buffered without forming a token
	tokenQueueSize = 256

	syncCommand   = "AT"
	resyncTimeout = 2 * time.Second
	resyncSettle  = 100 * time.Millisecond

	// unsolicitedPrefix marks u-blox URCs that never belong to a response body.
	unsolicitedPrefix = "+UU"
)

// Engine executes AT commands. Exactly one exchange (Execute, Poll or
// WaitFor) runs at a time; a concurrent call gets ErrBusy.
type Engine struct {
	transport  Transport
	dispatcher *Dispatcher
	logger     *slog.Logger

	tokens chan at.Token
	busy   atomic.Bool
	// stale is set when an exchange was abandoned after its command was
	// written; the modem may still answer it.
	stale atomic.Bool

	done      chan struct{}
	lost      chan struct{}
	lostOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEngine starts reading from t. Lines not claimed by an exchange go to d,
// which may be nil.
func NewEngine(t Transport, d *Dispatcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		transport:  t,
		dispatcher: d,
		logger:     logger,
		tokens:     make(chan at.Token, tokenQueueSize),
		done:       make(chan struct{}),
		lost:       make(chan struct{}),
	}
	e.wg.Add(1)
	go e.readLoop()
	return e
}

// Dispatcher returns the dispatcher unsolicited lines are routed to.
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// readLoop frames transport bytes into tokens. It never interprets them;
// that happens on the caller's goroutine inside an exchange.
func (e *Engine) readLoop() {
	defer e.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	dec := at.NewDecoder(maxPending)
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-e.done:
			return
		default:
		}

		n, err := e.transport.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				tok, ok, overflow := dec.Next()
				if overflow {
					e.logger.Warn("AT RX overflow, discarding buffered bytes", "limit", maxPending)
				}
				if !ok {
					break
				}
				select {
				case e.tokens <- tok:
				case <-e.done:
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				e.markLost()
				return
			}
			select {
			case <-e.done:
				return
			default:
			}
			e.logger.Error("modem read error", "err", err)
			select {
			case <-time.After(backoff):
			case <-e.done:
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = 10 * time.Millisecond
	}
}

func (e *Engine) markLost() {
	e.lostOnce.Do(func() { close(e.lost) })
}

// Execute writes cmd and waits for its final result.
//
// Data lines are returned in the response body. Lines outside the command's
// response grammar go to the dispatcher. A failure result returns a
// *CommandRejectedError; no result before cmd.Timeout returns ErrTimeout.
func (e *Engine) Execute(ctx context.Context, cmd Command) (*Response, error) {
	if cmd.Verb == "" {
		return nil, ErrEmptyCommand
	}
	if !e.busy.CompareAndSwap(false, true) {
		metrics.ExchangesTotal.WithLabelValues("busy").Inc()
		return nil, ErrBusy
	}
	defer e.busy.Store(false)

	start := time.Now()
	resp, err := e.exchange(ctx, cmd)
	metrics.ExchangesTotal.WithLabelValues(resultLabel(err)).Inc()
	metrics.ExchangeLatency.Observe(time.Since(start).Seconds())
	return resp, err
}

func (e *Engine) exchange(ctx context.Context, cmd Command) (*Response, error) {
	select {
	case <-e.lost:
		return nil, ErrClosed
	default:
	}
	e.drain()
	if e.stale.Load() {
		if err := e.resync(ctx); err != nil {
			return nil, err
		}
	}

	if err := e.write([]byte(cmd.Verb + "\r")); err != nil {
		return nil, fmt.Errorf("at: write %s: %w", cmd.Verb, err)
	}
	e.logger.Debug("AT TX", "cmd", cmd.Verb, "payload", len(cmd.Payload))

	timeout := cmd.timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	resp := &Response{}
	payloadSent := cmd.Payload == nil
	for {
		select {
		case <-ctx.Done():
			e.stale.Store(true)
			return nil, ctx.Err()
		case <-timer.C:
			e.stale.Store(true)
			e.logger.Info("AT timeout", "cmd", cmd.Verb, "timeout", timeout)
			return nil, fmt.Errorf("%s: %w after %s", cmd.Verb, ErrTimeout, timeout)
		case <-e.lost:
			return nil, ErrClosed
		case <-e.done:
			return nil, ErrClosed
		case tok := <-e.tokens:
			switch tok.Kind {
			case at.KindPrompt:
				if !payloadSent {
					if err := e.write(cmd.Payload); err != nil {
						return nil, fmt.Errorf("at: write payload for %s: %w", cmd.Verb, err)
					}
					payloadSent = true
				}
				continue
			case at.KindBlock:
				if e.expects(cmd, tok.Text) {
					resp.Lines = append(resp.Lines, tok.Text)
				} else {
					e.dispatch(tok.Text)
				}
				continue
			}

			line := strings.TrimRight(tok.Text, " \r")
			if line == "" || line == cmd.Verb {
				continue
			}
			e.logger.Debug("AT RX", "line", line)
			switch {
			case cmd.isSuccess(line):
				resp.Final = line
				return resp, nil
			case cmd.isFailure(line):
				e.logger.Info("AT rejected", "cmd", cmd.Verb, "result", line)
				return nil, &CommandRejectedError{Command: cmd.Verb, Text: line}
			case e.expects(cmd, line):
				resp.Lines = append(resp.Lines, line)
			default:
				e.dispatch(line)
			}
		}
	}
}

// resync writes a bare AT and consumes everything up to its final result,
// so late replies to an abandoned command are not taken by the next one.
// The modem answers in order, so the sync result is the last final line
// seen before the link goes quiet for resyncSettle. Data lines and blocks
// on the way are dispatched.
func (e *Engine) resync(ctx context.Context) error {
	if err := e.write([]byte(syncCommand + "\r")); err != nil {
		return fmt.Errorf("at: write %s: %w", syncCommand, err)
	}
	e.logger.Debug("AT resync")

	deadline := time.NewTimer(resyncTimeout)
	defer deadline.Stop()
	settle := time.NewTimer(resyncSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("resync: %w after %s", ErrTimeout, resyncTimeout)
		case <-e.lost:
			return ErrClosed
		case <-e.done:
			return ErrClosed
		case <-settle.C:
			e.stale.Store(false)
			return nil
		case tok := <-e.tokens:
			switch tok.Kind {
			case at.KindPrompt:
				continue
			case at.KindBlock:
				settle.Stop()
				e.dispatch(tok.Text)
				continue
			}
			line := strings.TrimRight(tok.Text, " \r")
			if line == "" || line == syncCommand {
				continue
			}
			if at.Classify(line) != at.ResultNone {
				e.logger.Debug("AT resync discarded", "line", line)
				settle.Reset(resyncSettle)
				continue
			}
			settle.Stop()
			e.dispatch(line)
		}
	}
}

// expects reports whether line is part of cmd's response body.
func (e *Engine) expects(cmd Command, line string) bool {
	if len(cmd.Expect) > 0 {
		for _, p := range cmd.Expect {
			if strings.HasPrefix(line, p) {
				return true
			}
		}
		return false
	}
	if strings.HasPrefix(line, unsolicitedPrefix) {
		return false
	}
	return e.dispatcher == nil || !e.dispatcher.Matches(line)
}

func (e *Engine) dispatch(line string) {
	if e.dispatcher == nil {
		return
	}
	if !e.dispatcher.OnLine(line) {
		metrics.NotificationsTotal.WithLabelValues("unknown").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues(routeLabel(line)).Inc()
}

// drain dispatches tokens that arrived while no exchange was running.
func (e *Engine) drain() {
	for {
		select {
		case tok := <-e.tokens:
			if tok.Kind == at.KindPrompt {
				continue
			}
			if line := strings.TrimRight(tok.Text, " \r"); line != "" {
				e.dispatch(line)
			}
		default:
			return
		}
	}
}

// Poll dispatches unsolicited lines arriving within d. It returns early only
// on cancellation or transport loss.
func (e *Engine) Poll(ctx context.Context, d time.Duration) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.busy.Store(false)

	e.drain()
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-e.lost:
			return ErrClosed
		case <-e.done:
			return ErrClosed
		case tok := <-e.tokens:
			if tok.Kind == at.KindPrompt {
				continue
			}
			if line := strings.TrimRight(tok.Text, " \r"); line != "" {
				e.dispatch(line)
			}
		}
	}
}

// WaitFor dispatches unsolicited lines until cond reports true or timeout
// elapses. cond is evaluated after every dispatched line, typically reading
// state a handler has set.
func (e *Engine) WaitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.busy.Store(false)

	e.drain()
	if cond() {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("wait: %w after %s", ErrTimeout, timeout)
		case <-e.lost:
			return ErrClosed
		case <-e.done:
			return ErrClosed
		case tok := <-e.tokens:
			if tok.Kind == at.KindPrompt {
				continue
			}
			if line := strings.TrimRight(tok.Text, " \r"); line != "" {
				e.dispatch(line)
			}
			if cond() {
				return nil
			}
		}
	}
}

func (e *Engine) write(p []byte) error {
	for len(p) > 0 {
		n, err := e.transport.Write(p)
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return ErrClosed
			}
			return err
		}
		p = p[n:]
	}
	return nil
}

// Close stops the reader and closes the transport.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.transport.Close()
	})
	e.wg.Wait()
	return err
}

func resultLabel(err error) string {
	var rejected *CommandRejectedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// routeLabel keeps metric cardinality bounded: "+CEREG: 5" becomes "+CEREG".
func routeLabel(line string) string {
	if i := strings.IndexByte(line, ':'); i > 0 && line[0] == '+' {
		return line[:i]
	}
	return "other"
}
