// Package filexfer moves files to and from the modem's flash file system in
// bounded chunks, each chunk one AT exchange.
package filexfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"cellnode/internal/at"
	"cellnode/internal/metrics"
	"cellnode/internal/modem"
)

const (
	DefaultChunkSize    = 512
	DefaultChunkTimeout = 10 * time.Second

	// MaxChunkSize is the largest AT+URDBLOCK/AT+UDWNFILE block that fits
	// the SARA-R5 command buffer.
	MaxChunkSize = 64000
)

var (
	// ErrShortRead is wrapped by a TransferError when the modem returns
	// fewer bytes than requested before the expected end.
	ErrShortRead = errors.New("short read")

	// ErrOverrun is wrapped by a TransferError when the modem returns more
	// bytes than requested.
	ErrOverrun = errors.New("modem returned more data than requested")

	// ErrBlockMismatch is wrapped by a TransferError when a block names a
	// different file than the one requested.
	ErrBlockMismatch = errors.New("block for another file")
)

// TransferError reports an aborted transfer and the offset reached. A read
// can be resumed by calling ReadFile again at Offset.
type TransferError struct {
	Name   string
	Offset int64
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s aborted at offset %d: %v", e.Name, e.Offset, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Session describes an in-progress transfer.
type Session struct {
	Name  string
	Total int64
	Done  int64
}

// Executor runs one AT exchange. *modem.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, cmd modem.Command) (*modem.Response, error)
}

// Config tunes chunking.
type Config struct {
	ChunkSize    int
	ChunkTimeout time.Duration
	// Retries is how many times a timed-out read chunk is reissued.
	// Write chunks are never retried because the modem appends.
	Retries int
	// Progress, if set, is called after every chunk.
	Progress func(Session)
}

// Transfer reads and writes modem files.
type Transfer struct {
	exec   Executor
	cfg    Config
	logger *slog.Logger
}

// New creates a Transfer. Zero config values take defaults.
func New(exec Executor, cfg Config, logger *slog.Logger) *Transfer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transfer{exec: exec, cfg: cfg, logger: logger}
}

// WriteFile replaces the modem file name with the contents of src and
// returns the bytes written. On failure the partial file is left on the
// modem. The modem cannot create an empty file, so an empty src only
// deletes name.
func (t *Transfer) WriteFile(ctx context.Context, name string, src io.Reader) (int64, error) {
	if err := t.Delete(ctx, name); err != nil && !errors.Is(err, modem.ErrRejected) {
		return 0, &TransferError{Name: name, Err: err}
	}

	s := Session{Name: name, Total: -1}
	buf := make([]byte, t.cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return s.Done, &TransferError{Name: name, Offset: s.Done, Err: err}
		}

		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			cmd := modem.Command{
				Verb:    fmt.Sprintf("AT+UDWNFILE=%s,%d", at.Quote(name), n),
				Payload: buf[:n],
				Timeout: t.cfg.ChunkTimeout,
			}
			if _, err := t.exec.Execute(ctx, cmd); err != nil {
				t.logger.Warn("file write chunk failed", "file", name, "offset", s.Done, "err", err)
				return s.Done, &TransferError{Name: name, Offset: s.Done, Err: err}
			}
			s.Done += int64(n)
			metrics.TransferBytes.WithLabelValues("write").Add(float64(n))
			t.progress(s)
		}

		switch {
		case rerr == io.EOF || rerr == io.ErrUnexpectedEOF:
			t.logger.Debug("file written", "file", name, "bytes", s.Done)
			return s.Done, nil
		case rerr != nil:
			return s.Done, &TransferError{Name: name, Offset: s.Done, Err: rerr}
		}
	}
}

// ReadFile copies length bytes of the modem file name, starting at offset,
// into sink. A length of zero or less reads to the end of the file.
func (t *Transfer) ReadFile(ctx context.Context, name string, sink io.Writer, offset, length int64) (int64, error) {
	if offset < 0 {
		return 0, fmt.Errorf("read %s: negative offset %d", name, offset)
	}
	if length <= 0 {
		size, err := t.Size(ctx, name)
		if err != nil {
			return 0, &TransferError{Name: name, Offset: offset, Err: err}
		}
		length = size - offset
		if length <= 0 {
			return 0, nil
		}
	}

	s := Session{Name: name, Total: length}
	for s.Done < s.Total {
		pos := offset + s.Done
		if err := ctx.Err(); err != nil {
			return s.Done, &TransferError{Name: name, Offset: pos, Err: err}
		}

		want := int64(t.cfg.ChunkSize)
		if rem := s.Total - s.Done; rem < want {
			want = rem
		}
		data, err := t.readChunk(ctx, name, pos, want)
		if err != nil {
			t.logger.Warn("file read chunk failed", "file", name, "offset", pos, "err", err)
			return s.Done, &TransferError{Name: name, Offset: pos, Err: err}
		}
		if len(data) == 0 {
			return s.Done, &TransferError{Name: name, Offset: pos, Err: ErrShortRead}
		}
		if _, err := sink.Write(data); err != nil {
			return s.Done, &TransferError{Name: name, Offset: pos, Err: err}
		}
		s.Done += int64(len(data))
		metrics.TransferBytes.WithLabelValues("read").Add(float64(len(data)))
		t.progress(s)

		if int64(len(data)) < want && s.Done < s.Total {
			return s.Done, &TransferError{Name: name, Offset: offset + s.Done, Err: ErrShortRead}
		}
	}
	return s.Done, nil
}

func (t *Transfer) readChunk(ctx context.Context, name string, pos, want int64) ([]byte, error) {
	cmd := modem.Command{
		Verb:    fmt.Sprintf("AT+URDBLOCK=%s,%d,%d", at.Quote(name), pos, want),
		Expect:  []string{at.ReadBlock},
		Timeout: t.cfg.ChunkTimeout,
	}

	var (
		resp *modem.Response
		err  error
	)
	for attempt := 0; attempt <= t.cfg.Retries; attempt++ {
		resp, err = t.exec.Execute(ctx, cmd)
		if err == nil || !errors.Is(err, modem.ErrTimeout) {
			break
		}
		t.logger.Info("file read chunk timed out", "file", name, "offset", pos, "attempt", attempt+1)
	}
	if err != nil {
		return nil, err
	}

	for _, l := range resp.Lines {
		got, data, perr := at.ParseBlock(l)
		if perr != nil {
			continue
		}
		if got != name {
			return nil, fmt.Errorf("%w: got %q", ErrBlockMismatch, got)
		}
		if int64(len(data)) > want {
			return nil, ErrOverrun
		}
		return data, nil
	}
	return nil, nil
}

// Size returns the size in bytes of the modem file name.
func (t *Transfer) Size(ctx context.Context, name string) (int64, error) {
	resp, err := t.exec.Execute(ctx, modem.Cmd(fmt.Sprintf("AT+ULSTFILE=2,%s", at.Quote(name)), "+ULSTFILE:"))
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", name, err)
	}
	v, ok := resp.Value("+ULSTFILE:")
	if !ok {
		return 0, fmt.Errorf("size %s: no +ULSTFILE in response", name)
	}
	size, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %s: parse %q: %w", name, v, err)
	}
	return size, nil
}

// Delete removes the modem file name.
func (t *Transfer) Delete(ctx context.Context, name string) error {
	if _, err := t.exec.Execute(ctx, modem.Cmd(fmt.Sprintf("AT+UDELFILE=%s", at.Quote(name)))); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// List returns the names of the files on modem storage.
func (t *Transfer) List(ctx context.Context) ([]string, error) {
	resp, err := t.exec.Execute(ctx, modem.Cmd("AT+ULSTFILE=0", "+ULSTFILE:"))
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	var names []string
	for _, l := range resp.Lines {
		v, ok := at.Payload(l, "+ULSTFILE:")
		if !ok || v == "" {
			continue
		}
		names = append(names, at.SplitParams(v)...)
	}
	return names, nil
}

func (t *Transfer) progress(s Session) {
	if t.cfg.Progress != nil {
		t.cfg.Progress(s)
	}
}
