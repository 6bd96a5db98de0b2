package filexfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"cellnode/internal/modem"
	"cellnode/internal/modem/modemtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTransfer(t *testing.T, cfg Config) (*Transfer, *modemtest.Files) {
	t.Helper()
	fs := modemtest.NewFiles()
	tr, _ := modemtest.New(fs.Handle)
	e := modem.NewEngine(tr, modem.NewDispatcher(testLogger()), testLogger())
	t.Cleanup(func() { e.Close() })
	return New(e, cfg, testLogger()), fs
}

func newTransferWithHandler(t *testing.T, cfg Config, h modemtest.Handler) *Transfer {
	t.Helper()
	tr, _ := modemtest.New(h)
	e := modem.NewEngine(tr, modem.NewDispatcher(testLogger()), testLogger())
	t.Cleanup(func() { e.Close() })
	return New(e, cfg, testLogger())
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"smaller than chunk", 100},
		{"exactly one chunk", 256},
		{"several chunks", 256*3 + 17},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, fs := newTestTransfer(t, Config{ChunkSize: 256, ChunkTimeout: 2 * time.Second})
			want := randomBytes(tt.size)
			ctx := context.Background()

			n, err := x.WriteFile(ctx, "data.bin", bytes.NewReader(want))
			if err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if n != int64(tt.size) {
				t.Errorf("WriteFile wrote %d, want %d", n, tt.size)
			}
			if stored, _ := fs.Get("data.bin"); !bytes.Equal(stored, want) {
				t.Fatal("stored file differs from source")
			}

			var got bytes.Buffer
			n, err = x.ReadFile(ctx, "data.bin", &got, 0, 0)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if n != int64(tt.size) {
				t.Errorf("ReadFile read %d, want %d", n, tt.size)
			}
			if !bytes.Equal(got.Bytes(), want) {
				t.Error("read back content differs")
			}
		})
	}
}

func TestWriteFileReplacesExisting(t *testing.T) {
	x, fs := newTestTransfer(t, Config{ChunkSize: 64})
	fs.Put("cfg.txt", []byte("old contents that are longer"))

	if _, err := x.WriteFile(context.Background(), "cfg.txt", bytes.NewReader([]byte("new"))); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if got, _ := fs.Get("cfg.txt"); string(got) != "new" {
		t.Errorf("file = %q, want new", got)
	}
}

func TestWriteFileEmptySourceDeletes(t *testing.T) {
	x, fs := newTestTransfer(t, Config{})
	fs.Put("cfg.txt", []byte("old"))

	n, err := x.WriteFile(context.Background(), "cfg.txt", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if n != 0 {
		t.Errorf("WriteFile wrote %d, want 0", n)
	}
	if _, ok := fs.Get("cfg.txt"); ok {
		t.Error("file still present after empty write")
	}
}

func TestReadFileRetryAfterLateReply(t *testing.T) {
	fs := modemtest.NewFiles()
	fs.Put("fw.bin", []byte("ABCDEFGH"))
	fs.Next = func(c *modemtest.Conn, cmd string) {
		if cmd == "AT" {
			c.Send("OK")
			return
		}
		c.Send("ERROR")
	}
	var slowed bool
	x := newTransferWithHandler(t, Config{ChunkSize: 4, ChunkTimeout: 150 * time.Millisecond, Retries: 1},
		func(c *modemtest.Conn, cmd string) {
			if !slowed && strings.HasPrefix(cmd, "AT+URDBLOCK=") {
				slowed = true
				time.Sleep(300 * time.Millisecond)
			}
			fs.Handle(c, cmd)
		})

	var got bytes.Buffer
	n, err := x.ReadFile(context.Background(), "fw.bin", &got, 0, 8)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if n != 8 {
		t.Errorf("read %d, want 8", n)
	}
	if got.String() != "ABCDEFGH" {
		t.Errorf("content = %q, want ABCDEFGH", got.String())
	}
}

func TestReadFileBlockForAnotherFile(t *testing.T) {
	x := newTransferWithHandler(t, Config{ChunkSize: 4}, func(c *modemtest.Conn, cmd string) {
		if !strings.HasPrefix(cmd, "AT+URDBLOCK=") {
			c.Send("ERROR")
			return
		}
		c.SendRaw([]byte(`+URDBLOCK: "other.bin",4,"`))
		c.SendRaw([]byte("WXYZ"))
		c.Send(`"`, "OK")
	})

	var got bytes.Buffer
	n, err := x.ReadFile(context.Background(), "fw.bin", &got, 0, 4)
	if !errors.Is(err, ErrBlockMismatch) {
		t.Fatalf("err = %v, want ErrBlockMismatch", err)
	}
	if n != 0 || got.Len() != 0 {
		t.Errorf("read %d bytes (%q), want none", n, got.Bytes())
	}
}

func TestReadFileResumeFromOffset(t *testing.T) {
	x, fs := newTestTransfer(t, Config{ChunkSize: 512})
	want := randomBytes(8 * 1024)
	fs.Put("fw.bin", want)

	failAt := int64(4096)
	fs.FailRead = func(name string, offset int64) bool { return offset == failAt }

	var got bytes.Buffer
	n, err := x.ReadFile(context.Background(), "fw.bin", &got, 0, int64(len(want)))
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransferError", err)
	}
	if te.Offset != failAt || n != failAt {
		t.Fatalf("aborted at offset %d (read %d), want %d", te.Offset, n, failAt)
	}
	if !errors.Is(err, modem.ErrRejected) {
		t.Errorf("TransferError should wrap the modem rejection, got %v", te.Err)
	}

	fs.FailRead = nil
	rest, err := x.ReadFile(context.Background(), "fw.bin", &got, te.Offset, int64(len(want))-te.Offset)
	if err != nil {
		t.Fatalf("resumed ReadFile: %v", err)
	}
	if n+rest != int64(len(want)) || !bytes.Equal(got.Bytes(), want) {
		t.Error("resumed read did not complete the file")
	}
}

func TestReadFileShortRead(t *testing.T) {
	x, fs := newTestTransfer(t, Config{ChunkSize: 100})
	fs.Put("short.bin", randomBytes(150))

	var got bytes.Buffer
	n, err := x.ReadFile(context.Background(), "short.bin", &got, 0, 300)
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
	if n != 150 {
		t.Errorf("read %d, want 150", n)
	}
	var te *TransferError
	if errors.As(err, &te) && te.Offset != 150 {
		t.Errorf("Offset = %d, want 150", te.Offset)
	}
}

func TestReadFileCanceledBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sessions []Session
	x, fs := newTestTransfer(t, Config{
		ChunkSize: 100,
		Progress: func(s Session) {
			sessions = append(sessions, s)
			if s.Done == 200 {
				cancel()
			}
		},
	})
	fs.Put("big.bin", randomBytes(1000))

	n, err := x.ReadFile(ctx, "big.bin", io.Discard, 0, 1000)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n != 200 {
		t.Errorf("read %d before cancel, want 200", n)
	}
	if len(sessions) != 2 || sessions[1].Total != 1000 {
		t.Errorf("progress = %+v", sessions)
	}
}

func TestSizeListDelete(t *testing.T) {
	x, fs := newTestTransfer(t, Config{})
	fs.Put("a.txt", []byte("12345"))
	fs.Put("b.txt", nil)
	ctx := context.Background()

	size, err := x.Size(ctx, "a.txt")
	if err != nil || size != 5 {
		t.Fatalf("Size = %d, %v; want 5", size, err)
	}
	names, err := x.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"a.txt", "b.txt"}; !reflect.DeepEqual(names, want) {
		t.Errorf("List = %q, want %q", names, want)
	}
	if err := x.Delete(ctx, "a.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := x.Size(ctx, "a.txt"); !errors.Is(err, modem.ErrRejected) {
		t.Errorf("Size after delete err = %v, want ErrRejected", err)
	}
}
