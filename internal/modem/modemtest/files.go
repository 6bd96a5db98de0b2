package modemtest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"cellnode/internal/at"
)

// Files emulates the SARA-R5 flash file system commands: AT+UDWNFILE,
// AT+URDBLOCK, AT+ULSTFILE and AT+UDELFILE.
type Files struct {
	mu    sync.Mutex
	files map[string][]byte

	// FailRead, if set, makes AT+URDBLOCK at offset fail with a CME error.
	FailRead func(name string, offset int64) bool

	// Next handles commands that are not file commands. Nil replies ERROR.
	Next Handler
}

// NewFiles returns an empty file system.
func NewFiles() *Files {
	return &Files{files: make(map[string][]byte)}
}

// Put stores a file directly.
func (f *Files) Put(name string, data []byte) {
	f.mu.Lock()
	f.files[name] = append([]byte(nil), data...)
	f.mu.Unlock()
}

// Get returns a copy of a stored file.
func (f *Files) Get(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[name]
	return append([]byte(nil), b...), ok
}

// Handle implements Handler.
func (f *Files) Handle(c *Conn, cmd string) {
	switch {
	case strings.HasPrefix(cmd, "AT+UDWNFILE="):
		p := at.SplitParams(strings.TrimPrefix(cmd, "AT+UDWNFILE="))
		if len(p) < 2 {
			c.Send("+CME ERROR: operation not allowed")
			return
		}
		n, err := strconv.Atoi(p[1])
		if err != nil || n <= 0 {
			c.Send("+CME ERROR: operation not allowed")
			return
		}
		c.Prompt()
		data, err := c.ReadPayload(n)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.files[p[0]] = append(f.files[p[0]], data...)
		f.mu.Unlock()
		c.Send("OK")

	case strings.HasPrefix(cmd, "AT+URDBLOCK="):
		p := at.SplitParams(strings.TrimPrefix(cmd, "AT+URDBLOCK="))
		off, _ := strconv.ParseInt(p[1], 10, 64)
		n, _ := strconv.ParseInt(p[2], 10, 64)
		f.mu.Lock()
		data, ok := f.files[p[0]]
		f.mu.Unlock()
		if !ok {
			c.Send("+CME ERROR: FILE NOT FOUND")
			return
		}
		if f.FailRead != nil && f.FailRead(p[0], off) {
			c.Send("+CME ERROR: operation not allowed")
			return
		}
		if off > int64(len(data)) {
			off = int64(len(data))
		}
		end := off + n
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		block := data[off:end]
		c.SendRaw([]byte(fmt.Sprintf("+URDBLOCK: %q,%d,\"", p[0], len(block))))
		c.SendRaw(block)
		c.Send("\"", "OK")

	case strings.HasPrefix(cmd, "AT+ULSTFILE=2,"):
		name := at.SplitParams(strings.TrimPrefix(cmd, "AT+ULSTFILE=2,"))[0]
		f.mu.Lock()
		data, ok := f.files[name]
		f.mu.Unlock()
		if !ok {
			c.Send("+CME ERROR: FILE NOT FOUND")
			return
		}
		c.Send(fmt.Sprintf("+ULSTFILE: %d", len(data)), "OK")

	case cmd == "AT+ULSTFILE=0":
		f.mu.Lock()
		names := make([]string, 0, len(f.files))
		for n := range f.files {
			names = append(names, at.Quote(n))
		}
		f.mu.Unlock()
		sort.Strings(names)
		c.Send("+ULSTFILE: "+strings.Join(names, ","), "OK")

	case strings.HasPrefix(cmd, "AT+UDELFILE="):
		name := at.SplitParams(strings.TrimPrefix(cmd, "AT+UDELFILE="))[0]
		f.mu.Lock()
		_, ok := f.files[name]
		delete(f.files, name)
		f.mu.Unlock()
		if !ok {
			c.Send("+CME ERROR: FILE NOT FOUND")
			return
		}
		c.Send("OK")

	case f.Next != nil:
		f.Next(c, cmd)

	default:
		c.Send("ERROR")
	}
}
