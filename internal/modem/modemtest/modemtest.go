// Package modemtest provides an in-memory modem for tests. A Handler
// plays the modem side of each command.
package modemtest

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// Handler answers one command line (without the trailing CR).
type Handler func(c *Conn, cmd string)

// Conn is the modem side of the link.
type Conn struct {
	toHost   *io.PipeWriter
	fromHost *bufio.Reader

	mu       sync.Mutex
	commands []string
}

// Send writes each line followed by CRLF.
func (c *Conn) Send(lines ...string) {
	for _, l := range lines {
		_, _ = io.WriteString(c.toHost, l+"\r\n")
	}
}

// SendRaw writes p as is.
func (c *Conn) SendRaw(p []byte) {
	_, _ = c.toHost.Write(p)
}

// Prompt writes the payload prompt.
func (c *Conn) Prompt() {
	_, _ = io.WriteString(c.toHost, ">")
}

// ReadPayload reads n raw bytes written by the host after a prompt.
func (c *Conn) ReadPayload(n int) ([]byte, error) {
	p := make([]byte, n)
	_, err := io.ReadFull(c.fromHost, p)
	return p, err
}

// Commands returns every command received so far.
func (c *Conn) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Transport is the host side of the link. It implements modem.Transport.
type Transport struct {
	r *io.PipeReader
	w *io.PipeWriter
}

// New starts a fake modem served by h.
func New(h Handler) (*Transport, *Conn) {
	hostR, modemW := io.Pipe()
	modemR, hostW := io.Pipe()

	c := &Conn{toHost: modemW, fromHost: bufio.NewReader(modemR)}
	go func() {
		defer modemW.Close()
		for {
			line, err := c.fromHost.ReadString('\r')
			if err != nil {
				return
			}
			cmd := strings.TrimSpace(line)
			if cmd == "" {
				continue
			}
			c.mu.Lock()
			c.commands = append(c.commands, cmd)
			c.mu.Unlock()
			h(c, cmd)
		}
	}()
	return &Transport{r: hostR, w: hostW}, c
}

func (t *Transport) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t *Transport) Write(p []byte) (int, error) { return t.w.Write(p) }

func (t *Transport) Close() error {
	t.w.Close()
	return t.r.Close()
}

// Script returns a handler replying from a fixed table; unknown commands get
// ERROR.
func Script(replies map[string][]string) Handler {
	return func(c *Conn, cmd string) {
		lines, ok := replies[cmd]
		if !ok {
			c.Send("ERROR")
			return
		}
		c.Send(lines...)
	}
}
