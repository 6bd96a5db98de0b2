package modem

import (
	"strings"
	"time"

	"cellnode/internal/at"
)

// DefaultTimeout applies to commands that do not set one.
const DefaultTimeout = 5 * time.Second

// Command is one AT instruction. It is passed by value and never modified
// by the engine.
type Command struct {
	// Verb is the command text without the trailing CR, e.g. `AT+CCLK?`.
	Verb string
	// Payload is written raw after the modem's ">" prompt.
	Payload []byte
	// Expect lists prefixes of data lines belonging to this command. When
	// empty, any line no dispatcher route claims is taken as data.
	Expect []string
	// Success and Failure override the default final result codes.
	Success []string
	Failure []string
	Timeout time.Duration
}

// Cmd returns a command with the default timeout and result codes.
func Cmd(verb string, expect ...string) Command {
	return Command{Verb: verb, Expect: expect}
}

// WithTimeout returns a copy of c with the timeout set.
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

func (c Command) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c Command) isSuccess(line string) bool {
	if len(c.Success) == 0 {
		return line == at.OK
	}
	return matchAny(line, c.Success)
}

func (c Command) isFailure(line string) bool {
	if len(c.Failure) == 0 {
		return at.Classify(line) == at.ResultError
	}
	return matchAny(line, c.Failure)
}

func matchAny(line string, tokens []string) bool {
	for _, t := range tokens {
		if at.MatchToken(line, t) {
			return true
		}
	}
	return false
}

// Response is the body of a successful exchange.
type Response struct {
	Lines []string
	Final string
}

// Value returns the payload of the first line starting with prefix.
func (r *Response) Value(prefix string) (string, bool) {
	for _, l := range r.Lines {
		if v, ok := at.Payload(l, prefix); ok {
			return v, true
		}
	}
	return "", false
}

// Params returns the split parameters of the first line starting with prefix.
func (r *Response) Params(prefix string) ([]string, bool) {
	v, ok := r.Value(prefix)
	if !ok {
		return nil, false
	}
	return at.SplitParams(v), true
}

// Text joins the data lines with newlines.
func (r *Response) Text() string {
	return strings.Join(r.Lines, "\n")
}
