// Package at implements the line grammar of the AT command set spoken by
// u-blox SARA-R5 class modems: framing of the byte stream into tokens,
// final result codes and parameter parsing.
package at

import (
	"strconv"
	"strings"
)

const (
	CRLF   = "\r\n"
	Prompt = ">"

	// Final result codes.
	OK       = "OK"
	ERROR    = "ERROR"
	CmeError = "+CME ERROR:"
	CmsError = "+CMS ERROR:"

	// Binary block response of AT+URDBLOCK.
	ReadBlock = "+URDBLOCK:"
)

// Kind tags a token produced by the Decoder.
type Kind int

const (
	KindLine   Kind = iota // a CRLF terminated line
	KindPrompt             // payload prompt after AT+UDWNFILE and similar
	KindBlock              // length-prefixed binary block (+URDBLOCK)
)

func (k Kind) String() string {
	switch k {
	case KindLine:
		return "line"
	case KindPrompt:
		return "prompt"
	case KindBlock:
		return "block"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Token is one unit of modem output.
type Token struct {
	Kind Kind
	Text string
}

// Result is the role of a line with respect to the default final result codes.
type Result int

const (
	ResultNone Result = iota
	ResultOK
	ResultError
)

// Classify reports whether line is one of the standard final result codes.
func Classify(line string) Result {
	switch {
	case line == OK:
		return ResultOK
	case line == ERROR,
		strings.HasPrefix(line, CmeError),
		strings.HasPrefix(line, CmsError):
		return ResultError
	default:
		return ResultNone
	}
}

// MatchToken reports whether line matches an expected token. Tokens ending
// in ':' are prefixes (e.g. "+CME ERROR:"), all others must match exactly.
func MatchToken(line, token string) bool {
	if strings.HasSuffix(token, ":") {
		return strings.HasPrefix(line, token)
	}
	return line == token
}

// Payload strips prefix and the following spaces from line.
func Payload(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimLeft(line[len(prefix):], " "), true
}

// SplitParams splits a comma separated parameter list. Quoted parameters
// keep commas and have their quotes removed.
func SplitParams(s string) []string {
	var (
		params []string
		cur    strings.Builder
		quoted bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			params = append(params, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(params, cur.String())
}

// Quote returns s as a quoted AT string parameter.
func Quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, "") + `"`
}
