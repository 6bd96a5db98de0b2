package at

import (
	"bufio"
	"bytes"
	"errors"
	"strconv"
)

// ErrMalformedBlock is returned by ParseBlock for a token that is not a
// well formed +URDBLOCK response.
var ErrMalformedBlock = errors.New("malformed +URDBLOCK block")

// Splitter tokenizes modem output. It has the signature of bufio.SplitFunc
// so it can drive a bufio.Scanner.
//
// It splits by CRLF, recognizes the payload prompt ("> " or a lone ">")
// and frames +URDBLOCK responses by their declared length, since the raw
// block may itself contain CR and LF bytes.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if data[0] == '>' {
		switch {
		case len(data) == 1:
			return 1, data[:1], nil
		case data[1] == ' ':
			return 2, data[:1], nil
		}
	}

	if bytes.HasPrefix(data, []byte(ReadBlock)) {
		n, complete, ok := blockLen(data)
		switch {
		case ok && complete:
			adv := n
			if bytes.HasPrefix(data[n:], []byte(CRLF)) {
				adv += len(CRLF)
			}
			return adv, data[:n], nil
		case ok && !atEOF:
			return 0, nil, nil
		}
	}

	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// blockLen inspects a +URDBLOCK: "name",N,"<N bytes>" token. ok is false
// when the data does not follow the block grammar. complete reports whether
// all N bytes and the closing quote are buffered, in which case n is the
// token length.
func blockLen(data []byte) (n int, complete, ok bool) {
	i := len(ReadBlock)
	for i < len(data) && data[i] == ' ' {
		i++
	}
	if i == len(data) {
		return 0, false, true
	}
	if data[i] != '"' {
		return 0, false, false
	}
	end := bytes.IndexByte(data[i+1:], '"')
	if end < 0 {
		return 0, false, !bytes.Contains(data[i+1:], []byte(CRLF))
	}
	i += end + 2
	if i >= len(data) {
		return 0, false, true
	}
	if data[i] != ',' {
		return 0, false, false
	}
	i++
	start := i
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	if i == len(data) {
		return 0, false, true
	}
	if i == start || data[i] != ',' {
		return 0, false, false
	}
	size, err := strconv.Atoi(string(data[start:i]))
	if err != nil {
		return 0, false, false
	}
	i++
	if i == len(data) {
		return 0, false, true
	}
	if data[i] != '"' {
		return 0, false, false
	}
	total := i + 1 + size + 1
	if len(data) < total {
		return 0, false, true
	}
	if data[total-1] != '"' {
		return 0, false, false
	}
	return total, true, true
}

// ParseBlock extracts the file name and raw bytes of a +URDBLOCK token.
func ParseBlock(token string) (name string, data []byte, err error) {
	n, complete, ok := blockLen([]byte(token))
	if !ok || !complete || n != len(token) {
		return "", nil, ErrMalformedBlock
	}
	rest, _ := Payload(token, ReadBlock)
	rest = rest[1:]
	q := bytes.IndexByte([]byte(rest), '"')
	name = rest[:q]
	rest = rest[q+2:]
	c := bytes.IndexByte([]byte(rest), ',')
	size, _ := strconv.Atoi(rest[:c])
	raw := rest[c+2 : c+2+size]
	return name, []byte(raw), nil
}

// Decoder accumulates raw reads and yields tokens. Unlike bufio.Scanner it
// tolerates zero-length reads from a serial port read timeout.
type Decoder struct {
	buf []byte
	max int
}

// NewDecoder returns a Decoder that discards buffered data once it grows
// beyond max bytes without forming a token.
func NewDecoder(max int) *Decoder {
	return &Decoder{max: max}
}

// Feed appends raw bytes read from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete token, if any. The second result reports
// whether buffered data was dropped because it exceeded the limit.
func (d *Decoder) Next() (tok Token, ok bool, overflow bool) {
	if len(d.buf) == 0 {
		return Token{}, false, false
	}
	adv, raw, _ := Splitter(d.buf, false)
	if adv == 0 {
		if d.max > 0 && len(d.buf) > d.max {
			d.buf = d.buf[:0]
			return Token{}, false, true
		}
		return Token{}, false, false
	}
	text := string(raw)
	d.buf = d.buf[adv:]
	if len(d.buf) == 0 {
		d.buf = nil
	}

	switch {
	case text == Prompt:
		return Token{Kind: KindPrompt, Text: text}, true, false
	case len(text) > len(ReadBlock) && text[:len(ReadBlock)] == ReadBlock:
		if _, _, err := ParseBlock(text); err == nil {
			return Token{Kind: KindBlock, Text: text}, true, false
		}
	}
	return Token{Kind: KindLine, Text: text}, true, false
}
