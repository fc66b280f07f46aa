package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// framing is how one message was delimited on the wire.
type framing int

const (
	// framingHeader is LSP style: Content-Length header, blank line, body.
	framingHeader framing = iota
	// framingLine is one JSON object per line.
	framingLine
)

func (f framing) String() string {
	if f == framingLine {
		return "line"
	}
	return "header"
}

const contentLengthHeader = "content-length:"

// maxMessageSize bounds one framed message body.
const maxMessageSize = 16 << 20

var (
	errNoContentLength = errors.New("missing or invalid Content-Length")
	errTooLarge        = fmt.Errorf("Content-Length exceeds %d bytes", maxMessageSize)
)

// decoder reads messages of either framing from one stream.
type decoder struct {
	r *bufio.Reader
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: bufio.NewReader(r)}
}

// next returns the next message body and the framing it arrived in.
// Leading whitespace between messages is skipped. io.EOF means the peer
// closed the stream cleanly.
func (d *decoder) next() ([]byte, framing, error) {
	if err := d.skipSpace(); err != nil {
		return nil, framingHeader, err
	}
	head, err := d.r.Peek(len(contentLengthHeader))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, framingHeader, err
	}
	if strings.EqualFold(string(head), contentLengthHeader) {
		body, err := d.header()
		return body, framingHeader, err
	}
	body, err := d.line()
	return body, framingLine, err
}

func (d *decoder) skipSpace() error {
	for {
		b, err := d.r.Peek(1)
		if err != nil {
			return err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = d.r.ReadByte()
		default:
			return nil
		}
	}
}

func (d *decoder) line() ([]byte, error) {
	for {
		raw, err := d.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if body := bytes.TrimSpace(raw); len(body) > 0 {
			return body, nil
		}
		if err != nil {
			return nil, io.EOF
		}
	}
}

func (d *decoder) header() ([]byte, error) {
	size := -1
	for {
		raw, err := d.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		raw = strings.TrimRight(raw, "\r\n")
		if raw == "" {
			break
		}
		key, val, ok := strings.Cut(raw, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Length: %w", err)
		}
		size = n
	}
	if size <= 0 {
		return nil, errNoContentLength
	}
	if size > maxMessageSize {
		return nil, errTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// encoder writes messages and flushes after each one.
type encoder struct {
	w *bufio.Writer
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{w: bufio.NewWriter(w)}
}

func (e *encoder) send(v any, f framing) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	switch f {
	case framingLine:
		body = append(body, '\n')
	default:
		if _, err := fmt.Fprintf(e.w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
			return err
		}
	}
	if _, err := e.w.Write(body); err != nil {
		return err
	}
	return e.w.Flush()
}
