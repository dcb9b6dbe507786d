package jsonrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// MaxContentLength bounds a single frame body.
const MaxContentLength = 64 << 20

// ErrMissingContentLength is returned for a header block without a
// Content-Length field.
var ErrMissingContentLength = errors.New("jsonrpc: missing Content-Length header")

// Reader decodes Content-Length framed messages. It is not safe for
// concurrent use; a session owns exactly one reader loop.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// Read returns the next message. io.EOF is returned unwrapped when the
// stream ends cleanly between frames.
func (r *Reader) Read() (*Message, error) {
	length := -1
	first := true
	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if first && errors.Is(err, io.EOF) && line == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		first = false
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("jsonrpc: malformed header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("jsonrpc: invalid Content-Length %q", value)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, ErrMissingContentLength
	}
	if length > MaxContentLength {
		return nil, fmt.Errorf("jsonrpc: frame of %d bytes exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, NewParseError(err.Error())
	}
	return &msg, nil
}

// Writer encodes Content-Length framed messages. Writes are serialized so
// frames from concurrent goroutines never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write frames and writes msg.
func (w *Writer) Write(msg *Message) error {
	if msg.JSONRPC == "" {
		msg.JSONRPC = Version
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.w, header); err != nil {
		return err
	}
	_, err = w.w.Write(body)
	return err
}
