package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/valyala/bytebufferpool"

	"devbridge/internal/logging"
)

// MaxFrameSize is the largest inbound frame a StreamTransport accepts.
const MaxFrameSize = 4 * 1024 * 1024

// StreamTransport carries newline-delimited frames over a byte stream,
// e.g. the stdio of a host process or a unix socket.
type StreamTransport struct {
	writeMu sync.Mutex
	w       io.WriteCloser
	r       io.Reader

	frames chan []byte
	errc   chan error

	closeOnce sync.Once
	done      chan struct{}
}

// NewStreamTransport starts reading frames from r. Frames are written to w.
func NewStreamTransport(r io.Reader, w io.WriteCloser) *StreamTransport {
	t := &StreamTransport{
		w:      w,
		r:      r,
		frames: make(chan []byte, 16),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *StreamTransport) readLoop() {
	br := bufio.NewReaderSize(t.r, 64*1024)
	for {
		line, dropped, err := readFrame(br, MaxFrameSize)
		if dropped > 0 {
			logging.TransportDebug("dropped oversized frame (%d bytes, limit %d)", dropped, MaxFrameSize)
		} else if line = bytes.TrimSpace(line); len(line) > 0 {
			select {
			case t.frames <- line:
			case <-t.done:
				return
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			logging.TransportDebug("stream reader stopped: %v", err)
			t.errc <- err
			close(t.frames)
			return
		}
	}
}

// readFrame reads one newline-terminated line into a fresh slice. A line
// longer than limit is consumed up to its newline and discarded; dropped is
// then its length.
func readFrame(br *bufio.Reader, limit int) (line []byte, dropped int, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		n := len(line) + len(chunk)
		if err == nil {
			n-- // newline
		}
		switch {
		case dropped > 0:
			dropped += len(chunk)
		case n > limit:
			dropped = len(line) + len(chunk)
			line = nil
		default:
			line = append(line, chunk...)
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, dropped, err
		}
	}
}

// Send writes frame followed by a newline.
func (t *StreamTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if bytes.IndexByte(frame, '\n') >= 0 {
		return fmt.Errorf("frame contains newline")
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = buf.Write(frame)
	_ = buf.WriteByte('\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(buf.B); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Receive returns the next frame.
func (t *StreamTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-t.frames:
		if !ok {
			return nil, t.readErr()
		}
		return frame, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *StreamTransport) readErr() error {
	select {
	case err := <-t.errc:
		// Put it back so later Receive calls see the same error.
		t.errc <- err
		return err
	default:
		return ErrClosed
	}
}

// Close closes the writer and stops delivering frames. The reader side is
// owned by the caller (e.g. os.Stdin) and is not closed here.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		err = t.w.Close()
		t.writeMu.Unlock()
	})
	return err
}
