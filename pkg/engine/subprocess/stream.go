package subprocess

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// outputBuffer collects process output and lets readers follow it until the process exits.
type outputBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newOutputBuffer() *outputBuffer {
	b := &outputBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	b.cond.Broadcast()
	return n, err
}

// Close marks the end of output and wakes any followers.
func (b *outputBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Bytes returns a copy of everything written so far.
func (b *outputBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// Follow returns a reader that starts at the beginning of the output and
// blocks for more until the buffer is closed or ctx is cancelled.
func (b *outputBuffer) Follow(ctx context.Context) io.ReadCloser {
	r := &follower{buf: b, ctx: ctx, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			b.cond.Broadcast()
		case <-r.done:
		}
	}()
	return r
}

type follower struct {
	buf    *outputBuffer
	ctx    context.Context
	offset int
	done   chan struct{}
	once   sync.Once
}

func (f *follower) Read(p []byte) (int, error) {
	b := f.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	for f.offset >= b.buf.Len() && !b.closed {
		if err := f.ctx.Err(); err != nil {
			return 0, err
		}
		select {
		case <-f.done:
			return 0, io.ErrClosedPipe
		default:
		}
		b.cond.Wait()
	}
	if f.offset >= b.buf.Len() {
		return 0, io.EOF
	}
	n := copy(p, b.buf.Bytes()[f.offset:])
	f.offset += n
	return n, nil
}

func (f *follower) Close() error {
	f.once.Do(func() {
		close(f.done)
		f.buf.cond.Broadcast()
	})
	return nil
}
