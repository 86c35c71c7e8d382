package relay

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tbourn/deepdive-relay/internal/observability"
)

// Sink receives client frames. Implementations must not block the relay on
// a slow or vanished client.
type Sink interface {
	// Send queues a non-terminal frame; it may be dropped when the client
	// cannot keep up.
	Send(frame []byte)
	// SendTerminal queues the final frame; it is never dropped while the
	// client is still connected.
	SendTerminal(frame []byte)
}

// WriterSink writes frames to an io.Writer from its own goroutine, flushing
// after each one. The first failed write, or cancellation of the request
// context, marks the client as gone; from then on frames are discarded.
type WriterSink struct {
	w     io.Writer
	flush func()

	queue   chan []byte
	done    chan struct{}
	gone    atomic.Bool
	dropped atomic.Int64
	once    sync.Once
}

// NewWriterSink starts a sink writing to w. flush may be nil. ctx is the
// client request context: when it ends the client is considered gone.
func NewWriterSink(ctx context.Context, w io.Writer, flush func(), depth int) *WriterSink {
	if depth <= 0 {
		depth = 64
	}
	s := &WriterSink{
		w:     w,
		flush: flush,
		queue: make(chan []byte, depth),
		done:  make(chan struct{}),
	}
	go s.loop()
	go func() {
		select {
		case <-ctx.Done():
			s.gone.Store(true)
		case <-s.done:
		}
	}()
	return s
}

func (s *WriterSink) loop() {
	defer close(s.done)
	for frame := range s.queue {
		if s.gone.Load() {
			continue
		}
		if _, err := s.w.Write(frame); err != nil {
			s.gone.Store(true)
			continue
		}
		if s.flush != nil {
			s.flush()
		}
	}
}

// Send implements Sink.
func (s *WriterSink) Send(frame []byte) {
	if s.gone.Load() {
		return
	}
	select {
	case s.queue <- frame:
	default:
		s.dropped.Add(1)
		observability.ClientDroppedFrames.Inc()
	}
}

// SendTerminal implements Sink. It waits for queue space; the writer
// goroutine always drains, so this returns promptly once earlier frames are
// written or discarded.
func (s *WriterSink) SendTerminal(frame []byte) {
	if s.gone.Load() {
		return
	}
	s.queue <- frame
}

// Close stops accepting frames and waits until queued frames are written or
// discarded. It is safe to call more than once.
func (s *WriterSink) Close() {
	s.once.Do(func() { close(s.queue) })
	<-s.done
}

// Gone reports whether the client went away.
func (s *WriterSink) Gone() bool { return s.gone.Load() }

// Dropped returns how many non-terminal frames were discarded because the
// queue was full.
func (s *WriterSink) Dropped() int64 { return s.dropped.Load() }
