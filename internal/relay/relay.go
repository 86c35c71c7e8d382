// Package relay mediates between the inference service's line-framed event
// stream and the client's event stream.
//
// One invocation is a small state machine driven by a message-passing loop:
//
//	Forwarding --progress/unknown--> Forwarding   (forwarded as-is)
//	Forwarding --error-------------> Done         (forwarded as-is, no side effects)
//	Forwarding --complete----------> Committing   (nothing forwarded yet)
//	Committing --commit ok---------> Done         (synthesized complete frame)
//	Committing --commit failed-----> Done         (error frame)
//	Forwarding --read error/EOF----> Done         (error frame)
//
// A complete frame can only reach the client through Committing's success
// path. The loop keeps consuming upstream regardless of the client, and the
// commit runs on a context that ignores caller cancellation.
package relay

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/tbourn/deepdive-relay/internal/observability"
	"github.com/tbourn/deepdive-relay/internal/upstream"
)

// State is the relay's position in the commit protocol.
type State uint8

const (
	Forwarding State = iota
	Committing
	Done
)

func (s State) String() string {
	switch s {
	case Forwarding:
		return "forwarding"
	case Committing:
		return "committing"
	}
	return "done"
}

// Outcome says how an invocation ended.
type Outcome uint8

const (
	// Committed: upstream completed, the commit succeeded and the client was
	// sent the synthesized complete frame.
	Committed Outcome = iota
	// UpstreamFailed: upstream sent an error frame; nothing was committed.
	UpstreamFailed
	// CommitFailed: upstream completed but the commit returned an error.
	CommitFailed
	// TimedOut: the upstream call hit its deadline before completing.
	TimedOut
	// Aborted: the stream broke or ended without a terminal frame.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return observability.OutcomeCommitted
	case UpstreamFailed:
		return observability.OutcomeUpstreamError
	case CommitFailed:
		return observability.OutcomeCommitFailed
	case TimedOut:
		return observability.OutcomeTimeout
	}
	return observability.OutcomeAborted
}

// Client-facing error codes emitted by the relay itself.
const (
	CodeCommitFailed       = "commit_failed"
	CodeUpstreamTimeout    = "upstream_timeout"
	CodeUpstreamIncomplete = "upstream_incomplete"
	CodeUpstreamFailed     = "upstream_unavailable"
	CodeUpstreamProtocol   = "upstream_protocol"
)

// ErrIncomplete is reported when the upstream stream ends without a
// terminal frame.
var ErrIncomplete = errors.New("relay: upstream stream ended without a terminal frame")

// CommitFunc runs the commit sequence for a completed upstream turn and
// returns the state that was durably persisted.
type CommitFunc func(ctx context.Context, c Completion) (Snapshot, error)

// Relay holds the collaborators of one invocation.
type Relay struct {
	Sink   Sink
	Commit CommitFunc
	Logger zerolog.Logger

	// ReadSize is the size of each upstream read (4 KiB when zero).
	ReadSize int
	// MaxLine bounds a single upstream line (DefaultMaxLine when zero).
	MaxLine int
}

// Result describes a finished invocation.
type Result struct {
	Outcome  Outcome
	Snapshot *Snapshot      // set when Outcome == Committed
	Upstream *UpstreamError // set when Outcome == UpstreamFailed
	Err      error          // cause for CommitFailed, TimedOut, Aborted
	Frames   int            // upstream frames classified
}

type chunk struct {
	data []byte
	err  error
}

// Run consumes body until a terminal state and closes it. It always sends
// exactly one terminal frame (complete or error) to the sink. Cancellation
// of ctx is ignored: an upstream answer that arrives is still committed.
func (r *Relay) Run(ctx context.Context, body io.ReadCloser) Result {
	ctx = context.WithoutCancel(ctx)

	size := r.ReadSize
	if size <= 0 {
		size = 4 << 10
	}
	chunks := make(chan chunk)
	stop := make(chan struct{})
	go read(body, size, chunks, stop)
	defer func() {
		close(stop)
		_ = body.Close()
	}()

	asm := NewAssembler(r.MaxLine)
	state := Forwarding
	var res Result

	for state != Done {
		ch, ok := <-chunks
		if !ok {
			ch.err = io.ErrUnexpectedEOF
		}
		if ch.err != nil {
			r.abort(&res, ch.err, asm.Pending())
			state = Done
			break
		}

		lines, err := asm.Feed(ch.data)
		for _, line := range lines {
			if state == Done {
				break
			}
			state = r.step(ctx, line, &res)
		}
		if err != nil && state != Done {
			r.abort(&res, err, asm.Pending())
			state = Done
		}
	}

	observability.RelayCommits.WithLabelValues(res.Outcome.String()).Inc()
	return res
}

func read(body io.Reader, size int, out chan<- chunk, stop <-chan struct{}) {
	defer close(out)
	buf := make([]byte, size)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			select {
			case out <- chunk{data: bytes.Clone(buf[:n])}:
			case <-stop:
				return
			}
		}
		if err != nil {
			select {
			case out <- chunk{err: err}:
			case <-stop:
			}
			return
		}
	}
}

// step handles one complete line while Forwarding and returns the next
// state.
func (r *Relay) step(ctx context.Context, line []byte, res *Result) State {
	if len(bytes.TrimSpace(line)) == 0 {
		return Forwarding
	}
	f := ParseFrame(line)
	res.Frames++
	observability.RelayFrames.WithLabelValues(f.Kind.String()).Inc()

	switch f.Kind {
	case FrameError:
		r.Sink.SendTerminal(Forward(f.Line))
		res.Outcome = UpstreamFailed
		res.Upstream = f.Error
		r.Logger.Info().Str("code", f.Error.Code).Msg("upstream reported error")
		return Done

	case FrameComplete:
		r.Logger.Debug().Str("state", Committing.String()).Msg("upstream complete, committing")
		snap, err := r.Commit(ctx, *f.Completion)
		if err != nil {
			r.Sink.SendTerminal(ErrorFrame(CodeCommitFailed, "the result could not be saved; nothing was charged, please retry"))
			res.Outcome = CommitFailed
			res.Err = err
			return Done
		}
		r.Sink.SendTerminal(CompleteFrame(snap))
		res.Outcome = Committed
		res.Snapshot = &snap
		return Done

	default:
		// progress and anything unrecognized go out unmodified
		r.Sink.Send(Forward(f.Line))
		return Forwarding
	}
}

func (r *Relay) abort(res *Result, err error, pending int) {
	switch {
	case errors.Is(err, io.EOF):
		res.Outcome = Aborted
		res.Err = ErrIncomplete
		r.Sink.SendTerminal(ErrorFrame(CodeUpstreamIncomplete, "the inference service ended the stream early; nothing was charged"))
	case upstream.IsTimeout(err):
		res.Outcome = TimedOut
		res.Err = err
		r.Sink.SendTerminal(ErrorFrame(CodeUpstreamTimeout, "the inference service timed out; nothing was charged"))
	case errors.Is(err, ErrLineTooLong):
		res.Outcome = Aborted
		res.Err = err
		r.Sink.SendTerminal(ErrorFrame(CodeUpstreamProtocol, "the inference service sent an invalid stream; nothing was charged"))
	default:
		res.Outcome = Aborted
		res.Err = err
		r.Sink.SendTerminal(ErrorFrame(CodeUpstreamFailed, "the connection to the inference service failed; nothing was charged"))
	}
	ev := r.Logger.Warn().Err(res.Err).Str("outcome", res.Outcome.String())
	if pending > 0 {
		ev = ev.Int("discarded_partial_bytes", pending)
	}
	ev.Msg("upstream stream ended without a terminal frame")
}
