package agent

import (
	"sync"
	"time"
)

// flushBytesThreshold and flushInterval are the two flush triggers (§4.7,
// resolved in the project's open-question ledger: 250ms / 4KiB).
const (
	flushBytesThreshold = 4096
	flushInterval       = 250 * time.Millisecond
)

// chunk is one already-sent, not-yet-acked output message retained so it can
// be replayed verbatim on a sync_response or reconnect.
type chunk struct {
	seq    int
	stream string
	data   string
}

// outputBuffer implements the agent side of the sequenced, at-least-once
// output protocol (§4.7): accumulate lines per stream, flush into numbered
// chunks on a time/size trigger (or immediately when the stream of the next
// line differs from what's pending, to keep each chunk single-stream),
// retain each chunk until acked, and support full resend on a gap signal
// from the server. seq is one global counter shared across stdout/stderr so
// the server-visible sequence stays contiguous regardless of which pipe a
// line came from (invariant 5).
type outputBuffer struct {
	mu sync.Mutex

	pendingStream string
	pending       []byte
	lastFlush     time.Time

	unacked []chunk
	nextSeq int
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{nextSeq: 1, lastFlush: time.Now()}
}

// write appends a captured, newline-terminated line from the given stream.
// If a different stream is already pending, that pending run is force-
// flushed first so a single chunk never mixes streams; the caller is
// responsible for actually sending the returned chunk, if any.
func (b *outputBuffer) write(stream, line string) (forced chunk, hadForced bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) > 0 && b.pendingStream != stream {
		forced, hadForced = b.flushLocked()
	}
	b.pendingStream = stream
	b.pending = append(b.pending, line...)
	return forced, hadForced
}

// shouldFlush reports whether a trigger has fired for the currently pending
// run (time or size).
func (b *outputBuffer) shouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return false
	}
	return len(b.pending) >= flushBytesThreshold || time.Since(b.lastFlush) >= flushInterval
}

// flush turns any pending bytes into a new chunk, retains it for resend, and
// returns it for sending.
func (b *outputBuffer) flush() (chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *outputBuffer) flushLocked() (chunk, bool) {
	if len(b.pending) == 0 {
		return chunk{}, false
	}
	c := chunk{seq: b.nextSeq, stream: b.pendingStream, data: string(b.pending)}
	b.nextSeq++
	b.pending = nil
	b.lastFlush = time.Now()
	b.unacked = append(b.unacked, c)
	return c, true
}

// ack drops every retained chunk up to and including seq.
func (b *outputBuffer) ack(seq int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := 0
	for ; i < len(b.unacked); i++ {
		if b.unacked[i].seq > seq {
			break
		}
	}
	b.unacked = b.unacked[i:]
}

// unackedChunks returns every chunk still awaiting acknowledgement, in seq
// order, for resend after a sync_response or reconnect.
func (b *outputBuffer) unackedChunks() []chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]chunk(nil), b.unacked...)
}

// lastSeq returns the highest seq assigned so far (0 if none).
func (b *outputBuffer) lastSeq() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}
