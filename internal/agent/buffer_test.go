package agent

import "testing"

func TestOutputBufferAssignsContiguousSeq(t *testing.T) {
	b := newOutputBuffer()

	b.write("stdout", "line1\n")
	c1, ok := b.flush()
	if !ok || c1.seq != 1 {
		t.Fatalf("expected first chunk seq 1, got %+v ok=%v", c1, ok)
	}

	b.write("stdout", "line2\n")
	c2, ok := b.flush()
	if !ok || c2.seq != 2 {
		t.Fatalf("expected second chunk seq 2, got %+v ok=%v", c2, ok)
	}
}

func TestOutputBufferForcesFlushOnStreamSwitch(t *testing.T) {
	b := newOutputBuffer()

	b.write("stdout", "out1\n")
	forced, hadForced := b.write("stderr", "err1\n")
	if !hadForced {
		t.Fatal("expected switching streams to force-flush the pending stdout run")
	}
	if forced.stream != "stdout" || forced.data != "out1\n" {
		t.Fatalf("unexpected forced chunk: %+v", forced)
	}

	c, ok := b.flush()
	if !ok || c.stream != "stderr" || c.data != "err1\n" {
		t.Fatalf("unexpected pending chunk after switch: %+v ok=%v", c, ok)
	}
}

func TestOutputBufferRetainsUntilAcked(t *testing.T) {
	b := newOutputBuffer()

	b.write("stdout", "a\n")
	c1, _ := b.flush()
	b.write("stdout", "b\n")
	c2, _ := b.flush()

	if got := len(b.unackedChunks()); got != 2 {
		t.Fatalf("expected 2 unacked chunks before any ack, got %d", got)
	}

	b.ack(c1.seq)
	unacked := b.unackedChunks()
	if len(unacked) != 1 || unacked[0].seq != c2.seq {
		t.Fatalf("expected only seq %d retained after acking seq %d, got %+v", c2.seq, c1.seq, unacked)
	}

	b.ack(c2.seq)
	if got := len(b.unackedChunks()); got != 0 {
		t.Fatalf("expected no unacked chunks after acking everything, got %d", got)
	}
}

func TestOutputBufferDuplicateAckIsHarmless(t *testing.T) {
	b := newOutputBuffer()
	b.write("stdout", "a\n")
	c, _ := b.flush()

	b.ack(c.seq)
	b.ack(c.seq) // duplicate, must not panic or misbehave

	if got := len(b.unackedChunks()); got != 0 {
		t.Fatalf("expected 0 unacked chunks, got %d", got)
	}
}

func TestOutputBufferShouldFlushOnSizeThreshold(t *testing.T) {
	b := newOutputBuffer()
	if b.shouldFlush() {
		t.Fatal("empty buffer should never report flush-ready")
	}

	big := make([]byte, flushBytesThreshold)
	for i := range big {
		big[i] = 'x'
	}
	b.write("stdout", string(big))
	if !b.shouldFlush() {
		t.Fatal("expected shouldFlush once pending bytes reach the size threshold")
	}
}

func TestOutputBufferLastSeqTracksHighestAssigned(t *testing.T) {
	b := newOutputBuffer()
	if got := b.lastSeq(); got != 0 {
		t.Fatalf("expected lastSeq 0 before any flush, got %d", got)
	}

	b.write("stdout", "a\n")
	b.flush()
	b.write("stdout", "b\n")
	b.flush()

	if got := b.lastSeq(); got != 2 {
		t.Fatalf("expected lastSeq 2 after two flushes, got %d", got)
	}
}
