package dispatch

// Output governance limits. Combined stdout/stderr is capped at
// MaxOutputBytes; the exec.finished event carries at most
// TailOutputBytes of trailing output plus TruncationMarker when
// anything was cut.
const (
	MaxOutputBytes  = 200 * 1024
	TailOutputBytes = 20 * 1024

	TruncationMarker = "\n[output truncated]"
)

// outputBuffer captures combined command output under the byte
// ceiling. It keeps the leading cap for the result payload and a
// rolling tail for the finished event, and counts every byte written.
type outputBuffer struct {
	head  []byte
	tail  []byte
	total int64
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.total += int64(len(p))

	if remaining := MaxOutputBytes - len(b.head); remaining > 0 {
		n := len(p)
		if n > remaining {
			n = remaining
		}
		b.head = append(b.head, p[:n]...)
	}

	b.tail = append(b.tail, p...)
	if over := len(b.tail) - TailOutputBytes; over > 0 {
		b.tail = append(b.tail[:0], b.tail[over:]...)
	}
	return len(p), nil
}

// Truncated reports whether any output was cut from the head capture.
func (b *outputBuffer) Truncated() bool {
	return b.total > MaxOutputBytes
}

// Bytes returns the captured output, at most MaxOutputBytes.
func (b *outputBuffer) Bytes() []byte {
	return b.head
}

// Total returns how many bytes the command actually produced.
func (b *outputBuffer) Total() int64 {
	return b.total
}

// Tail returns the trailing output for the finished event: the last
// TailOutputBytes of the stream, with the truncation marker appended
// when the stream exceeded the cap.
func (b *outputBuffer) Tail() []byte {
	if !b.Truncated() {
		if int64(len(b.tail)) == b.total {
			return b.tail
		}
	}
	out := make([]byte, 0, len(b.tail)+len(TruncationMarker))
	out = append(out, b.tail...)
	if b.Truncated() {
		out = append(out, TruncationMarker...)
	}
	return out
}
