package execution

import (
	"context"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
)

// DefaultMaxOutputLines caps the lines retained per execution
const DefaultMaxOutputLines = 100000

// OutputBuffer is an append-only line buffer for one execution. Appends are
// rejected once sealed. Readers wait on a channel that is closed and replaced
// on every change.
type OutputBuffer struct {
	mu        sync.Mutex
	lines     []core.OutputLine
	seq       int64
	maxLines  int
	sealed    bool
	truncated bool
	changed   chan struct{}
}

// NewOutputBuffer creates a buffer retaining at most maxLines lines
func NewOutputBuffer(maxLines int) *OutputBuffer {
	if maxLines <= 0 {
		maxLines = DefaultMaxOutputLines
	}
	return &OutputBuffer{
		maxLines: maxLines,
		changed:  make(chan struct{}),
	}
}

// Append adds a line. It returns false if the buffer is sealed or full.
func (b *OutputBuffer) Append(stream core.OutputStream, text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return false
	}
	if len(b.lines) >= b.maxLines {
		b.truncated = true
		metrics.OutputLinesDropped.Inc()
		return false
	}

	b.seq++
	b.lines = append(b.lines, core.OutputLine{
		Seq:       b.seq,
		Stream:    stream,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	metrics.OutputLines.WithLabelValues(string(stream)).Inc()
	b.notifyLocked()
	return true
}

// Seal stops further appends and wakes all readers
func (b *OutputBuffer) Seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	b.sealed = true
	b.notifyLocked()
}

func (b *OutputBuffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Lines returns a copy of every retained line
func (b *OutputBuffer) Lines() []core.OutputLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.OutputLine, len(b.lines))
	copy(out, b.lines)
	return out
}

// Len returns the number of retained lines
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Sealed reports whether the buffer accepts no more lines
func (b *OutputBuffer) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// Truncated reports whether lines were dropped past the cap
func (b *OutputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// since returns lines after cursor, the sealed flag and a channel closed on the next change
func (b *OutputBuffer) since(cursor int) ([]core.OutputLine, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lines []core.OutputLine
	if cursor < len(b.lines) {
		lines = make([]core.OutputLine, len(b.lines)-cursor)
		copy(lines, b.lines[cursor:])
	}
	return lines, b.sealed, b.changed
}

// Stream returns a channel replaying the buffer from the first line and then
// following new lines. The channel closes once the buffer is sealed and
// drained, or when ctx is done. Each call has its own cursor.
func (b *OutputBuffer) Stream(ctx context.Context) <-chan core.OutputLine {
	ch := make(chan core.OutputLine, 64)
	go func() {
		defer close(ch)
		cursor := 0
		for {
			lines, sealed, changed := b.since(cursor)
			for _, l := range lines {
				select {
				case ch <- l:
				case <-ctx.Done():
					return
				}
			}
			cursor += len(lines)
			if len(lines) > 0 {
				continue
			}
			if sealed {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// ReplayLines returns a closed channel carrying lines, for executions that are
// only available from persistent storage
func ReplayLines(ctx context.Context, lines []core.OutputLine) <-chan core.OutputLine {
	ch := make(chan core.OutputLine, 64)
	go func() {
		defer close(ch)
		for _, l := range lines {
			select {
			case ch <- l:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
