package debounce

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches []Batch
}

func (r *recorder) flush(b Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *recorder) all() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Batch(nil), r.batches...)
}

func newTestAccumulator() (*Accumulator, *recorder, *clockwork.FakeClock) {
	clk := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	rec := &recorder{}
	acc := New(7*time.Second, clk, rec.flush, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return acc, rec, clk
}

// waitBusy waits until the accumulator has n timers armed or flushing.
// Fired timers run their callback on a separate goroutine.
func waitBusy(t *testing.T, acc *Accumulator, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return acc.Busy() == n }, 2*time.Second, time.Millisecond)
}

func TestBurstBecomesOneTurn(t *testing.T) {
	acc, rec, clk := newTestAccumulator()

	acc.Add("x", "Ana", "oi", time.Unix(100, 0))
	clk.Advance(3 * time.Second)
	acc.Add("x", "Ana", "tudo bem?", time.Unix(103, 0))
	clk.Advance(6 * time.Second)
	acc.Add("x", "Ana", "queria saber do pedido", time.Unix(109, 0))

	// The window trails the last message.
	clk.Advance(7*time.Second - time.Millisecond)
	assert.Equal(t, 1, acc.Busy())
	assert.Empty(t, rec.all())
	assert.Equal(t, 3, acc.Pending("x"))

	clk.Advance(time.Millisecond)
	waitBusy(t, acc, 0)
	batches := rec.all()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, "oi\n\ntudo bem?\n\nqueria saber do pedido", b.Text)
	assert.Equal(t, 3, b.Count)
	assert.Equal(t, time.Unix(109, 0), b.Latest)
	assert.Equal(t, "Ana", b.Name)
	assert.Zero(t, acc.Pending("x"))
}

func TestMessageAfterFlushStartsNewEntry(t *testing.T) {
	acc, rec, clk := newTestAccumulator()

	acc.Add("x", "", "primeira", time.Unix(1, 0))
	clk.Advance(7 * time.Second)
	waitBusy(t, acc, 0)
	acc.Add("x", "", "segunda", time.Unix(20, 0))
	clk.Advance(7 * time.Second)
	waitBusy(t, acc, 0)

	batches := rec.all()
	require.Len(t, batches, 2)
	assert.Equal(t, "primeira", batches[0].Text)
	assert.Equal(t, "segunda", batches[1].Text)
}

func TestConversationsAreIndependent(t *testing.T) {
	acc, rec, clk := newTestAccumulator()

	acc.Add("x", "", "a", time.Unix(1, 0))
	clk.Advance(4 * time.Second)
	acc.Add("y", "", "b", time.Unix(5, 0))
	clk.Advance(3 * time.Second)
	waitBusy(t, acc, 1)

	batches := rec.all()
	require.Len(t, batches, 1)
	assert.Equal(t, "x", batches[0].ConversationID)

	clk.Advance(4 * time.Second)
	waitBusy(t, acc, 0)
	batches = rec.all()
	require.Len(t, batches, 2)
	assert.Equal(t, "y", batches[1].ConversationID)
}

func TestOnlyOneTimerPerConversation(t *testing.T) {
	acc, _, clk := newTestAccumulator()
	for i := range 5 {
		acc.Add("x", "", "m", time.Unix(int64(i), 0))
	}
	assert.Equal(t, 1, acc.Busy())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
}

func TestStaleFireIsNoop(t *testing.T) {
	acc, rec, _ := newTestAccumulator()
	acc.Add("x", "", "a", time.Unix(1, 0))

	acc.fire("x", 999)
	acc.fire("missing", 1)
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, acc.Pending("x"))
}

func TestFlushAndStop(t *testing.T) {
	acc, rec, clk := newTestAccumulator()

	acc.Add("x", "", "a", time.Unix(1, 0))
	assert.True(t, acc.Flush("x"))
	assert.False(t, acc.Flush("x"))
	require.Len(t, rec.all(), 1)
	assert.Zero(t, acc.Busy())

	acc.Add("y", "", "b", time.Unix(2, 0))
	acc.Stop()
	assert.Zero(t, acc.Busy())
	clk.Advance(time.Minute)
	assert.Len(t, rec.all(), 1, "stopped accumulator never flushes")

	acc.Add("z", "", "c", time.Unix(3, 0))
	assert.Zero(t, acc.Pending("z"))
}
