package torrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStoreBuffer struct {
	data     []byte
	released bool
}

func (b *fakeStoreBuffer) Bytes() []byte { return b.data }
func (b *fakeStoreBuffer) Release()      { b.released = true }

func TestIOBufInlineRemainingAndLength(t *testing.T) {
	b := newInlineBuf([]byte("hello"))
	require.Equal(t, 5, b.length())
	require.Equal(t, []byte("hello"), b.remaining())

	b.off = 2
	require.Equal(t, 3, b.length())
	require.Equal(t, []byte("llo"), b.remaining())
}

func TestIOBufBorrowedReleaseCallsStore(t *testing.T) {
	sb := &fakeStoreBuffer{data: []byte("piece-bytes")}
	b := newBorrowedBuf(sb)
	require.Equal(t, sb.data, b.data)
	require.Equal(t, ownBorrowed, b.kind)

	b.release()
	require.True(t, sb.released)
}

func TestIOBufInlineReleaseIsNoop(t *testing.T) {
	b := newInlineBuf([]byte("x"))
	b.release() // must not panic for a non-borrowed entry
}

func TestSendQueueEnqueuePopFront(t *testing.T) {
	q := &sendQueue{}
	require.True(t, q.empty())

	a := newInlineBuf([]byte("a"))
	b := newInlineBuf([]byte("b"))
	q.enqueue(a)
	q.enqueue(b)
	require.False(t, q.empty())

	require.Equal(t, a, q.popFront())
	require.Equal(t, b, q.popFront())
	require.Nil(t, q.popFront())
}

func TestSendQueueRemoveEntry(t *testing.T) {
	q := &sendQueue{}
	a := newInlineBuf([]byte("a"))
	b := newInlineBuf([]byte("b"))
	c := newInlineBuf([]byte("c"))
	q.enqueue(a)
	q.enqueue(b)
	q.enqueue(c)

	q.removeEntry(b)
	require.Equal(t, []*ioBuf{a, c}, q.entries)

	// Removing something not present is a no-op.
	q.removeEntry(b)
	require.Equal(t, []*ioBuf{a, c}, q.entries)
}

func TestSendQueuePieceReqTracking(t *testing.T) {
	q := &sendQueue{}
	require.Nil(t, q.firstPieceReq())

	r1 := &pieceReq{index: 0, begin: 0, length: 10}
	r2 := &pieceReq{index: 0, begin: 10, length: 10}
	q.pReqs = append(q.pReqs, r1, r2)

	require.Equal(t, r1, q.firstPieceReq())
	q.removePieceReq(r1)
	require.Equal(t, r2, q.firstPieceReq())
}
