package torrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// drainOne pulls the next posted closure off e.cmdCh and runs it inline,
// since these tests never start Engine.Run's goroutine.
func drainOne(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case fn := <-e.cmdCh:
		fn(e)
	default:
		t.Fatal("expected a posted command, found none")
	}
}

func TestSimplePolicyOnNewPeerUnchokesAndDeclaresInterest(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	pol := NewSimplePolicy(e)
	tr := newFakeTorrent(4, blockSize)
	p := newTestPeer(tr, 4)
	p.flags |= flagIChoke // starts choking p, as a freshly admitted peer does

	pol.OnNewPeer(p)
	drainOne(t, e)

	require.False(t, p.flags&flagIChoke != 0, "SendUnchoke should have cleared flagIChoke")
	require.True(t, p.flags&flagIWant != 0, "SendInterested should have set flagIWant")
	require.Equal(t, 2, len(p.send.entries))
}

func TestSimplePolicyMaybeRequestSkipsWhenChokedOrUninterested(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	pol := NewSimplePolicy(e)
	tr := newFakeTorrent(2, blockSize)
	p := newTestPeer(tr, 2)
	setBit(p.pieceField, 0)
	p.npieces = 1
	p.flags |= flagPChoke | flagIWant // peer is choking us, but we're interested

	pol.maybeRequest(p)
	select {
	case <-e.cmdCh:
		t.Fatal("should not request while peer is choking us")
	default:
	}

	p.flags &^= flagPChoke
	p.flags &^= flagIWant // not interested
	pol.maybeRequest(p)
	select {
	case <-e.cmdCh:
		t.Fatal("should not request while we are not interested")
	default:
	}
}

func TestSimplePolicyMaybeRequestIssuesSequentialBlocks(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	pol := NewSimplePolicy(e)
	tr := newFakeTorrent(2, blockSize)
	p := newTestPeer(tr, 2)
	setBit(p.pieceField, 0)
	setBit(p.pieceField, 1)
	p.npieces = 2
	p.flags &^= flagPChoke
	p.flags |= flagIWant

	pol.maybeRequest(p)
	require.Len(t, p.myReqs, 0) // SendRequest is posted, not yet run
	drainOne(t, e)
	require.Len(t, p.myReqs, 1)
	require.Equal(t, uint32(0), p.myReqs[0].index)

	// A second call while the first request is still pending must not
	// issue another one.
	pol.maybeRequest(p)
	select {
	case <-e.cmdCh:
		t.Fatal("should not double-request while one is already pending for this peer")
	default:
	}
}

func TestSimplePolicyOnBlockAdvancesToNextPiece(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	pol := NewSimplePolicy(e)
	tr := newFakeTorrent(2, blockSize)
	p := newTestPeer(tr, 2)
	setBit(p.pieceField, 0)
	setBit(p.pieceField, 1)
	p.npieces = 2
	p.flags &^= flagPChoke
	p.flags |= flagIWant

	pol.maybeRequest(p)
	drainOne(t, e)
	require.Equal(t, uint32(0), p.myReqs[0].index)

	tr.setHave(0) // piece 0 now considered ours, cursor should skip it
	pol.OnBlock(p)
	drainOne(t, e)
	require.Equal(t, uint32(1), p.myReqs[1].index)
}

func TestSimplePolicyMaybeRequestSweepsMultiBlockPiece(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	pol := NewSimplePolicy(e)
	tr := newFakeTorrent(1, blockSize*2+1) // one piece, three blocks worth
	p := newTestPeer(tr, 1)
	setBit(p.pieceField, 0)
	p.npieces = 1
	p.flags &^= flagPChoke
	p.flags |= flagIWant

	pol.maybeRequest(p)
	drainOne(t, e)
	require.Equal(t, uint32(0), p.myReqs[0].index)
	require.Equal(t, uint32(0), p.myReqs[0].begin)
	require.Equal(t, uint32(blockSize), p.myReqs[0].length)

	pol.OnBlock(p)
	drainOne(t, e)
	require.Equal(t, uint32(0), p.myReqs[1].index)
	require.Equal(t, uint32(blockSize), p.myReqs[1].begin)
	require.Equal(t, uint32(blockSize), p.myReqs[1].length)

	pol.OnBlock(p)
	drainOne(t, e)
	require.Equal(t, uint32(0), p.myReqs[2].index)
	require.Equal(t, uint32(2*blockSize), p.myReqs[2].begin)
	require.Equal(t, uint32(1), p.myReqs[2].length) // tail block is the remainder
}

func TestSimplePolicyOnLostPeerClearsPending(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	pol := NewSimplePolicy(e)
	tr := newFakeTorrent(2, blockSize)
	p := newTestPeer(tr, 2)
	setBit(p.pieceField, 0)
	setBit(p.pieceField, 1)
	p.npieces = 2
	p.flags &^= flagPChoke
	p.flags |= flagIWant

	pol.maybeRequest(p)
	drainOne(t, e)
	require.Len(t, p.myReqs, 1)

	pol.OnLostPeer(p)
	// pending cleared internally; a fresh maybeRequest call must issue a
	// new request rather than treating one as already in flight.
	pol.maybeRequest(p)
	drainOne(t, e)
	require.Len(t, p.myReqs, 2)
}
