package torrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestReadPermitUnlimitedWhenNoCap(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	p := newTestPeer(newFakeTorrent(1, 1024), 1)

	resp := make(chan readPermit, 1)
	e.requestReadPermit(p, resp)
	permit := <-resp
	require.True(t, permit.unlimited)
	require.Zero(t, permit.reserved)
}

func TestRequestReadPermitReservesBudgetAtGrantTime(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	e.cfg.IBWLim = 100
	e.ibwLeft = 100
	p := newTestPeer(newFakeTorrent(1, 1024), 1)

	resp := make(chan readPermit, 1)
	e.requestReadPermit(p, resp)
	permit := <-resp
	require.False(t, permit.unlimited)
	require.Equal(t, uint64(100), permit.reserved)
	// The grant must be reserved immediately, not left for completeRead.
	require.Zero(t, e.ibwLeft)
}

func TestSecondReaderParksWhenBudgetExhausted(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	e.cfg.IBWLim = 100
	e.ibwLeft = 100
	p1 := newTestPeer(newFakeTorrent(1, 1024), 1)
	p1.handle = mustUUID(1)
	e.peers[p1.handle] = p1
	p2 := newTestPeer(newFakeTorrent(1, 1024), 1)
	p2.handle = mustUUID(2)
	e.peers[p2.handle] = p2

	resp1 := make(chan readPermit, 1)
	e.requestReadPermit(p1, resp1)
	<-resp1 // drains the whole 100-byte bucket

	resp2 := make(chan readPermit, 1)
	e.requestReadPermit(p2, resp2)
	select {
	case <-resp2:
		t.Fatal("second reader should have parked, not been granted a permit")
	default:
	}
	require.True(t, p2.flags&flagOnReadQ != 0)
	require.Equal(t, []PeerHandle{p2.handle}, e.readq)
}

func TestCompleteReadRefundsUnusedReservation(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	e.cfg.IBWLim = 100
	p := newTestPeer(newFakeTorrent(1, 1024), 1)
	p.reader = &genericReader{}

	resp := make(chan readPermit, 1)
	e.ibwLeft = 100
	e.requestReadPermit(p, resp)
	permit := <-resp
	require.Zero(t, e.ibwLeft)

	// The actual read only returned 30 bytes; the unused 70 must be
	// refunded so a second peer in the same tick can use it.
	e.completeRead(p, permit, 30, nil)
	require.Equal(t, uint64(70), e.ibwLeft)
}

func TestSumOfGrantsNeverExceedsCapWithinOneTick(t *testing.T) {
	// Two peers each want to read 100 bytes in the same tick, with a
	// 100-byte-per-second inbound cap: the sum of what they are granted
	// must not exceed 100.
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	e.cfg.IBWLim = 100
	e.ibwLeft = 100
	p1 := newTestPeer(newFakeTorrent(1, 1024), 1)
	p2 := newTestPeer(newFakeTorrent(1, 1024), 1)

	resp1 := make(chan readPermit, 1)
	e.requestReadPermit(p1, resp1)
	permit1 := <-resp1

	resp2 := make(chan readPermit, 1)
	e.requestReadPermit(p2, resp2)
	select {
	case permit2 := <-resp2:
		require.LessOrEqual(t, permit1.reserved+permit2.reserved, uint64(100))
	default:
		// p2 parked instead of being granted concurrently — also fine,
		// and stronger evidence the cap cannot be exceeded.
	}
}

func TestWriteJobReservesPlannedBytes(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	e.cfg.OBWLim = 60
	e.obwLeft = 60
	p := newTestPeer(newFakeTorrent(1, 1024), 1)
	p.send.enqueue(newInlineBuf(make([]byte, 150)))

	resp := make(chan writeJob, 1)
	e.requestWriteJob(p, resp)
	job := <-resp
	require.Equal(t, uint64(60), job.reserved)
	require.Equal(t, 60, int(planLen(job.bufs)))
	require.Zero(t, e.obwLeft)
}

func TestWriteJobEmptyQueueReportsEmpty(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	e.cfg.OBWLim = 60
	e.obwLeft = 60
	p := newTestPeer(newFakeTorrent(1, 1024), 1)

	resp := make(chan writeJob, 1)
	e.requestWriteJob(p, resp)
	job := <-resp
	require.True(t, job.empty)
	// An empty send queue must not consume any budget.
	require.Equal(t, uint64(60), e.obwLeft)
}

func TestCompleteWriteRefundsUnusedReservation(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	e.cfg.OBWLim = 100
	e.obwLeft = 100
	p := newTestPeer(newFakeTorrent(1, 1024), 1)
	p.send.enqueue(newInlineBuf(make([]byte, 150)))

	resp := make(chan writeJob, 1)
	e.requestWriteJob(p, resp)
	job := <-resp
	require.Zero(t, e.obwLeft)

	// Only 40 bytes actually went out (a short write).
	e.completeWrite(p, job, 40, nil)
	require.Equal(t, uint64(60), e.obwLeft)
}

func TestDrainWriteqFIFOOrderAcrossTwoTicks(t *testing.T) {
	// Scenario 4's spirit (not its literal byte tally, see DESIGN.md):
	// two peers queue more than the per-second cap allows; the scheduler
	// never grants more than obwlim total within one tick, and parked
	// peers are served in FIFO order on the following tick.
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	e.cfg.OBWLim = 100
	e.obwLeft = 100

	p1 := newTestPeer(newFakeTorrent(1, 1024), 1)
	p1.handle = mustUUID(1)
	e.peers[p1.handle] = p1
	p1.send.enqueue(newInlineBuf(make([]byte, 150)))

	p2 := newTestPeer(newFakeTorrent(1, 1024), 1)
	p2.handle = mustUUID(2)
	e.peers[p2.handle] = p2
	p2.send.enqueue(newInlineBuf(make([]byte, 150)))

	resp1 := make(chan writeJob, 1)
	e.requestWriteJob(p1, resp1)
	job1 := <-resp1
	require.Equal(t, uint64(100), job1.reserved)
	require.Zero(t, e.obwLeft)

	resp2 := make(chan writeJob, 1)
	e.requestWriteJob(p2, resp2)
	select {
	case <-resp2:
		t.Fatal("p2 should have parked: the bucket is exhausted")
	default:
	}
	require.Equal(t, []PeerHandle{p2.handle}, e.writeq)

	// p1 wrote its full 100-byte grant; simulate the tick boundary.
	e.completeWrite(p1, job1, 100, nil)
	e.bySecond()

	// p2, parked first (and the only one parked), is drained first and
	// gets the full refilled 100-byte bucket.
	job2, ok := <-resp2
	require.True(t, ok)
	require.Equal(t, uint64(100), job2.reserved)
}

func TestBySecondRefillsAndClearsRateSlot(t *testing.T) {
	e := newTestEngine(newFakeStore(), &recordingPolicy{})
	e.cfg.IBWLim = 50
	e.cfg.OBWLim = 50
	p := newTestPeer(newFakeTorrent(1, 1024), 1)
	p.handle = mustUUID(1)
	e.peers[p.handle] = p
	p.rateToMe[0] = 999 // second 0, which this tick closes
	p.rateToMe[1] = 999 // stale slot that second 1 reuses

	e.ibwLeft = 0
	e.obwLeft = 0
	e.bySecond()

	require.Equal(t, uint64(50), e.ibwLeft)
	require.Equal(t, uint64(50), e.obwLeft)
	require.Equal(t, uint64(1), e.seconds)
	require.Zero(t, p.rateToMe[1])
	require.Equal(t, uint64(999), p.rateToMe[0])
}

func mustUUID(b byte) PeerHandle {
	var u PeerHandle
	u[len(u)-1] = b
	return u
}
