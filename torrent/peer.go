package torrent

import (
	"net"

	"github.com/google/uuid"
)

// RateHistory is the number of one-second slots kept for each peer's
// rolling upload/download rate.
const RateHistory = 20

// peer flags. A peer is on at most one of the two global bandwidth queues
// at any time; onReadQ/onWriteQ agree with queue membership (see
// Scheduler).
const (
	flagIChoke     uint32 = 1 << iota // we are choking the remote
	flagIWant                         // we are interested in the remote
	flagPChoke                        // the remote is choking us
	flagPWant                         // the remote is interested in us
	flagOnReadQ                       // parked on the inbound bandwidth queue
	flagOnWriteQ                      // parked on the outbound bandwidth queue
	flagWriteClose                    // drain send queue, then close
)

// PeerHandle stably identifies a peer for the lifetime of its connection.
// The bandwidth scheduler's park queues store handles rather than peer
// pointers directly, replacing an intrusive linked-list node embedded in
// the peer with an explicit handle plus side table.
type PeerHandle = uuid.UUID

// Peer is a single connection's bookkeeping: handshake state, choke/
// interest flags, outstanding piece requests in both directions, rate
// history, and the current Reader variant. All mutation of a Peer happens
// from the owning Engine's single processing goroutine; see
// DESIGN.md "Concurrency model".
type Peer struct {
	handle   PeerHandle
	conn     net.Conn
	addr     string
	incoming bool

	id    [20]byte
	idSet bool

	torrent TorrentHandle

	flags uint32

	reader reader
	send   *sendQueue

	pieceField []byte // remote bitmap mirror, MSB-first
	npieces    int    // popcount(pieceField), kept incrementally

	// Incoming requests honored but not yet fully sent live in send.pReqs
	// (they are intrinsically queue entries); myReqs is the only
	// direction that needs its own list here.
	myReqs []*pieceReq // outgoing requests not yet fulfilled, FIFO

	rateToMe   [RateHistory]uint64
	rateFromMe [RateHistory]uint64

	// engine-owned scheduling state; touched only inside the loop
	// goroutine.
	pendingReadResp  chan readPermit
	pendingWriteResp chan writeJob
	writeWake        chan struct{}

	closed bool
}

func newPeer(conn net.Conn, incoming bool) *Peer {
	return &Peer{
		handle:    uuid.New(),
		conn:      conn,
		addr:      conn.RemoteAddr().String(),
		incoming:  incoming,
		send:      &sendQueue{},
		writeWake: make(chan struct{}, 1),
	}
}

func (p *Peer) Handle() PeerHandle    { return p.handle }
func (p *Peer) Addr() string          { return p.addr }
func (p *Peer) Incoming() bool        { return p.incoming }
func (p *Peer) PeerID() [20]byte      { return p.id }
func (p *Peer) Torrent() TorrentHandle { return p.torrent }
func (p *Peer) NPieces() int          { return p.npieces }
func (p *Peer) HasPiece(i int) bool   { return hasBit(p.pieceField, i) }

func (p *Peer) AmChoking() bool      { return p.flags&flagIChoke != 0 }
func (p *Peer) AmInterested() bool   { return p.flags&flagIWant != 0 }
func (p *Peer) PeerChoking() bool    { return p.flags&flagPChoke != 0 }
func (p *Peer) PeerInterested() bool { return p.flags&flagPWant != 0 }

// wakeWriter signals an idle writer goroutine that the send queue has at
// least one entry, without blocking if a wake is already pending.
func (p *Peer) wakeWriter() {
	select {
	case p.writeWake <- struct{}{}:
	default:
	}
}
