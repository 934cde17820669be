package torrent

import (
	"context"
	"log"
	"net"
	"time"
)

// LogMask selects which categories of Engine logging are emitted, mirroring
// btpd's BTPD_L_* severity mask. Errors are always logged regardless of
// mask.
type LogMask uint8

const (
	LogConn LogMask = 1 << iota // connection admit/teardown
	LogMsg                      // per-message wire tracing
)

// EngineConfig is the Engine's static configuration, supplied once at
// construction.
type EngineConfig struct {
	// PeerID is our own 20-byte BitTorrent peer-id, sent in every
	// handshake and compared against incoming handshakes to reject a
	// peer that reflects our own id back at us.
	PeerID [20]byte

	// IBWLim/OBWLim are the global inbound/outbound byte budgets
	// refilled once per second. Zero means unlimited.
	IBWLim uint64
	OBWLim uint64

	// MaxPeers caps the number of simultaneously admitted connections,
	// inbound and outbound combined. Zero means unlimited. A connection
	// that arrives once the cap is reached is closed silently before any
	// Peer is created.
	MaxPeers int

	// LogMask selects which non-error categories are logged.
	LogMask LogMask
}

// Engine owns the single cooperative processing loop: one goroutine drains
// cmdCh and ticks the bandwidth scheduler every second. All Peer and Engine
// state is touched only from that goroutine; every other goroutine
// (per-peer readers/writers, PolicyCallbacks implementations reacting to
// an event from outside the loop) must go through Post. See DESIGN.md
// "Concurrency model".
type Engine struct {
	cfg    EngineConfig
	store  TorrentStore
	policy PolicyCallbacks

	cmdCh chan func(*Engine)
	done  chan struct{}

	peers      map[PeerHandle]*Peer
	byTorrent  map[InfoHash]map[PeerHandle]*Peer

	readq  []PeerHandle
	writeq []PeerHandle

	ibwLeft uint64
	obwLeft uint64
	seconds uint64
}

// NewEngine constructs an Engine bound to store for torrent/piece lookups
// and policy for choke/interest/request decisions. A nil policy is replaced
// with NoopPolicy.
func NewEngine(cfg EngineConfig, store TorrentStore, policy PolicyCallbacks) *Engine {
	if policy == nil {
		policy = NoopPolicy{}
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		policy:    policy,
		cmdCh:     make(chan func(*Engine), 256),
		done:      make(chan struct{}),
		peers:     make(map[PeerHandle]*Peer),
		byTorrent: make(map[InfoHash]map[PeerHandle]*Peer),
		ibwLeft:   cfg.IBWLim,
		obwLeft:   cfg.OBWLim,
	}
}

// Run is the Engine's processing loop. It returns when ctx is canceled,
// after which every Post call becomes a no-op and every parked peer
// goroutine unblocks via the closed done channel.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(e.done)
			return
		case fn := <-e.cmdCh:
			fn(e)
		case <-ticker.C:
			e.bySecond()
		}
	}
}

// SetPolicy replaces the Engine's PolicyCallbacks. It must be called
// before Run starts admitting peers (or via Post once it has); it exists
// so a policy that itself needs a reference to the Engine (to call
// SendRequest/SendUnchoke from its callbacks) can be constructed after
// NewEngine instead of requiring a forward-declared placeholder.
func (e *Engine) SetPolicy(policy PolicyCallbacks) {
	if policy == nil {
		policy = NoopPolicy{}
	}
	e.policy = policy
}

// Post queues fn to run on the loop goroutine. It is the only safe way to
// touch Engine or Peer state from outside Run's goroutine, and is what a
// PolicyCallbacks implementation must use to call back into the Engine
// (SendUnchoke, SendRequest, ...) instead of calling those methods
// directly from within a callback.
func (e *Engine) Post(fn func(*Engine)) {
	select {
	case e.cmdCh <- fn:
	case <-e.done:
	}
}

// AdmitPeer registers a freshly-accepted or freshly-dialed connection and
// starts its handshake. knownTorrent is non-nil for an outbound connection
// where the dialer already resolved which torrent it is connecting for;
// it is nil for an inbound connection, which resolves its torrent from the
// peer's handshake info-hash. If MaxPeers is already reached, conn is
// closed immediately and no Peer is created.
func (e *Engine) AdmitPeer(conn net.Conn, incoming bool, knownTorrent TorrentHandle) {
	e.Post(func(e *Engine) {
		if e.cfg.MaxPeers > 0 && len(e.peers) >= e.cfg.MaxPeers {
			e.logConn("reject %s: at maxpeers (%d)", conn.RemoteAddr(), e.cfg.MaxPeers)
			conn.Close()
			return
		}
		p := newPeer(conn, incoming)
		p.torrent = knownTorrent
		p.reader = &handshakeReader{}
		e.peers[p.handle] = p
		e.logConn("admit %s incoming=%v", p.addr, incoming)
		e.spawnReader(p)
		e.spawnWriter(p)
		if !incoming {
			e.sendHandshake(p)
		}
	})
}

func (e *Engine) registerForTorrent(p *Peer) {
	if p.torrent == nil {
		return
	}
	h := p.torrent.InfoHash()
	set, ok := e.byTorrent[h]
	if !ok {
		set = make(map[PeerHandle]*Peer)
		e.byTorrent[h] = set
	}
	set[p.handle] = p
}

// handleReadError is the entry point completeRead uses when the peer's
// read goroutine reported a socket error (including io.EOF); it always
// results in the peer being destroyed.
func (e *Engine) handleReadError(p *Peer, err error) {
	e.killPeer(p, err)
}

// killPeer tears a peer down: closes the socket, unhooks it from every
// queue and registry, unblocks its I/O goroutines, and notifies the
// policy. It is idempotent.
func (e *Engine) killPeer(p *Peer, err error) {
	if p.closed {
		return
	}
	p.closed = true
	p.conn.Close()

	delete(e.peers, p.handle)
	if p.torrent != nil {
		if set, ok := e.byTorrent[p.torrent.InfoHash()]; ok {
			delete(set, p.handle)
		}
		if p.idSet {
			e.store.RemovePeer(p.torrent, p.id)
		}
	}

	e.readq = removeHandle(e.readq, p.handle)
	e.writeq = removeHandle(e.writeq, p.handle)
	if p.pendingReadResp != nil {
		close(p.pendingReadResp)
		p.pendingReadResp = nil
	}
	if p.pendingWriteResp != nil {
		close(p.pendingWriteResp)
		p.pendingWriteResp = nil
	}
	p.wakeWriter()

	if err != nil {
		log.Printf("[ERROR] peer %s: %v", p.addr, err)
	} else {
		e.logConn("drop %s", p.addr)
	}
	e.policy.OnLostPeer(p)
}

func removeHandle(q []PeerHandle, h PeerHandle) []PeerHandle {
	for i, x := range q {
		if x == h {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

func (e *Engine) logConn(format string, args ...interface{}) {
	if e.cfg.LogMask&LogConn != 0 {
		log.Printf("[INFO] "+format, args...)
	}
}

func (e *Engine) logMsg(format string, args ...interface{}) {
	if e.cfg.LogMask&LogMsg != 0 {
		log.Printf("[INFO] "+format, args...)
	}
}

// --- outbound message helpers -------------------------------------------

func (e *Engine) enqueueInline(p *Peer, data []byte) {
	if p.closed {
		return
	}
	p.send.enqueue(newInlineBuf(data))
	p.wakeWriter()
}

func (e *Engine) sendHandshake(p *Peer) {
	if p.torrent == nil {
		return
	}
	e.enqueueInline(p, EncodeHandshake(p.torrent.InfoHash(), e.cfg.PeerID))
}

// sendBitfield announces our local piece set to p, but only if we actually
// have at least one piece: an all-zero bitfield carries no information the
// remote needs, and the original net_send_shake skips it entirely when
// have_npieces == 0.
func (e *Engine) sendBitfield(p *Peer) {
	if p.torrent == nil {
		return
	}
	field := p.torrent.PieceField()
	if popcount(field, p.torrent.NPieces()) == 0 {
		return
	}
	cp := make([]byte, len(field))
	copy(cp, field)
	e.enqueueInline(p, EncodeBitfieldHeader(len(cp)))
	e.enqueueInline(p, cp)
}

// SendHave announces a newly-completed local piece to p. Safe to call only
// from the loop goroutine or via Post.
func (e *Engine) SendHave(p *Peer, index int) {
	e.enqueueInline(p, EncodeHave(uint32(index)))
}

// SendChoke starts choking p, firing OnUnupload if p was being actively
// served. Idempotent.
func (e *Engine) SendChoke(p *Peer) {
	if p.flags&flagIChoke != 0 {
		return
	}
	wasUploading := p.flags&flagPWant != 0
	p.flags |= flagIChoke
	e.enqueueInline(p, EncodeChoke())
	if wasUploading {
		e.policy.OnUnupload(p)
	}
}

// SendUnchoke stops choking p, firing OnUpload if p is interested. Idempotent.
func (e *Engine) SendUnchoke(p *Peer) {
	if p.flags&flagIChoke == 0 {
		return
	}
	p.flags &^= flagIChoke
	e.enqueueInline(p, EncodeUnchoke())
	if p.flags&flagPWant != 0 {
		e.policy.OnUpload(p)
	}
}

// SendInterested declares interest in p. Idempotent.
func (e *Engine) SendInterested(p *Peer) {
	if p.flags&flagIWant != 0 {
		return
	}
	p.flags |= flagIWant
	e.enqueueInline(p, EncodeInterested())
}

// SendUninterested withdraws interest in p. Idempotent.
func (e *Engine) SendUninterested(p *Peer) {
	if p.flags&flagIWant == 0 {
		return
	}
	p.flags &^= flagIWant
	e.enqueueInline(p, EncodeUninterest())
}

// SendRequest queues an outgoing block request and records it in myReqs so
// a matching PIECE (or our own later SendCancel) can find it.
func (e *Engine) SendRequest(p *Peer, index, begin, length uint32) {
	if p.closed {
		return
	}
	p.myReqs = append(p.myReqs, &pieceReq{index: index, begin: begin, length: length})
	e.enqueueInline(p, EncodeRequest(index, begin, length))
}

// SendCancel withdraws an outstanding request, if any, and always notifies
// the remote peer with a CANCEL frame.
func (e *Engine) SendCancel(p *Peer, index, begin, length uint32) {
	for i, r := range p.myReqs {
		if r.index == index && r.begin == begin && r.length == length {
			p.myReqs = append(p.myReqs[:i], p.myReqs[i+1:]...)
			break
		}
	}
	e.enqueueInline(p, EncodeCancel(index, begin, length))
}

// sendPieceBlock fetches the requested bytes from the store and queues a
// PIECE header/payload pair, recording the pairing in p.send.pReqs so a
// later CANCEL can splice it back out before it is sent.
func (e *Engine) sendPieceBlock(p *Peer, index, begin, length uint32, absOffset int64) error {
	sb, err := e.store.GetBytes(p.torrent, absOffset, int(length))
	if err != nil {
		return err
	}
	header := newInlineBuf(EncodePieceHeader(index, begin, int(length)))
	payload := newBorrowedBuf(sb)
	p.send.enqueue(header)
	p.send.enqueue(payload)
	p.send.pReqs = append(p.send.pReqs, &pieceReq{index: index, begin: begin, length: length, headEntry: header})
	p.wakeWriter()
	return nil
}

// unsendPieceBlock splices a queued-but-unsent PIECE back out in response
// to a CANCEL. Once the header has started going out on the wire it is too
// late to recall, matching btpd's net_cancel.
func (e *Engine) unsendPieceBlock(p *Peer, req *pieceReq) {
	if req.headEntry.off != 0 {
		return
	}
	idx := -1
	for i, ent := range p.send.entries {
		if ent == req.headEntry {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	count := 1
	if idx+1 < len(p.send.entries) {
		count = 2
	}
	p.send.entries = append(p.send.entries[:idx], p.send.entries[idx+count:]...)
	p.send.removePieceReq(req)
}

// --- per-peer I/O goroutines ---------------------------------------------

// spawnReader runs the peer's dedicated read goroutine: request a permit,
// perform the blocking read the permit authorizes, report the result back
// to the loop goroutine, repeat. It never touches Peer state directly
// beyond the reader snapshot carried in the granted permit.
func (e *Engine) spawnReader(p *Peer) {
	go func() {
		for {
			resp := make(chan readPermit, 1)
			e.Post(func(e *Engine) { e.requestReadPermit(p, resp) })
			var permit readPermit
			var ok bool
			select {
			case permit, ok = <-resp:
			case <-e.done:
				return
			}
			if !ok {
				return
			}
			n, err := permit.r.pull(p.conn, permit)
			_, isPiece := permit.r.(*pieceReader)
			e.Post(func(e *Engine) {
				if isPiece {
					p.rateToMe[e.seconds%RateHistory] += uint64(n)
				}
				e.completeRead(p, permit, n, err)
			})
			if err != nil {
				return
			}
		}
	}()
}

// spawnWriter runs the peer's dedicated write goroutine: request a job,
// perform the vectored write it authorizes, report the result back, repeat.
// An empty job means the send queue was drained; the goroutine then waits
// on writeWake instead of busy-polling the loop goroutine.
func (e *Engine) spawnWriter(p *Peer) {
	go func() {
		for {
			resp := make(chan writeJob, 1)
			e.Post(func(e *Engine) { e.requestWriteJob(p, resp) })
			var job writeJob
			var ok bool
			select {
			case job, ok = <-resp:
			case <-e.done:
				return
			}
			if !ok {
				return
			}
			if job.empty {
				select {
				case <-p.writeWake:
				case <-e.done:
					return
				}
				continue
			}
			n, err := writeVectored(p.conn, job.bufs)
			e.Post(func(e *Engine) { e.completeWrite(p, job, n, err) })
			if err != nil {
				return
			}
		}
	}()
}

func writeVectored(conn net.Conn, bufs [][]byte) (int, error) {
	nb := net.Buffers(bufs)
	n64, err := nb.WriteTo(conn)
	return int(n64), err
}
