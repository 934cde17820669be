package torrent

import "net"

// reader is the tagged-variant message-reader state machine: Handshake ->
// Generic -> {Bitfield|Piece} -> Generic. Exactly one of the four concrete
// types is ever bound to Peer.reader at a time.
//
// pull performs the raw, possibly-partial socket read and runs on the
// peer's dedicated read goroutine; it must not touch any Engine or Peer
// state beyond its own buffer. advance interprets the n bytes pull just
// read and runs on the Engine's single loop goroutine, where it is free to
// dispatch protocol events, switch p.reader, or report a protocol error
// that gets the peer killed.
type reader interface {
	pull(conn net.Conn, permit readPermit) (int, error)
	advance(e *Engine, p *Peer, n int) error
}

// pullInto is the common "read up to permit, into this slice" primitive
// shared by all four reader variants.
func pullInto(conn net.Conn, permit readPermit, target []byte) (int, error) {
	if !permit.unlimited && len(target) > permit.rmax {
		target = target[:permit.rmax]
	}
	if len(target) == 0 {
		return 0, nil
	}
	return conn.Read(target)
}

// handshakeReader accumulates the fixed 68-byte handshake. The wire layout
// (pstrlen, pstr, 8 reserved bytes, 20-byte info-hash, 20-byte peer-id) is
// validated once the full message has arrived; reserved bytes are accepted
// verbatim, never rejected on non-zero content.
type handshakeReader struct {
	buf [handshakeLen]byte
	off int
}

func (r *handshakeReader) pull(conn net.Conn, permit readPermit) (int, error) {
	return pullInto(conn, permit, r.buf[r.off:])
}

func (r *handshakeReader) advance(e *Engine, p *Peer, n int) error {
	r.off += n
	if r.off < handshakeLen {
		return nil
	}

	if r.buf[0] != 19 || string(r.buf[1:20]) != protocolName {
		return badHandshake("unrecognized protocol string")
	}

	var infoHash, peerID [20]byte
	copy(infoHash[:], r.buf[handshakeResvd:handshakeInfo])
	copy(peerID[:], r.buf[handshakeInfo:handshakeLen])

	if p.torrent != nil {
		if p.torrent.InfoHash() != InfoHash(infoHash) {
			return badHandshake("info-hash does not match dialed torrent")
		}
	} else {
		t, ok := e.store.GetByHash(InfoHash(infoHash))
		if !ok {
			return badHandshake("unknown info-hash")
		}
		p.torrent = t
	}

	if peerID == e.cfg.PeerID {
		return badHandshake("peer-id matches our own")
	}
	if e.store.HasPeer(p.torrent, peerID) {
		return badHandshake("duplicate peer-id for this torrent")
	}

	p.id = peerID
	p.idSet = true
	p.flags |= flagIChoke | flagPChoke
	p.pieceField = make([]byte, bitfieldByteLen(p.torrent.NPieces()))
	e.store.AddPeer(p.torrent, peerID)

	if p.incoming {
		e.sendHandshake(p)
	}
	e.registerForTorrent(p)
	e.sendBitfield(p)
	e.policy.OnNewPeer(p)
	p.reader = &genericReader{}
	return nil
}

// genericReader parses the length-prefixed frame stream for every message
// except an in-flight BITFIELD or PIECE payload, which it hands off to a
// dedicated reader once enough header has arrived to size the payload. Its
// buffer is sized once and reused for the peer's entire Generic lifetime;
// the largest amount it ever has to carry between read ticks is the 17-byte
// REQUEST/CANCEL frame.
type genericReader struct {
	buf  [grBufLen]byte
	have int
}

func (r *genericReader) pull(conn net.Conn, permit readPermit) (int, error) {
	return pullInto(conn, permit, r.buf[r.have:])
}

func (r *genericReader) consume(n int) {
	copy(r.buf[:r.have-n], r.buf[n:r.have])
	r.have -= n
}

func (r *genericReader) advance(e *Engine, p *Peer, n int) error {
	r.have += n
	for {
		if r.have < 4 {
			return nil
		}
		length := readU32(r.buf[0:4])
		if length == 0 {
			r.consume(4)
			continue
		}
		if r.have < 5 {
			return nil
		}
		msgType := MessageType(r.buf[4])

		switch msgType {
		case MsgChoke, MsgUnchoke, MsgInterested, MsgUninterested:
			if length != 1 {
				return badData("malformed fixed-size message length")
			}
			if r.have < 5 {
				return nil
			}
			if err := e.dispatchFlagMessage(p, msgType); err != nil {
				return err
			}
			r.consume(5)

		case MsgHave:
			if length != 5 {
				return badData("malformed HAVE length")
			}
			if r.have < 9 {
				return nil
			}
			index := readU32(r.buf[5:9])
			if err := e.onHave(p, int(index)); err != nil {
				return err
			}
			r.consume(9)

		case MsgRequest, MsgCancel:
			if length != 13 {
				return badData("malformed REQUEST/CANCEL length")
			}
			if r.have < maxInputLeft {
				return nil
			}
			index := readU32(r.buf[5:9])
			begin := readU32(r.buf[9:13])
			blen := readU32(r.buf[13:17])
			var err error
			if msgType == MsgRequest {
				err = e.onRequest(p, index, begin, blen)
			} else {
				err = e.onCancel(p, index, begin, blen)
			}
			if err != nil {
				return err
			}
			r.consume(maxInputLeft)

		case MsgBitfield:
			if length < 1 {
				return badData("malformed BITFIELD length")
			}
			bfLen := int(length) - 1
			if p.torrent == nil || bfLen != bitfieldByteLen(p.torrent.NPieces()) {
				return badData("bitfield length does not match torrent piece count")
			}
			br := newBitfieldReader(bfLen)
			carried := r.have - 5
			if carried > bfLen {
				carried = bfLen
			}
			if carried > 0 {
				copy(br.buf, r.buf[5:5+carried])
				br.off = carried
			}
			r.have = 0
			p.reader = br
			if br.off >= len(br.buf) {
				return br.commit(e, p)
			}
			return nil

		case MsgPiece:
			if length < 9 {
				return badData("malformed PIECE length")
			}
			blockLen := int(length) - 9
			if blockLen > maxBlockLength {
				return badData("PIECE block exceeds maximum block length")
			}
			if r.have < 13 {
				return nil
			}
			index := readU32(r.buf[5:9])
			begin := readU32(r.buf[9:13])
			pr := newPieceReader(index, begin, blockLen)
			carried := r.have - 13
			if carried > blockLen {
				carried = blockLen
			}
			if carried > 0 {
				copy(pr.buf, r.buf[13:13+carried])
				pr.off = carried
			}
			r.have = 0
			p.reader = pr
			if pr.off >= len(pr.buf) {
				return pr.commit(e, p)
			}
			return nil

		default:
			return badData("unrecognized message type")
		}
	}
}

// bitfieldReader accumulates a BITFIELD payload of a fixed, already-
// validated length directly into its own buffer, independent of the
// generic reader's carry buffer.
type bitfieldReader struct {
	buf []byte
	off int
}

func newBitfieldReader(n int) *bitfieldReader {
	return &bitfieldReader{buf: make([]byte, n)}
}

func (r *bitfieldReader) pull(conn net.Conn, permit readPermit) (int, error) {
	return pullInto(conn, permit, r.buf[r.off:])
}

func (r *bitfieldReader) advance(e *Engine, p *Peer, n int) error {
	r.off += n
	if r.off < len(r.buf) {
		return nil
	}
	return r.commit(e, p)
}

func (r *bitfieldReader) commit(e *Engine, p *Peer) error {
	err := e.onBitfield(p, r.buf)
	p.reader = &genericReader{}
	return err
}

// pieceReader accumulates a PIECE block of a fixed length, already sized
// from the header's index/begin/length fields.
type pieceReader struct {
	index, begin uint32
	buf          []byte
	off          int
}

func newPieceReader(index, begin uint32, length int) *pieceReader {
	return &pieceReader{index: index, begin: begin, buf: make([]byte, length)}
}

func (r *pieceReader) pull(conn net.Conn, permit readPermit) (int, error) {
	return pullInto(conn, permit, r.buf[r.off:])
}

func (r *pieceReader) advance(e *Engine, p *Peer, n int) error {
	r.off += n
	if r.off < len(r.buf) {
		return nil
	}
	return r.commit(e, p)
}

func (r *pieceReader) commit(e *Engine, p *Peer) error {
	err := e.onPiece(p, r.index, r.begin, r.buf)
	p.reader = &genericReader{}
	return err
}
