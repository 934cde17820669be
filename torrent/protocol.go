package torrent

// This file is the wire-protocol dispatch layer: one function per message
// kind, invoked by the genericReader (and the bitfield/piece readers on
// completion) once a complete, length-validated frame is in hand. Each
// function mirrors the corresponding branch of net.c's net_generic_read
// switch, translated into the choke/interest flag transitions and
// PolicyCallbacks notifications the core's concurrency model describes.

// dispatchFlagMessage handles the four zero-payload messages that only
// flip a choke/interest flag. Each transition is idempotent: a repeated
// CHOKE from an already-choked peer is silently accepted, matching real
// swarm behavior where keep-alives and redundant state messages are common.
func (e *Engine) dispatchFlagMessage(p *Peer, t MessageType) error {
	switch t {
	case MsgChoke:
		if p.flags&flagPChoke != 0 {
			return nil
		}
		wasDownloading := p.flags&flagIWant != 0
		p.flags |= flagPChoke
		p.myReqs = nil
		if wasDownloading {
			e.policy.OnUndownload(p)
		}

	case MsgUnchoke:
		if p.flags&flagPChoke == 0 {
			return nil
		}
		p.flags &^= flagPChoke
		if p.flags&flagIWant != 0 {
			e.policy.OnDownload(p)
		}

	case MsgInterested:
		if p.flags&flagPWant != 0 {
			return nil
		}
		p.flags |= flagPWant
		if p.flags&flagIChoke == 0 {
			e.policy.OnUpload(p)
		}

	case MsgUninterested:
		if p.flags&flagPWant == 0 {
			return nil
		}
		p.flags &^= flagPWant
		if p.flags&flagIChoke == 0 {
			e.policy.OnUnupload(p)
		}
	}
	return nil
}

// onHave records a single newly-announced piece and notifies the policy.
// A HAVE for a piece already marked present is accepted and ignored, since
// peers legitimately re-announce.
func (e *Engine) onHave(p *Peer, index int) error {
	if p.torrent == nil || index < 0 || index >= p.torrent.NPieces() {
		return badData("HAVE index out of range")
	}
	if hasBit(p.pieceField, index) {
		return nil
	}
	setBit(p.pieceField, index)
	p.npieces++
	e.policy.OnPieceAnn(p, index)
	return nil
}

// onBitfield installs a remote peer's complete piece bitmap. BITFIELD is
// only legal as the very first piece-announcement a peer ever sends: one
// arriving after any HAVE or earlier BITFIELD (i.e. once p.npieces != 0)
// destroys the connection rather than being merged in. The
// trailing spare bits in the last byte (beyond npieces) must also be zero;
// a peer that sets them is violating the wire format.
func (e *Engine) onBitfield(p *Peer, bits []byte) error {
	if p.npieces != 0 {
		return badData("bitfield arrived after prior HAVE/BITFIELD")
	}
	npieces := p.torrent.NPieces()
	for i := npieces; i < len(bits)*8; i++ {
		if hasBit(bits, i) {
			return badData("bitfield sets spare trailing bits")
		}
	}
	copy(p.pieceField, bits)
	p.npieces = popcount(p.pieceField, npieces)
	for i := 0; i < npieces; i++ {
		if hasBit(p.pieceField, i) {
			e.policy.OnPieceAnn(p, i)
		}
	}
	return nil
}

// onRequest queues a block for upload once the peer's request passes the
// same bounds checks net_generic_read applies: the index must name a piece
// we actually possess, and begin/length must lie inside it. A REQUEST is
// honored only when (P_WANT|I_CHOKE) == P_WANT, i.e. the peer has declared
// interest and we are not choking them; any other
// combination (including a request arriving just before the peer has seen
// our CHOKE) is silently dropped rather than killing the connection.
func (e *Engine) onRequest(p *Peer, index, begin, length uint32) error {
	if p.flags&(flagPWant|flagIChoke) != flagPWant {
		return nil
	}
	if length == 0 || length > maxBlockLength {
		return badData("REQUEST length out of range")
	}
	if p.torrent == nil || int(index) >= p.torrent.NPieces() || !p.torrent.HasPiece(int(index)) {
		return badData("REQUEST for a piece we do not have")
	}
	pieceLen := p.torrent.PieceLength()
	if int64(begin)+int64(length) > pieceLen {
		return badData("REQUEST exceeds piece bounds")
	}
	absOffset := int64(index)*pieceLen + int64(begin)
	if absOffset+int64(length) > p.torrent.TotalLength() {
		return badData("REQUEST exceeds torrent bounds")
	}
	return e.sendPieceBlock(p, index, begin, length, absOffset)
}

// onCancel removes a not-yet-fully-sent PIECE from the send queue. A
// CANCEL that no longer matches anything queued (because the block was
// already flushed to the socket) is a no-op, matching btpd's net_cancel.
func (e *Engine) onCancel(p *Peer, index, begin, length uint32) error {
	for _, req := range p.send.pReqs {
		if req.index == index && req.begin == begin && req.length == length {
			e.unsendPieceBlock(p, req)
			return nil
		}
	}
	return nil
}

// onPiece matches an arrived block against the head of our outstanding
// request queue only (not the whole list: a block matching some later,
// out-of-order request is treated the same as one matching nothing),
// writes it to the store, and notifies the policy. A block that doesn't
// match the head, or arrives with no outstanding request at all, is
// silently discarded rather than killing the connection: an unsolicited
// or out-of-order PIECE is not a protocol violation worth tearing down
// the peer over.
func (e *Engine) onPiece(p *Peer, index, begin uint32, block []byte) error {
	if len(p.myReqs) == 0 {
		return nil
	}
	head := p.myReqs[0]
	if head.index != index || head.begin != begin || int(head.length) != len(block) {
		return nil
	}
	p.myReqs = p.myReqs[1:]

	if p.torrent == nil {
		return nil
	}
	pieceLen := p.torrent.PieceLength()
	absOffset := int64(index)*pieceLen + int64(begin)
	if err := e.store.PutBytes(p.torrent, block, absOffset, len(block)); err != nil {
		return err
	}
	p.torrent.AddDownloaded(int64(len(block)))
	e.policy.OnBlock(p)
	return nil
}
