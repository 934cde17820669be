package torrent

// This file implements the bandwidth scheduler: two global token buckets
// refilled once per second, with FIFO park queues for peers that exhaust
// their share mid-second. net.c's net_read_cb/net_write_cb/net_by_second
// are single-threaded and subtract "bytes returned" from a synchronous
// call that has already completed by the time the next peer is
// considered. This engine's read/write goroutines are asynchronous, so a
// peer's actual bytes transferred is only known once its goroutine reports
// back — to still uphold the "sum of bytes this second <= limit"
// invariant, every grant RESERVES its budget out of ibwLeft/obwLeft at the
// moment it is handed out, not when the transfer completes. A grant whose
// transfer ends up using fewer bytes than it reserved (a short read, or a
// partial/failed write) refunds the unused remainder once the real result
// is known; nothing ever hands out budget twice.

// readPermit is handed to a peer's read goroutine once the scheduler has
// decided it may proceed. unlimited means ibwlim is configured as 0 and
// the peer should read as much as is available in one syscall. reserved
// is the number of bytes already subtracted from ibwLeft for this permit
// (0 when unlimited), refunded in completeRead to the extent unused.
type readPermit struct {
	rmax      int
	unlimited bool
	reserved  uint64
	r         reader
}

// writeJob is handed to a peer's write goroutine: either bufs to write
// (bounded by the granted and reserved budget and maxIOV), or empty==true
// meaning the send queue was empty and the goroutine should go back to
// waiting on writeWake. reserved mirrors readPermit.reserved.
type writeJob struct {
	bufs      [][]byte
	unlimited bool
	empty     bool
	reserved  uint64
}

// requestReadPermit runs on the loop goroutine. It grants budget
// immediately if available, reserving exactly what it grants, or parks the
// peer on readq (mirroring net_read_cb) and stashes resp so a later
// drainReadq call can satisfy it.
func (e *Engine) requestReadPermit(p *Peer, resp chan readPermit) {
	if p.closed {
		close(resp)
		return
	}
	if e.cfg.IBWLim == 0 {
		resp <- readPermit{unlimited: true, r: p.reader}
		return
	}
	if e.ibwLeft > 0 {
		grant := e.ibwLeft
		e.ibwLeft = 0
		resp <- readPermit{rmax: clampInt(grant), reserved: grant, r: p.reader}
		return
	}
	p.flags |= flagOnReadQ
	e.readq = append(e.readq, p.handle)
	p.pendingReadResp = resp
}

// completeRead runs on the loop goroutine once a peer's read goroutine has
// performed the actual socket read of n bytes (or hit err). Any reserved
// budget beyond what was actually read is refunded to the inbound bucket,
// then the freshly-read bytes are handed to the current Reader variant.
func (e *Engine) completeRead(p *Peer, permit readPermit, n int, rerr error) {
	if p.closed {
		return
	}
	if !permit.unlimited {
		e.ibwLeft += saturatingSub(permit.reserved, uint64(n))
	}
	if rerr != nil {
		e.handleReadError(p, rerr)
		return
	}
	if n == 0 {
		return
	}
	if err := p.reader.advance(e, p, n); err != nil {
		e.killPeer(p, err)
	}
}

// requestWriteJob runs on the loop goroutine, mirroring net_write_cb:
// immediate grant (reserving exactly the planned bytes) if budget is
// available, park on writeq otherwise. An empty send queue is reported
// back immediately so the writer goroutine can return to waiting on
// writeWake instead of busy-looping.
func (e *Engine) requestWriteJob(p *Peer, resp chan writeJob) {
	if p.closed {
		close(resp)
		return
	}
	if p.send.empty() {
		resp <- writeJob{empty: true}
		return
	}
	if e.cfg.OBWLim == 0 {
		resp <- writeJob{bufs: e.buildPlan(p, -1), unlimited: true}
		return
	}
	if e.obwLeft > 0 {
		bufs := e.buildPlan(p, clampInt(e.obwLeft))
		planned := planLen(bufs)
		e.obwLeft -= planned
		resp <- writeJob{bufs: bufs, reserved: planned}
		return
	}
	p.flags |= flagOnWriteQ
	e.writeq = append(e.writeq, p.handle)
	p.pendingWriteResp = resp
}

// planLen sums the bytes a write plan would transfer, i.e. the amount
// requestWriteJob/drainWriteq must reserve against obwLeft for it.
func planLen(bufs [][]byte) uint64 {
	var n uint64
	for _, b := range bufs {
		n += uint64(len(b))
	}
	return n
}

// buildPlan gathers up to maxIOV send-queue entries into a writev-style
// plan, truncating the last entry so the total does not exceed wmax bytes
// when wmax >= 0.
func (e *Engine) buildPlan(p *Peer, wmax int) [][]byte {
	limited := wmax >= 0
	bufs := make([][]byte, 0, maxIOV)
	for _, entry := range p.send.entries {
		if len(bufs) == maxIOV {
			break
		}
		rem := entry.remaining()
		if limited {
			if wmax <= 0 {
				break
			}
			if len(rem) > wmax {
				rem = rem[:wmax]
			}
			wmax -= len(rem)
		}
		bufs = append(bufs, rem)
	}
	return bufs
}

// completeWrite runs on the loop goroutine once a peer's write goroutine
// has performed the actual vectored write of n bytes (or hit err). Any
// reserved budget beyond what was actually written is refunded to the
// outbound bucket, then the written bytes are apportioned across the head
// of the send queue (mirroring net_write's second half): completed entries
// are popped and released, a popped header entry that is the head of
// p_reqs also pops that request and credits the torrent's uploaded
// counter with the payload entry's length.
func (e *Engine) completeWrite(p *Peer, job writeJob, n int, werr error) {
	if p.closed {
		return
	}
	if !job.unlimited {
		e.obwLeft += saturatingSub(job.reserved, uint64(n))
	}
	if werr != nil {
		e.killPeer(p, werr)
		return
	}
	e.applyWriteBytes(p, n)
	if !p.send.empty() {
		return
	}
	if p.flags&flagWriteClose != 0 {
		e.killPeer(p, nil)
	}
}

func (e *Engine) applyWriteBytes(p *Peer, n int) {
	p.rateFromMe[e.seconds%RateHistory] += uint64(n)
	bcount := n
	for bcount > 0 {
		head := p.send.entries[0]
		remLen := head.length()
		if bcount < remLen {
			head.off += bcount
			bcount = 0
			break
		}
		bcount -= remLen
		// head is now fully consumed; pop it and, if it was the header
		// of the head p_req, pop that request and credit the following
		// payload entry's length now, matching the wire format's
		// header-immediately-precedes-payload invariant.
		if req := p.send.firstPieceReq(); req != nil && req.headEntry == head {
			p.send.pReqs = p.send.pReqs[1:]
			if len(p.send.entries) > 1 {
				payload := p.send.entries[1]
				if p.torrent != nil {
					p.torrent.AddUploaded(int64(payload.length()))
				}
			}
		}
		p.send.entries = p.send.entries[1:]
		head.release()
	}
}

// drainReadq implements net_by_second's readq half: while budget remains,
// pop parked peers in FIFO order and grant them a reservation out of the
// current bucket value. When ibwlim is 0 every parked reader gets an
// unlimited grant.
func (e *Engine) drainReadq() {
	if e.cfg.IBWLim == 0 {
		for len(e.readq) > 0 {
			h := e.readq[0]
			e.readq = e.readq[1:]
			p, ok := e.peers[h]
			if !ok {
				continue
			}
			p.flags &^= flagOnReadQ
			resp := p.pendingReadResp
			p.pendingReadResp = nil
			if resp != nil {
				resp <- readPermit{unlimited: true, r: p.reader}
			}
		}
		return
	}
	for len(e.readq) > 0 && e.ibwLeft > 0 {
		h := e.readq[0]
		e.readq = e.readq[1:]
		p, ok := e.peers[h]
		if !ok {
			continue
		}
		p.flags &^= flagOnReadQ
		resp := p.pendingReadResp
		p.pendingReadResp = nil
		grant := e.ibwLeft
		e.ibwLeft = 0
		if resp != nil {
			resp <- readPermit{rmax: clampInt(grant), reserved: grant, r: p.reader}
		} else {
			e.ibwLeft = grant
		}
	}
}

// drainWriteq is the writeq counterpart of drainReadq.
func (e *Engine) drainWriteq() {
	if e.cfg.OBWLim == 0 {
		for len(e.writeq) > 0 {
			h := e.writeq[0]
			e.writeq = e.writeq[1:]
			p, ok := e.peers[h]
			if !ok {
				continue
			}
			p.flags &^= flagOnWriteQ
			resp := p.pendingWriteResp
			p.pendingWriteResp = nil
			if resp != nil {
				resp <- writeJob{bufs: e.buildPlan(p, -1), unlimited: true}
			}
		}
		return
	}
	for len(e.writeq) > 0 && e.obwLeft > 0 {
		h := e.writeq[0]
		e.writeq = e.writeq[1:]
		p, ok := e.peers[h]
		if !ok {
			continue
		}
		p.flags &^= flagOnWriteQ
		resp := p.pendingWriteResp
		p.pendingWriteResp = nil
		bufs := e.buildPlan(p, clampInt(e.obwLeft))
		planned := planLen(bufs)
		e.obwLeft -= planned
		if resp != nil {
			resp <- writeJob{bufs: bufs, reserved: planned}
		} else {
			e.obwLeft += planned
		}
	}
}

// bySecond is the one-second heartbeat: advance the second counter and
// clear the new second's rate slot for every peer (so the slots of earlier
// seconds keep their totals), refill both buckets, then drain the park
// queues. It must run
// before any other per-second work, matching net_by_second's ordering.
func (e *Engine) bySecond() {
	e.seconds++
	slot := e.seconds % RateHistory
	for _, p := range e.peers {
		p.rateToMe[slot] = 0
		p.rateFromMe[slot] = 0
	}

	e.ibwLeft = e.cfg.IBWLim
	e.obwLeft = e.cfg.OBWLim

	e.drainReadq()
	e.drainWriteq()
}

func clampInt(v uint64) int {
	const maxInt = int(^uint(0) >> 1)
	if v > uint64(maxInt) {
		return maxInt
	}
	return int(v)
}

func saturatingSub(a uint64, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
