package torrent

// PolicyCallbacks is the external collaborator that implements choking,
// optimistic unchoke, and request scheduling. The core invokes these
// methods synchronously from its single processing loop as protocol events
// occur; implementations must not block for long, and must not call back
// into the Engine re-entrantly from within a callback (queue work with
// Engine.Post instead).
type PolicyCallbacks interface {
	// OnNewPeer fires once a handshake completes and the peer is bound
	// to its torrent, before the reader transitions to Generic.
	OnNewPeer(p *Peer)

	// OnLostPeer fires as the last step of peer teardown, after the
	// socket is closed and the peer is unhooked from every queue.
	OnLostPeer(p *Peer)

	// OnPieceAnn fires once per newly-announced remote piece, whether
	// learned via HAVE or via an inbound BITFIELD (in ascending index
	// order for a bitfield).
	OnPieceAnn(p *Peer, index int)

	// OnBlock fires once a PIECE block has been written to the store,
	// whether it arrived inline or via the piece-assembling reader.
	OnBlock(p *Peer)

	// OnUpload fires when the peer transitions from uninterested (or
	// unknown) to interested in us while we are not choking them.
	OnUpload(p *Peer)

	// OnUnupload fires when a peer we were uploading to (interested,
	// unchoked) sends UNINTEREST.
	OnUnupload(p *Peer)

	// OnDownload fires when the peer transitions us from choked to
	// unchoked while we remain interested in them.
	OnDownload(p *Peer)

	// OnUndownload fires when the peer chokes us while we were
	// interested and previously unchoked.
	OnUndownload(p *Peer)
}

// NoopPolicy implements PolicyCallbacks with no-ops. It is useful for tests
// and as an embeddable base for policies that only care about a few events.
type NoopPolicy struct{}

func (NoopPolicy) OnNewPeer(*Peer)        {}
func (NoopPolicy) OnLostPeer(*Peer)       {}
func (NoopPolicy) OnPieceAnn(*Peer, int)  {}
func (NoopPolicy) OnBlock(*Peer)          {}
func (NoopPolicy) OnUpload(*Peer)         {}
func (NoopPolicy) OnUnupload(*Peer)       {}
func (NoopPolicy) OnDownload(*Peer)       {}
func (NoopPolicy) OnUndownload(*Peer)     {}
