package torrent

// InfoHash is the 20-byte SHA-1 identifier of a torrent's metainfo `info`
// dictionary.
type InfoHash [20]byte

// StoreBuffer is a byte region returned by TorrentStore.GetBytes. Its
// lifetime must extend at least until it is released from a send queue (see
// ioBuf.release); an implementation that pools buffers can satisfy an
// optional Release() method to reclaim them at that point.
type StoreBuffer interface {
	Bytes() []byte
}

// plainStoreBuffer is a StoreBuffer with no pooling — Release is a no-op and
// the backing array is reclaimed by the garbage collector like any other
// slice.
type plainStoreBuffer []byte

func (b plainStoreBuffer) Bytes() []byte { return b }

// TorrentHandle is the core's view of a torrent, as resolved by
// TorrentStore.GetByHash. All byte-range accounting (piece_length,
// total_length, the local piece_field) and the uploaded/downloaded counters
// live behind this interface; the core never touches disk directly.
type TorrentHandle interface {
	InfoHash() InfoHash
	NPieces() int
	PieceLength() int64
	TotalLength() int64

	// HasPiece reports whether the local peer already possesses piece
	// index.
	HasPiece(index int) bool

	// PieceField returns the local bitmap of possessed pieces (one bit
	// per piece index, most-significant bit first), used to build our
	// outbound BITFIELD.
	PieceField() []byte

	AddUploaded(n int64)
	AddDownloaded(n int64)
	Uploaded() int64
	Downloaded() int64
}

// TorrentStore is the external collaborator that resolves an info-hash,
// reads/writes piece bytes, and tracks per-torrent peer membership. Piece
// hashing, disk storage, and bitfield persistence are entirely its concern;
// the core never inspects piece content.
type TorrentStore interface {
	// GetByHash resolves an info-hash to a torrent handle, if known.
	GetByHash(hash InfoHash) (TorrentHandle, bool)

	// GetBytes returns the length bytes starting at absOffset within the
	// torrent's content, suitable for zero-copy placement in a send
	// queue as a Borrowed entry.
	GetBytes(t TorrentHandle, absOffset int64, length int) (StoreBuffer, error)

	// PutBytes writes length bytes from buf at absOffset.
	PutBytes(t TorrentHandle, buf []byte, absOffset int64, length int) error

	// HasPeer reports whether t already has an admitted peer with this
	// peer-id, used to reject duplicate incoming connections.
	HasPeer(t TorrentHandle, peerID [20]byte) bool

	// AddPeer records peerID as admitted for t once a handshake
	// completes.
	AddPeer(t TorrentHandle, peerID [20]byte)

	// RemovePeer forgets peerID for t, called from peer teardown.
	RemovePeer(t TorrentHandle, peerID [20]byte)
}
