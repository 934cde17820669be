package torrent

import (
	"net"
	"sync"
	"time"
)

// nopConn is a minimal net.Conn stand-in for tests that exercise reader/
// protocol logic directly (feeding bytes into a reader's buffer by hand)
// without performing any real socket I/O.
type nopConn struct{}

func (nopConn) Read([]byte) (int, error)         { return 0, nil }
func (nopConn) Write(b []byte) (int, error)       { return len(b), nil }
func (nopConn) Close() error                      { return nil }
func (nopConn) LocalAddr() net.Addr               { return fakeAddr("local") }
func (nopConn) RemoteAddr() net.Addr              { return fakeAddr("remote") }
func (nopConn) SetDeadline(time.Time) error       { return nil }
func (nopConn) SetReadDeadline(time.Time) error   { return nil }
func (nopConn) SetWriteDeadline(time.Time) error  { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeTorrent is a minimal in-memory TorrentHandle for protocol/reader/
// scheduler tests: a fixed piece count/length and a byte-slice-backed
// content buffer, with no on-disk I/O at all.
type fakeTorrent struct {
	hash        InfoHash
	npieces     int
	pieceLength int64
	total       int64

	mu         sync.Mutex
	field      []byte
	content    []byte
	uploaded   int64
	downloaded int64
}

func newFakeTorrent(npieces int, pieceLength int64) *fakeTorrent {
	total := int64(npieces) * pieceLength
	return &fakeTorrent{
		npieces:     npieces,
		pieceLength: pieceLength,
		total:       total,
		field:       make([]byte, bitfieldByteLen(npieces)),
		content:     make([]byte, total),
	}
}

func (t *fakeTorrent) InfoHash() InfoHash  { return t.hash }
func (t *fakeTorrent) NPieces() int        { return t.npieces }
func (t *fakeTorrent) PieceLength() int64  { return t.pieceLength }
func (t *fakeTorrent) TotalLength() int64  { return t.total }

func (t *fakeTorrent) HasPiece(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return hasBit(t.field, index)
}

func (t *fakeTorrent) PieceField() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(t.field))
	copy(cp, t.field)
	return cp
}

func (t *fakeTorrent) setHave(index int) {
	t.mu.Lock()
	setBit(t.field, index)
	t.mu.Unlock()
}

func (t *fakeTorrent) AddUploaded(n int64)   { t.mu.Lock(); t.uploaded += n; t.mu.Unlock() }
func (t *fakeTorrent) AddDownloaded(n int64) { t.mu.Lock(); t.downloaded += n; t.mu.Unlock() }
func (t *fakeTorrent) Uploaded() int64       { t.mu.Lock(); defer t.mu.Unlock(); return t.uploaded }
func (t *fakeTorrent) Downloaded() int64     { t.mu.Lock(); defer t.mu.Unlock(); return t.downloaded }

// fakeStore is a minimal in-memory TorrentStore backing fakeTorrent.
type fakeStore struct {
	mu       sync.Mutex
	torrents map[InfoHash]*fakeTorrent
	peers    map[InfoHash]map[[20]byte]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		torrents: make(map[InfoHash]*fakeTorrent),
		peers:    make(map[InfoHash]map[[20]byte]bool),
	}
}

func (s *fakeStore) add(t *fakeTorrent) {
	s.mu.Lock()
	s.torrents[t.hash] = t
	s.peers[t.hash] = make(map[[20]byte]bool)
	s.mu.Unlock()
}

func (s *fakeStore) GetByHash(hash InfoHash) (TorrentHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[hash]
	return t, ok
}

func (s *fakeStore) GetBytes(h TorrentHandle, absOffset int64, length int) (StoreBuffer, error) {
	t := h.(*fakeTorrent)
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, length)
	copy(buf, t.content[absOffset:absOffset+int64(length)])
	return plainStoreBuffer(buf), nil
}

func (s *fakeStore) PutBytes(h TorrentHandle, buf []byte, absOffset int64, length int) error {
	t := h.(*fakeTorrent)
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(t.content[absOffset:absOffset+int64(length)], buf[:length])
	return nil
}

func (s *fakeStore) HasPeer(h TorrentHandle, peerID [20]byte) bool {
	t := h.(*fakeTorrent)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[t.hash][peerID]
}

func (s *fakeStore) AddPeer(h TorrentHandle, peerID [20]byte) {
	t := h.(*fakeTorrent)
	s.mu.Lock()
	s.peers[t.hash][peerID] = true
	s.mu.Unlock()
}

func (s *fakeStore) RemovePeer(h TorrentHandle, peerID [20]byte) {
	t := h.(*fakeTorrent)
	s.mu.Lock()
	delete(s.peers[t.hash], peerID)
	s.mu.Unlock()
}

// recordingPolicy is a PolicyCallbacks that records which events fired, for
// assertions, without driving any actual request scheduling.
type recordingPolicy struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPolicy) record(name string) {
	p.mu.Lock()
	p.events = append(p.events, name)
	p.mu.Unlock()
}

func (p *recordingPolicy) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(p.events))
	copy(cp, p.events)
	return cp
}

func (p *recordingPolicy) OnNewPeer(*Peer)       { p.record("OnNewPeer") }
func (p *recordingPolicy) OnLostPeer(*Peer)      { p.record("OnLostPeer") }
func (p *recordingPolicy) OnPieceAnn(*Peer, int) { p.record("OnPieceAnn") }
func (p *recordingPolicy) OnBlock(*Peer)         { p.record("OnBlock") }
func (p *recordingPolicy) OnUpload(*Peer)        { p.record("OnUpload") }
func (p *recordingPolicy) OnUnupload(*Peer)      { p.record("OnUnupload") }
func (p *recordingPolicy) OnDownload(*Peer)      { p.record("OnDownload") }
func (p *recordingPolicy) OnUndownload(*Peer)    { p.record("OnUndownload") }

// newTestPeer builds a Peer bound to torrent t with a generic reader
// already installed, as if a handshake had just completed, without any
// real net.Conn — fine for protocol_test.go cases that never call pull.
func newTestPeer(t TorrentHandle, npieces int) *Peer {
	p := &Peer{
		send:       &sendQueue{},
		writeWake:  make(chan struct{}, 1),
		reader:     &genericReader{},
		torrent:    t,
		pieceField: make([]byte, bitfieldByteLen(npieces)),
	}
	return p
}
