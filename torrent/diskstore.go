package torrent

import (
	"crypto/sha1"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// DiskStore is the reference TorrentStore implementation: it resolves an
// info-hash to an open torrent, serves/accepts piece bytes against
// on-disk files laid out the way Torrent.BuildFileInfo (torrent/utils.go)
// describes, and tracks the admitted-peer set the handshake reader
// consults for duplicate-peer-id rejection. It is deliberately simple: one
// mutex guarding the torrent registry, and per torrent one mutex guarding
// its piece_field and another guarding its peer set.
type DiskStore struct {
	mu       sync.RWMutex
	torrents map[InfoHash]*diskTorrent
}

// NewDiskStore returns an empty DiskStore ready to have torrents Added.
func NewDiskStore() *DiskStore {
	return &DiskStore{torrents: make(map[InfoHash]*diskTorrent)}
}

// diskTorrent is the DiskStore's TorrentHandle: the parsed metainfo plus
// the opened on-disk files backing it and the mutable state the core
// engine reads and writes through the TorrentStore interface.
type diskTorrent struct {
	meta        *TorrentFile
	pieceLength int64
	totalLength int64
	npieces     int

	fieldMu    sync.Mutex
	pieceField []byte
	pieceHave  []bool // mirrors pieceField as one bool per piece, read by HasPiece
	written    []int64 // bytes written so far per piece, for completion detection

	uploaded   int64
	downloaded int64

	files []FileInfo

	peersMu sync.Mutex
	peers   map[[20]byte]bool
}

func (t *diskTorrent) InfoHash() InfoHash      { return InfoHash(t.meta.Info.InfoHash) }
func (t *diskTorrent) NPieces() int            { return t.npieces }
func (t *diskTorrent) PieceLength() int64      { return t.pieceLength }
func (t *diskTorrent) TotalLength() int64      { return t.totalLength }
func (t *diskTorrent) AddUploaded(n int64)     { atomic.AddInt64(&t.uploaded, n) }
func (t *diskTorrent) AddDownloaded(n int64)   { atomic.AddInt64(&t.downloaded, n) }
func (t *diskTorrent) Uploaded() int64         { return atomic.LoadInt64(&t.uploaded) }
func (t *diskTorrent) Downloaded() int64       { return atomic.LoadInt64(&t.downloaded) }

func (t *diskTorrent) HasPiece(index int) bool {
	t.fieldMu.Lock()
	defer t.fieldMu.Unlock()
	if index < 0 || index >= t.npieces {
		return false
	}
	return t.pieceHave[index]
}

func (t *diskTorrent) PieceField() []byte {
	t.fieldMu.Lock()
	defer t.fieldMu.Unlock()
	cp := make([]byte, len(t.pieceField))
	copy(cp, t.pieceField)
	return cp
}

func (t *diskTorrent) pieceLengthAt(index int) int64 {
	if index == t.npieces-1 {
		last := t.totalLength - int64(index)*t.pieceLength
		if last > 0 {
			return last
		}
	}
	return t.pieceLength
}

// markComplete verifies piece index against its SHA-1 hash once enough
// bytes have landed for it, setting the corresponding piece_field bit on
// success. A hash mismatch resets the piece's written counter, so the
// piece is verified again once its bytes have all been written again; the
// store itself never requests the piece again. Hashing is the store's job,
// not the protocol core's, so it lives entirely here.
func (t *diskTorrent) markComplete(index int) {
	want := t.pieceLengthAt(index)
	data := make([]byte, want)
	if err := t.readAt(data, int64(index)*t.pieceLength); err != nil {
		log.Printf("[ERROR] piece %d reread failed: %v", index, err)
		return
	}
	sum := sha1.Sum(data)
	var want20 [20]byte
	copy(want20[:], t.meta.Info.Pieces[index*20:index*20+20])
	if sum != want20 {
		log.Printf("[FAIL] piece %d failed hash verification, discarding", index)
		t.fieldMu.Lock()
		t.written[index] = 0
		t.fieldMu.Unlock()
		return
	}
	t.fieldMu.Lock()
	if !t.pieceHave[index] {
		t.pieceHave[index] = true
		setBit(t.pieceField, index)
	}
	t.fieldMu.Unlock()
}

func (t *diskTorrent) readAt(buf []byte, absOffset int64) error {
	return t.forEachOverlap(absOffset, int64(len(buf)), func(f *FileInfo, fileOff, lo, hi int64) error {
		_, err := f.handle.ReadAt(buf[lo-absOffset:hi-absOffset], fileOff)
		return err
	})
}

func (t *diskTorrent) writeAt(buf []byte, absOffset int64) error {
	return t.forEachOverlap(absOffset, int64(len(buf)), func(f *FileInfo, fileOff, lo, hi int64) error {
		_, err := f.handle.WriteAt(buf[lo-absOffset:hi-absOffset], fileOff)
		return err
	})
}

// forEachOverlap splits the [absOffset, absOffset+n) range across whatever
// on-disk files it spans, mirroring the chunk-splitting loop in
// torrent/p2p.go's StartDownload piece writer. fn receives the file, the
// offset within that file to read/write at, and the [lo, hi) sub-range of
// the original absolute range this file covers.
func (t *diskTorrent) forEachOverlap(absOffset, n int64, fn func(f *FileInfo, fileOff, lo, hi int64) error) error {
	start := absOffset
	end := absOffset + n
	for i := range t.files {
		f := &t.files[i]
		fStart, fEnd := f.Offset, f.Offset+f.Length
		lo, hi := max64(start, fStart), min64(end, fEnd)
		if lo >= hi {
			continue
		}
		if err := fn(f, lo-fStart, lo, hi); err != nil {
			return fmt.Errorf("torrent: %s: %w", f.Path, err)
		}
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// AddTorrent opens (creating/truncating as needed) the on-disk files for
// meta under outputDir and registers it with the store, returning the
// TorrentHandle the core engine will bind peers to once their handshake
// resolves meta's info-hash. Any piece whose on-disk bytes already hash
// correctly is marked present, so a re-launched process resumes seeding
// instead of re-downloading.
func (s *DiskStore) AddTorrent(meta *TorrentFile, outputDir string) (TorrentHandle, error) {
	if len(meta.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("torrent: invalid pieces length %d", len(meta.Info.Pieces))
	}
	if err := meta.BuildFileInfo(outputDir); err != nil {
		return nil, err
	}

	total, err := meta.GetTotalSize()
	if err != nil {
		return nil, err
	}

	files := make([]FileInfo, len(meta.Files))
	copy(files, meta.Files)
	for i := range files {
		dir := filepath.Dir(files[i].Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("torrent: mkdir %s: %w", dir, err)
		}
		f, err := os.OpenFile(files[i].Path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("torrent: open %s: %w", files[i].Path, err)
		}
		if err := f.Truncate(files[i].Length); err != nil {
			f.Close()
			return nil, fmt.Errorf("torrent: truncate %s: %w", files[i].Path, err)
		}
		files[i].handle = f
	}

	npieces := len(meta.Info.Pieces) / 20
	t := &diskTorrent{
		meta:        meta,
		pieceLength: meta.Info.PieceLength,
		totalLength: int64(total),
		npieces:     npieces,
		pieceField:  make([]byte, bitfieldByteLen(npieces)),
		pieceHave:   make([]bool, npieces),
		written:     make([]int64, npieces),
		files:       files,
		peers:       make(map[[20]byte]bool),
	}

	for i := 0; i < npieces; i++ {
		t.markComplete(i)
	}

	s.mu.Lock()
	s.torrents[InfoHash(meta.Info.InfoHash)] = t
	s.mu.Unlock()
	log.Printf("[INFO] registered torrent %q (%d pieces, %d bytes)", meta.Info.Name, npieces, total)
	return t, nil
}

func (s *DiskStore) GetByHash(hash InfoHash) (TorrentHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.torrents[hash]
	return t, ok
}

func (s *DiskStore) GetBytes(h TorrentHandle, absOffset int64, length int) (StoreBuffer, error) {
	t := h.(*diskTorrent)
	buf := make([]byte, length)
	if err := t.readAt(buf, absOffset); err != nil {
		return nil, err
	}
	return plainStoreBuffer(buf), nil
}

func (s *DiskStore) PutBytes(h TorrentHandle, buf []byte, absOffset int64, length int) error {
	t := h.(*diskTorrent)
	if err := t.writeAt(buf[:length], absOffset); err != nil {
		return err
	}

	index := int(absOffset / t.pieceLength)
	t.fieldMu.Lock()
	t.written[index] += int64(length)
	done := t.written[index] >= t.pieceLengthAt(index) && !t.pieceHave[index]
	t.fieldMu.Unlock()
	if done {
		t.markComplete(index)
	}
	return nil
}

func (s *DiskStore) HasPeer(h TorrentHandle, peerID [20]byte) bool {
	t := h.(*diskTorrent)
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	return t.peers[peerID]
}

func (s *DiskStore) AddPeer(h TorrentHandle, peerID [20]byte) {
	t := h.(*diskTorrent)
	t.peersMu.Lock()
	t.peers[peerID] = true
	t.peersMu.Unlock()
}

func (s *DiskStore) RemovePeer(h TorrentHandle, peerID [20]byte) {
	t := h.(*diskTorrent)
	t.peersMu.Lock()
	delete(t.peers, peerID)
	t.peersMu.Unlock()
}
