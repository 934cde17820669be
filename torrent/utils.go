package torrent

import (
	crand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
)

// TrackerPeer is one entry of a tracker's compact peer list: an address to
// dial, not yet a wire-protocol Peer (that only exists once AdmitPeer has
// started a handshake over a live connection).
type TrackerPeer struct {
	IP   string
	Port uint16
}

// ParsePeers unpacks a tracker's compact peer list (6 bytes per peer: 4
// for IP, 2 for big-endian port) into TrackerPeer values.
func (Torrent *TorrentFile) ParsePeers(peers string) ([]TrackerPeer, error) {
	peerBytes := []byte(peers)
	if len(peerBytes)%6 != 0 {
		return nil, fmt.Errorf("compact peer list length %d is not a multiple of 6", len(peerBytes))
	}

	result := make([]TrackerPeer, 0, len(peerBytes)/6)
	for i := 0; i < len(peerBytes); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", peerBytes[i], peerBytes[i+1], peerBytes[i+2], peerBytes[i+3])
		port := binary.BigEndian.Uint16(peerBytes[i+4 : i+6])
		result = append(result, TrackerPeer{IP: ip, Port: port})
	}
	return result, nil
}

func (Torrent *TorrentFile) GetInfoHash() ([20]byte, error) {
	return Torrent.Info.InfoHash, nil
}

// GeneratePeerID builds a 20-byte Azureus-style peer-id: an 8-byte client
// prefix followed by 12 random identifier characters.
func (Torrent *TorrentFile) GeneratePeerID() (string, error) {
	const (
		prefix       = "-GT0001-"
		peerIDLength = 20
		randomLength = peerIDLength - len(prefix)
	)

	randomBytes := make([]byte, randomLength)
	if _, err := crand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generating peer-id entropy: %w", err)
	}

	const chars = "0123456789abcdefghijklmnopqrstuvxyz"
	for i, b := range randomBytes {
		randomBytes[i] = chars[int(b)%len(chars)]
	}
	return prefix + string(randomBytes), nil
}

func (Torrent *TorrentFile) GetTotalSize() (uint64, error) {
	if len(Torrent.Info.Files) == 0 {
		return uint64(Torrent.Info.Length), nil
	}
	var total uint64
	for _, file := range Torrent.Info.Files {
		total += uint64(file.Length)
	}
	return total, nil
}

func isHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func isUDP(url string) bool {
	return strings.HasPrefix(url, "udp://")
}

func (Torrent *TorrentFile) GenerateTransactionID() (uint32, error) {
	var buf [4]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generating transaction id: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// BuildFileInfo lays out Torrent.Files under outputDir: a single entry for
// a single-file torrent, or one entry per file (with its absolute byte
// offset into the concatenated content) for a multi-file torrent. This is
// the layout DiskStore.AddTorrent opens file handles against and
// forEachOverlap splits piece ranges over.
func (Torrent *TorrentFile) BuildFileInfo(outputDir string) error {
	Torrent.Files = nil

	if len(Torrent.Info.Files) == 0 {
		Torrent.Files = append(Torrent.Files, FileInfo{
			Path:   filepath.Join(outputDir, Torrent.Info.Name),
			Length: Torrent.Info.Length,
			Offset: 0,
		})
		return nil
	}

	baseDir := filepath.Join(outputDir, Torrent.Info.Name)
	var offset int64
	for _, fileEntry := range Torrent.Info.Files {
		parts := append([]string{baseDir}, fileEntry.Path...)
		Torrent.Files = append(Torrent.Files, FileInfo{
			Path:   filepath.Join(parts...),
			Length: fileEntry.Length,
			Offset: offset,
		})
		offset += fileEntry.Length
	}
	return nil
}

// GetExternalIP asks an external echo service what address our outbound
// connections appear to originate from, for logging before Listen binds.
// It is best-effort: callers should log and continue on error rather than
// treat it as fatal to startup.
func GetExternalIP() (string, error) {
	resp, err := http.Get("http://httpbin.org/ip")
	if err != nil {
		return "", fmt.Errorf("querying external IP: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading external IP response: %w", err)
	}

	var result struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parsing external IP response: %w", err)
	}
	return result.Origin, nil
}
