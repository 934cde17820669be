package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// extractInfoBytes locates the bencoded "info" dictionary inside a raw
// .torrent file and returns its exact byte range, so its SHA-1 can be
// computed over precisely the bytes a tracker/peer would agree on — a
// bencode-go Unmarshal into a Go struct would re-serialize floating
// field order and lose that byte-for-byte fidelity.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no info dict found")
	}
	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at offset %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at offset %d: %w", i, err)
					}
					i = j + length // j is the colon; i lands on the string's last byte, i++ moves past it
				}
			}
		}
	}
	return nil, fmt.Errorf("unterminated info dict")
}

func computeInfoHash(path string) ([20]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [20]byte{}, fmt.Errorf("reading %s: %w", path, err)
	}
	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return [20]byte{}, fmt.Errorf("extracting info dict: %w", err)
	}
	return sha1.Sum(infoBytes), nil
}

// Parse decodes a .torrent file's bencoded metainfo into Torrent and
// computes its info-hash from the raw bytes (see extractInfoBytes).
func Parse(Torrent *TorrentFile, file string) error {
	src, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening %s: %w", file, err)
	}
	defer src.Close()

	if err := bencode.Unmarshal(src, Torrent); err != nil {
		return fmt.Errorf("decoding %s: %w", file, err)
	}

	hash, err := computeInfoHash(file)
	if err != nil {
		return fmt.Errorf("computing info-hash for %s: %w", file, err)
	}
	Torrent.Info.InfoHash = hash

	log.Printf("[INFO] parsed %q: %q, info-hash %x", file, Torrent.Info.Name, hash)
	return nil
}
