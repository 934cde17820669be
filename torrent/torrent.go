package torrent

import "os"

// TorrentFile represents a root dictionary of .torrent file
type TorrentFile struct {
	Announce     string                 `bencode:"announce"`
	AnnounceList [][]string             `bencode:"announce-list"`
	Comment      string                 `bencode:"comment"`
	CreatedBy    string                 `bencode:"created by"`
	CreationDate int64                  `bencode:"creation date"`
	Encoding     string                 `bencode:"encoding"`
	Info         TorrentInfo            `bencode:"info"`
	Nodes        [][]interface{}        `bencode:"nodes"`
	URLList      []string               `bencode:"url-list"`
	HTTPSeeds    []string               `bencode:"httpseeds"`
	Publisher    string                 `bencode:"publisher"`
	PublisherURL string                 `bencode:"publisher-url"`
	Source       string                 `bencode:"source"`
	Signature    string                 `bencode:"signature"`
	Custom       map[string]interface{} `bencode:"-"`

	// Files is populated by BuildFileInfo once an output directory is
	// known; it is not part of the bencoded metainfo.
	Files []FileInfo `bencode:"-"`
}

// TorrentInfo represents an `info` dictionary in .torrent file
type TorrentInfo struct {
	PieceLength int64                  `bencode:"piece length"`
	Pieces      string                 `bencode:"pieces"`
	Name        string                 `bencode:"name"`
	Length      int64                  `bencode:"length"`
	Files       []TorrentFileEntry     `bencode:"files"`
	MD5Sum      string                 `bencode:"md5sum"`
	Private     int                    `bencode:"private"`
	Source      string                 `bencode:"source"`
	MetaVersion int                    `bencode:"meta version"`
	FileTree    map[string]interface{} `bencode:"file tree"`
	PieceLayers map[string]string      `bencode:"piece layers"`
	PiecesRoot  string                 `bencode:"pieces root"`
	Custom      map[string]interface{} `bencode:"-"`

	// InfoHash is the SHA-1 of this dictionary's raw bencoded bytes,
	// filled in by Parse/computeInfoHash; it is never itself bencoded.
	InfoHash [20]byte `bencode:"-"`
}

// TorrentFileEntry represents information about a file in a multi-file torrent
type TorrentFileEntry struct {
	Length     int64                  `bencode:"length"`
	Path       []string               `bencode:"path"`
	MD5Sum     string                 `bencode:"md5sum"`
	PiecesRoot string                 `bencode:"pieces root"`
	Custom     map[string]interface{} `bencode:"-"`
}

// FileInfo describes one on-disk file backing a torrent's content, with
// Offset giving its start within the torrent's flat byte space.
type FileInfo struct {
	Path   string
	Length int64
	Offset int64

	// handle is set by DiskStore.AddTorrent once the file is opened; it
	// is nil on the FileInfo BuildFileInfo itself produces.
	handle *os.File
}
