package torrent

// SetTorrentFile opens and parses the .torrent file at path, returning its
// decoded metainfo with info-hash already computed.
func SetTorrentFile(path string) (*TorrentFile, error) {
	var meta TorrentFile
	if err := Parse(&meta, path); err != nil {
		return nil, err
	}
	return &meta, nil
}

// FindConnections announces meta to its trackers and returns the merged,
// deduplicated compact peer list ready for dialing.
func FindConnections(meta *TorrentFile) ([]TrackerPeer, error) {
	resp, err := meta.SendTrackerResponse()
	if err != nil {
		return nil, err
	}
	return meta.ParsePeers(resp.Peers)
}
