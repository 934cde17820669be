package torrent

import (
	"encoding/binary"
	"fmt"
	"log"
	mrand "math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"
)

// TrackerResponse is the decoded announce response from either an HTTP or
// a UDP tracker, normalized to the same shape regardless of transport.
type TrackerResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// SendHTTPTrackerRequest announces to an HTTP tracker and decodes its
// bencoded compact-peer response.
func (Torrent *TorrentFile) SendHTTPTrackerRequest(announceURL string) (*TrackerResponse, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing tracker URL %q: %w", announceURL, err)
	}

	infoHash, err := Torrent.GetInfoHash()
	if err != nil {
		return nil, err
	}
	peerID, err := Torrent.GeneratePeerID()
	if err != nil {
		return nil, err
	}
	left, err := Torrent.GetTotalSize()
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Add("info_hash", url.QueryEscape(string(infoHash[:])))
	params.Add("peer_id", peerID)
	params.Add("port", "6881")
	params.Add("uploaded", "0")
	params.Add("downloaded", "0")
	params.Add("left", fmt.Sprintf("%d", left))
	params.Add("compact", "1")
	params.Add("event", "started")
	u.RawQuery = params.Encode()

	client := &http.Client{Timeout: 15 * time.Second}
	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building tracker request: %w", err)
	}
	req.Header.Set("User-Agent", "btpd-core/1.0")

	log.Printf("[INFO] announcing to %s", u.String())
	response, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("announcing to %s: %w", announceURL, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker %s returned status %d", announceURL, response.StatusCode)
	}

	var trackerResp TrackerResponse
	if err := bencode.Unmarshal(response.Body, &trackerResp); err != nil {
		return nil, fmt.Errorf("decoding tracker response from %s: %w", announceURL, err)
	}
	if trackerResp.Failure != "" {
		return nil, fmt.Errorf("tracker %s reported failure: %s", announceURL, trackerResp.Failure)
	}
	return &trackerResp, nil
}

// CreateAnnounceRequest packs a UDP tracker announce request per BEP 15's
// fixed 98-byte layout.
func (Torrent *TorrentFile) CreateAnnounceRequest(
	connectionID uint64,
	action uint32,
	transactionID uint32,
	infoHash []byte,
	peerID string,
	downloaded uint64,
	left uint64,
	uploaded uint64,
	event uint32,
	ip uint32,
	key uint32,
	numWant int32,
	port uint16,
) []byte {
	announceReq := make([]byte, 98)

	binary.BigEndian.PutUint64(announceReq[0:8], connectionID)
	binary.BigEndian.PutUint32(announceReq[8:12], action)
	binary.BigEndian.PutUint32(announceReq[12:16], transactionID)
	copy(announceReq[16:36], infoHash)
	copy(announceReq[36:56], []byte(peerID))
	binary.BigEndian.PutUint64(announceReq[56:64], downloaded)
	binary.BigEndian.PutUint64(announceReq[64:72], left)
	binary.BigEndian.PutUint64(announceReq[72:80], uploaded)
	binary.BigEndian.PutUint32(announceReq[80:84], event)
	binary.BigEndian.PutUint32(announceReq[88:92], key)
	binary.BigEndian.PutUint32(announceReq[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(announceReq[96:98], port)

	return announceReq
}

// SendUDPTrackerRequest performs the BEP 15 connect/announce exchange
// against a UDP tracker, retrying the connect phase up to 3 times with
// backing-off deadlines before giving up.
func (Torrent *TorrentFile) SendUDPTrackerRequest(announceURL string) (*TrackerResponse, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing tracker URL %q: %w", announceURL, err)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", u.Host, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	transactionID, err := Torrent.GenerateTransactionID()
	if err != nil {
		return nil, err
	}

	const (
		protocolID  = 0x41727101980
		connAction  = 0x00
		connectLen  = 16
	)
	connectReq := make([]byte, connectLen)
	binary.BigEndian.PutUint64(connectReq[0:8], protocolID)
	binary.BigEndian.PutUint32(connectReq[8:12], connAction)
	binary.BigEndian.PutUint32(connectReq[12:16], transactionID)

	log.Printf("[INFO] connecting to %s, transaction %d", addr, transactionID)

	for attempt := 0; attempt < 3; attempt++ {
		conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
		if _, err = conn.Write(connectReq); err != nil {
			log.Printf("[FAIL] attempt %d: sending connect: %v", attempt+1, err)
			continue
		}

		resp := make([]byte, connectLen)
		n, err := conn.Read(resp)
		if err != nil {
			log.Printf("[FAIL] attempt %d: reading connect response: %v", attempt+1, err)
			continue
		}
		if n < connectLen {
			log.Printf("[ERROR] attempt %d: short connect response (%d bytes)", attempt+1, n)
			continue
		}

		action := binary.BigEndian.Uint32(resp[0:4])
		if action != 0 {
			return nil, fmt.Errorf("unexpected connect action %d", action)
		}
		if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
			return nil, fmt.Errorf("connect response transaction id mismatch")
		}
		connectionID := binary.BigEndian.Uint64(resp[8:16])

		infoHash, err := Torrent.GetInfoHash()
		if err != nil {
			return nil, err
		}
		peerID, err := Torrent.GeneratePeerID()
		if err != nil {
			return nil, err
		}
		left, err := Torrent.GetTotalSize()
		if err != nil {
			return nil, err
		}

		const (
			announceAction = 1
			startedEvent   = 2
			defaultIP      = 0
			defaultNumWant = -1
			clientPort     = 6881
		)
		announceReq := Torrent.CreateAnnounceRequest(
			connectionID,
			announceAction,
			transactionID,
			infoHash[:],
			peerID,
			0,
			left,
			0,
			startedEvent,
			defaultIP,
			mrand.Uint32(),
			defaultNumWant,
			clientPort,
		)

		log.Printf("[INFO] announcing to %s: info-hash %x, peer-id %s, left %d", addr, infoHash, peerID, left)
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err = conn.Write(announceReq); err != nil {
			return nil, fmt.Errorf("sending announce to %s: %w", addr, err)
		}

		resp = make([]byte, 1024)
		n, err = conn.Read(resp)
		if err != nil {
			return nil, fmt.Errorf("reading announce response from %s: %w", addr, err)
		}
		if n < 20 {
			return nil, fmt.Errorf("short announce response (%d bytes)", n)
		}

		action = binary.BigEndian.Uint32(resp[0:4])
		if action == 3 {
			return nil, fmt.Errorf("tracker %s reported error: %s", addr, resp[8:n])
		}
		if action != announceAction {
			return nil, fmt.Errorf("unexpected announce action %d", action)
		}
		if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
			return nil, fmt.Errorf("announce response transaction id mismatch")
		}

		interval := int(binary.BigEndian.Uint32(resp[8:12]))
		leechers := binary.BigEndian.Uint32(resp[12:16])
		seeders := binary.BigEndian.Uint32(resp[16:20])
		peers := resp[20:n]
		if len(peers)%6 != 0 {
			return nil, fmt.Errorf("compact peer list length %d is not a multiple of 6", len(peers))
		}

		log.Printf("[INFO] %s: %d peers, %d leechers, %d seeders", addr, len(peers)/6, leechers, seeders)

		trackerResp := &TrackerResponse{Peers: string(peers), Interval: interval}
		if trackerResp.Failure != "" {
			return nil, fmt.Errorf("tracker %s reported failure: %s", addr, trackerResp.Failure)
		}
		return trackerResp, nil
	}

	return nil, fmt.Errorf("no connect response from %s after 3 attempts", addr)
}

// SendTrackerResponse announces to every tracker named in the torrent's
// metainfo, plus a small set of well-known public UDP trackers as a
// fallback, and merges the resulting peer lists. Per-tracker failures are
// logged and skipped rather than aborting the whole announce round; only
// a complete absence of reachable trackers or peers is an error.
func (Torrent *TorrentFile) SendTrackerResponse() (*TrackerResponse, error) {
	publicTrackers := []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://open.tracker.cl:1337/announce",
		"udp://open.stealth.si:80/announce",
		"udp://tracker.tiny-vps.com:6969/announce",
	}

	trackersMap := make(map[string]struct{})
	if Torrent.Announce != "" {
		trackersMap[Torrent.Announce] = struct{}{}
	}
	for _, tier := range Torrent.AnnounceList {
		for _, announce := range tier {
			if announce != "" {
				trackersMap[announce] = struct{}{}
			}
		}
	}
	for _, tracker := range publicTrackers {
		trackersMap[tracker] = struct{}{}
	}

	trackers := make([]string, 0, len(trackersMap))
	for tracker := range trackersMap {
		trackers = append(trackers, tracker)
	}
	if len(trackers) == 0 {
		return nil, fmt.Errorf("no trackers found in metainfo or fallback list")
	}

	var udpTrackers, httpTrackers []string
	for _, tracker := range trackers {
		switch {
		case isUDP(tracker):
			udpTrackers = append(udpTrackers, tracker)
		case isHTTP(tracker):
			httpTrackers = append(httpTrackers, tracker)
		}
	}
	log.Printf("[INFO] announcing to %d trackers (%d udp, %d http)", len(trackers), len(udpTrackers), len(httpTrackers))

	allPeers := make(map[string]struct{})
	var finalInterval int

	collect := func(announce string, resp *TrackerResponse, err error) {
		if err != nil {
			log.Printf("[FAIL] tracker %s: %v", announce, err)
			return
		}
		peers, perr := Torrent.ParsePeers(resp.Peers)
		if perr != nil {
			log.Printf("[FAIL] tracker %s: parsing peers: %v", announce, perr)
			return
		}
		for _, peer := range peers {
			allPeers[fmt.Sprintf("%s:%d", peer.IP, peer.Port)] = struct{}{}
		}
		if finalInterval == 0 || resp.Interval < finalInterval {
			finalInterval = resp.Interval
		}
		log.Printf("[INFO] tracker %s: %d peers, interval %d", announce, len(peers), resp.Interval)
	}

	for _, announce := range udpTrackers {
		resp, err := Torrent.SendUDPTrackerRequest(announce)
		collect(announce, resp, err)
	}
	for _, announce := range httpTrackers {
		resp, err := Torrent.SendHTTPTrackerRequest(announce)
		collect(announce, resp, err)
	}

	if len(allPeers) == 0 {
		return nil, fmt.Errorf("no peers received from any tracker")
	}

	peerBytes := make([]byte, 0, len(allPeers)*6)
	for addr := range allPeers {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		ipParts := strings.Split(host, ".")
		if len(ipParts) != 4 {
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			continue
		}
		for _, octet := range ipParts {
			peerBytes = append(peerBytes, byte(atoi(octet)))
		}
		peerBytes = append(peerBytes, byte(port>>8), byte(port&0xFF))
	}

	return &TrackerResponse{Peers: string(peerBytes), Interval: finalInterval}, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
