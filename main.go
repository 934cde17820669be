package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btpd-core/engine/torrent"

	"github.com/schollz/progressbar/v3"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <path-to-torrent-file> <output-dir>\n", os.Args[0])
		os.Exit(1)
	}
	path, outputDir := os.Args[1], os.Args[2]

	meta, err := torrent.SetTorrentFile(path)
	if err != nil {
		log.Fatalf("[ERROR] parsing %s: %v", path, err)
	}

	store := torrent.NewDiskStore()
	handle, err := store.AddTorrent(meta, outputDir)
	if err != nil {
		log.Fatalf("[ERROR] opening torrent files: %v", err)
	}

	peerIDStr, err := meta.GeneratePeerID()
	if err != nil {
		log.Fatalf("[ERROR] generating peer-id: %v", err)
	}
	var peerID [20]byte
	copy(peerID[:], peerIDStr)

	engine := torrent.NewEngine(torrent.EngineConfig{
		PeerID:  peerID,
		MaxPeers: 50,
		LogMask: torrent.LogConn,
	}, store, nil) // policy attached below, once engine exists

	policy := torrent.NewSimplePolicy(engine)
	bar := progressbar.DefaultBytes(handle.TotalLength(), meta.Info.Name)
	progressPolicy := &progressReportingPolicy{SimplePolicy: policy, handle: handle, bar: bar}
	engine.SetPolicy(progressPolicy)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go engine.Run(ctx)

	if ip, err := torrent.GetExternalIP(); err != nil {
		log.Printf("[FAIL] querying external IP: %v", err)
	} else {
		log.Printf("[INFO] external IP: %s", ip)
	}

	cm := torrent.NewConnManager(engine, store, 20, 10)
	go func() {
		if err := cm.Listen(ctx, ":6881"); err != nil && ctx.Err() == nil {
			log.Printf("[ERROR] listen: %v", err)
		}
	}()

	allPeers, err := torrent.FindConnections(meta)
	if err != nil {
		log.Fatalf("[ERROR] contacting tracker: %v", err)
	}
	for _, peer := range allPeers {
		addr := fmt.Sprintf("%s:%d", peer.IP, peer.Port)
		go func(addr string) {
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := cm.Connect(dialCtx, addr, handle); err != nil {
				log.Printf("[FAIL] dial %s: %v", addr, err)
			}
		}(addr)
	}

	<-ctx.Done()
	bar.Close()
}

// progressReportingPolicy layers progress-bar updates onto SimplePolicy's
// request scheduling using schollz/progressbar/v3.
type progressReportingPolicy struct {
	*torrent.SimplePolicy
	handle torrent.TorrentHandle
	bar    *progressbar.ProgressBar
}

func (p *progressReportingPolicy) OnBlock(peer *torrent.Peer) {
	p.SimplePolicy.OnBlock(peer)
	p.bar.Set64(p.handle.Downloaded())
}
