package torrent

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// ConnManager owns the listening socket and outbound dialer. It is the
// thin layer above Engine.AdmitPeer that decides which connections are
// even allowed to start a handshake; per-connection protocol state is
// entirely the Engine's concern from AdmitPeer onward.
type ConnManager struct {
	engine *Engine
	store  TorrentStore

	// acceptLimiter paces how fast inbound connections are handed to the
	// Engine, independent of and in addition to the byte-level bandwidth
	// scheduler: a SYN-flood or a burst of well-formed but slow-to-
	// handshake peers should not be able to saturate AdmitPeer faster
	// than the loop goroutine can usefully admit them. golang.org/x/
	// time/rate's continuous refill is the right fit here, unlike the
	// per-second discrete buckets the bandwidth scheduler needs for byte
	// budgets (see DESIGN.md).
	acceptLimiter *rate.Limiter
}

// NewConnManager builds a ConnManager around an already-constructed Engine.
// acceptPerSec bounds the sustained accept rate; acceptBurst bounds how
// many connections may be admitted back-to-back before pacing kicks in.
func NewConnManager(engine *Engine, store TorrentStore, acceptPerSec float64, acceptBurst int) *ConnManager {
	return &ConnManager{
		engine:        engine,
		store:         store,
		acceptLimiter: rate.NewLimiter(rate.Limit(acceptPerSec), acceptBurst),
	}
}

// Listen accepts inbound connections on addr until ctx is canceled. Each
// accepted connection is paced by acceptLimiter, then handed to
// Engine.AdmitPeer with incoming=true and no known torrent; the torrent is
// resolved once the peer's handshake info-hash arrives.
func (cm *ConnManager) Listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// Transient accept errors (temporary fd exhaustion, a
			// one-off network hiccup) should not end the listener for
			// the life of the process; back off briefly and keep
			// accepting, mirroring net/http.Server.Serve's retry loop.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if max := time.Second; backoff > max {
				backoff = max
			}
			log.Printf("[ERROR] accept: %v; retrying in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		if err := cm.acceptLimiter.Wait(ctx); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		cm.engine.AdmitPeer(conn, true, nil)
	}
}

// Connect dials addr and admits the resulting connection as an outbound
// peer for t, sending our handshake immediately once admitted.
func (cm *ConnManager) Connect(ctx context.Context, addr string, t TorrentHandle) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	cm.engine.AdmitPeer(conn, false, t)
	return nil
}
