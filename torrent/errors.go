package torrent

import "fmt"

// protocolError is returned by a reader's advance method when the peer has
// sent data that violates the wire protocol. The Engine destroys the peer
// in response; it never retries at the message level.
type protocolError struct {
	reason string
}

func (e *protocolError) Error() string { return fmt.Sprintf("bad data: %s", e.reason) }

func badData(reason string) error { return &protocolError{reason: reason} }

// handshakeError is returned when a handshake fails verification (wrong
// protocol string, info-hash mismatch, peer-id mismatch, duplicate peer-id).
type handshakeError struct {
	reason string
}

func (e *handshakeError) Error() string { return fmt.Sprintf("bad handshake: %s", e.reason) }

func badHandshake(reason string) error { return &handshakeError{reason: reason} }
