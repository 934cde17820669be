package torrent

import "encoding/binary"

// Message type codes for the BitTorrent peer wire protocol. The numeric
// values are part of the wire format and must not change.
type MessageType byte

const (
	MsgChoke MessageType = iota
	MsgUnchoke
	MsgInterested
	MsgUninterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

const (
	protocolName = "BitTorrent protocol"

	handshakeLen   = 68
	handshakePstr  = 1 + 19
	handshakeResvd = handshakePstr + 8
	handshakeInfo  = handshakeResvd + 20

	// maxBlockLength is the largest block a REQUEST may ask for (2^15).
	maxBlockLength = 1 << 15

	// grBufLen bounds how many bytes the generic message reader keeps
	// buffered across a single read tick, including any carried-over
	// partial frame header from the previous tick.
	grBufLen = 32 * 1024

	// maxInputLeft is the largest amount of partial-frame-header data the
	// generic reader ever has to carry between ticks; 17 bytes (a
	// REQUEST/CANCEL header) is the largest fixed header it inspects
	// intact before switching readers for variable payloads.
	maxInputLeft = 17

	// maxIOV bounds how many send-queue entries a single vectored write
	// gathers.
	maxIOV = 16
)

// Handshake is the fixed 68-byte BitTorrent handshake message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
}

// EncodeHandshake renders the 68-byte handshake for infoHash/peerID. The
// reserved bytes are always sent as zero, though the reader accepts any
// value (see SPEC_FULL.md).
func EncodeHandshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = 19
	copy(buf[1:20], protocolName)
	copy(buf[28:48], infoHash[:])
	copy(buf[48:68], peerID[:])
	return buf
}

// EncodeKeepAlive returns the 4-byte zero-length keep-alive frame.
func EncodeKeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

func encodeOneSized(t MessageType) []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:4], 1)
	buf[4] = byte(t)
	return buf
}

func EncodeChoke() []byte       { return encodeOneSized(MsgChoke) }
func EncodeUnchoke() []byte     { return encodeOneSized(MsgUnchoke) }
func EncodeInterested() []byte  { return encodeOneSized(MsgInterested) }
func EncodeUninterest() []byte  { return encodeOneSized(MsgUninterested) }

// EncodeHave renders a HAVE message for piece index.
func EncodeHave(index uint32) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint32(buf[0:4], 5)
	buf[4] = byte(MsgHave)
	binary.BigEndian.PutUint32(buf[5:9], index)
	return buf
}

// EncodeBitfieldHeader renders the length-prefix+type header preceding a
// bitfield payload of bitfieldLen bytes; the payload itself is sent as a
// separate queue entry.
func EncodeBitfieldHeader(bitfieldLen int) []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:4], uint32(bitfieldLen+1))
	buf[4] = byte(MsgBitfield)
	return buf
}

func encodeIndexBeginLength(t MessageType, index, begin, length uint32) []byte {
	buf := make([]byte, 17)
	binary.BigEndian.PutUint32(buf[0:4], 13)
	buf[4] = byte(t)
	binary.BigEndian.PutUint32(buf[5:9], index)
	binary.BigEndian.PutUint32(buf[9:13], begin)
	binary.BigEndian.PutUint32(buf[13:17], length)
	return buf
}

// EncodeRequest renders a REQUEST message.
func EncodeRequest(index, begin, length uint32) []byte {
	return encodeIndexBeginLength(MsgRequest, index, begin, length)
}

// EncodeCancel renders a CANCEL message.
func EncodeCancel(index, begin, length uint32) []byte {
	return encodeIndexBeginLength(MsgCancel, index, begin, length)
}

// EncodePieceHeader renders the 13-byte header preceding a PIECE payload of
// blockLen bytes.
func EncodePieceHeader(index, begin uint32, blockLen int) []byte {
	buf := make([]byte, 13)
	binary.BigEndian.PutUint32(buf[0:4], uint32(9+blockLen))
	buf[4] = byte(MsgPiece)
	binary.BigEndian.PutUint32(buf[5:9], index)
	binary.BigEndian.PutUint32(buf[9:13], begin)
	return buf
}

func readU32(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

// bitfieldByteLen returns ceil(npieces/8) using integer arithmetic; the
// source computed this with math.Ceil on a float, which is incidental.
func bitfieldByteLen(npieces int) int {
	return (npieces + 7) / 8
}

func hasBit(field []byte, index int) bool {
	byteIdx := index / 8
	if byteIdx >= len(field) {
		return false
	}
	return (field[byteIdx]>>(7-uint(index%8)))&1 == 1
}

func setBit(field []byte, index int) {
	byteIdx := index / 8
	if byteIdx >= len(field) {
		return
	}
	field[byteIdx] |= 1 << (7 - uint(index%8))
}

func popcount(field []byte, npieces int) int {
	n := 0
	for i := 0; i < npieces; i++ {
		if hasBit(field, i) {
			n++
		}
	}
	return n
}
