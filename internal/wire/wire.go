// Package wire defines the MVD/GTV byte-level protocol shared by live
// network connections and on-disk recordings: the magic preamble, the
// opcode tables, and the length-prefixed record format.
package wire

import "encoding/binary"

// Magic is the 32-bit preamble that opens every GTV connection and every
// MVD recording, big-endian on the wire.
const Magic uint32 = 0x4D564432 // "MVD2"

// MaxMsgLen bounds a single framed payload. A length-prefixed record
// larger than this is a fatal protocol violation.
const MaxMsgLen = 4096

// HeaderLen is the size of the outbound command header: u16 length
// (payload + opcode) followed by u8 opcode.
const HeaderLen = 3

// Server-to-client opcodes.
const (
	SVCHello uint8 = iota
	SVCPong
	SVCStreamStart
	SVCStreamStop
	SVCStreamData
	SVCError
	SVCBadRequest
	SVCNoAccess
	SVCDisconnect
	SVCReconnect
	svcCount
)

// Client-to-server opcodes.
const (
	CLCHello uint8 = iota
	CLCPing
	CLCStreamStart
	CLCStreamStop
	CLCStringCmd
	clcCount
)

// ServerOpcodeValid reports whether op is a known server->client opcode.
// An unknown server opcode is fatal per the protocol state machine.
func ServerOpcodeValid(op uint8) bool { return op < svcCount }

// Flag bits negotiated between client and server in the hello exchange.
const (
	FlagStringCmds uint32 = 1 << iota
	FlagDeflate
)

// PutHeader encodes the 3-byte outbound command header into dst, which
// must be at least HeaderLen bytes. length is the payload length
// excluding the opcode byte.
func PutHeader(dst []byte, length int, opcode uint8) {
	binary.LittleEndian.PutUint16(dst, uint16(length+1))
	dst[2] = opcode
}

// PutLength encodes a little-endian u16 record length prefix, as used by
// both the network STREAM_DATA body and the on-disk recording format.
func PutLength(dst []byte, length int) {
	binary.LittleEndian.PutUint16(dst, uint16(length))
}
