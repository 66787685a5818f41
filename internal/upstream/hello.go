package upstream

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/5l1v3r1/gtvcore/internal/wire"
)

// ProtocolVersion is the hello payload's version field. Bumped only on
// wire-incompatible changes to the hello layout itself.
const ProtocolVersion uint16 = 4

// encodeHello builds the CLC_HELLO payload (§4.1, §4.3): u16 version,
// u32 requested flags, u32 reserved, then the username, password, and a
// client version string as NUL-terminated fields.
func encodeHello(flags uint32, username, password string) []byte {
	buf := make([]byte, 0, 10+len(username)+len(password)+8)
	var head [10]byte
	binary.LittleEndian.PutUint16(head[0:2], ProtocolVersion)
	binary.LittleEndian.PutUint32(head[2:6], flags)
	binary.LittleEndian.PutUint32(head[6:10], 0)
	buf = append(buf, head[:]...)
	buf = wire.CString(buf, username)
	buf = wire.CString(buf, password)
	buf = wire.CString(buf, "gtvcore")
	return buf
}

// decodeHello parses the SVC_HELLO response body: just u32 flags
// (§4.1) — the server's ack carries none of the client hello's
// version/reserved fields, only the flags it actually negotiated
// (which may be a subset of what the client requested).
func decodeHello(body []byte) (flags uint32, err error) {
	if len(body) < 4 {
		return 0, errors.Errorf("upstream: short hello body (%d bytes)", len(body))
	}
	flags = binary.LittleEndian.Uint32(body[0:4])
	return flags, nil
}
