package pmux

import "github.com/quicmux/pmux/wire"

// ProtocolVersion is the handshake version this module speaks.
var ProtocolVersion = wire.ProtocolVersion

// handshakeContextID is the reserved context id the three-message
// handshake runs on; it is never reallocated by counter.Counter.
const handshakeContextID = wire.ContextID(0)

// versionCompatible reports whether a peer's HandshakeHello major version
// can interoperate with ours. Only the major component gates
// compatibility; minor/patch differences are assumed forward-compatible.
func versionCompatible(v wire.Version) bool {
	return v.Major == ProtocolVersion.Major
}
