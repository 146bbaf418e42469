// Package sftp implements the SFTP subsystem described in
// draft-ietf-secsh-filexfer, versions 3 through 6: request/response
// framing over a session channel, version negotiation, file attribute
// encoding, and both client and server sides.
package sftp

import (
	"os"

	"github.com/sngardner/mina-sshd/wire"
)

// MinProtocolVersion and MaxProtocolVersion bound the SFTP protocol
// versions this implementation negotiates. v3 is the version actually
// deployed by essentially every SSH client and server in the wild;
// v4-v6 reworked attribute and open-flag encoding and added unified
// link support, and are negotiated down to when the peer only offers
// v3-v5. NewClient advertises MaxProtocolVersion and adopts whatever
// version the server replies with; Subsystem.Handle negotiates down to
// the lower of the client's requested version and MaxProtocolVersion.
const (
	MinProtocolVersion = 3
	MaxProtocolVersion = 6
)

// Packet types, draft-ietf-secsh-filexfer-02 §3, plus the v6 unified
// SSH_FXP_LINK (draft-ietf-secsh-filexfer-13 §9.30) that replaces
// SSH_FXP_SYMLINK for protocol versions 6 and later.
const (
	TypeInit     = 1
	TypeVersion  = 2
	TypeOpen     = 3
	TypeClose    = 4
	TypeRead     = 5
	TypeWrite    = 6
	TypeLstat    = 7
	TypeFstat    = 8
	TypeSetstat  = 9
	TypeFsetstat = 10
	TypeOpendir  = 11
	TypeReaddir  = 12
	TypeRemove   = 13
	TypeMkdir    = 14
	TypeRmdir    = 15
	TypeRealpath = 16
	TypeStat     = 17
	TypeRename   = 18
	TypeReadlink = 19
	TypeSymlink  = 20
	TypeLink     = 21

	TypeStatus = 101
	TypeHandle = 102
	TypeData   = 103
	TypeName   = 104
	TypeAttrs  = 105
)

// Status codes, draft-ietf-secsh-filexfer-02 §7.
const (
	StatusOK               = 0
	StatusEOF              = 1
	StatusNoSuchFile       = 2
	StatusPermissionDenied = 3
	StatusFailure          = 4
	StatusBadMessage       = 5
	StatusNoConnection     = 6
	StatusConnectionLost   = 7
	StatusOpUnsupported    = 8
)

// Open pflags, draft-ietf-secsh-filexfer-02 §6.3. This is the wire
// encoding Client.Open/Subsystem callers always use regardless of
// negotiated version; on a v5+ connection it is translated to the
// access/disposition encoding by pflagsToAccessDisposition.
const (
	FlagRead   = 0x00000001
	FlagWrite  = 0x00000002
	FlagAppend = 0x00000004
	FlagCreat  = 0x00000008
	FlagTrunc  = 0x00000010
	FlagExcl   = 0x00000020
)

// ACE4 access flags used by SSH_FXP_OPEN's desired-access field on
// protocol versions 5 and later, draft-ietf-secsh-filexfer-13 §6.3.
// Only the subset relevant to translating the classic v3 pflags is
// defined; this implementation never exposes raw ACE4 access to callers.
const (
	Ace4ReadData   = 0x00000001
	Ace4WriteData  = 0x00000002
	Ace4AppendData = 0x00000004
)

// Open dispositions, v5+ SSH_FXP_OPEN, draft-ietf-secsh-filexfer-13 §6.3.
const (
	DispositionCreateNew        = 0
	DispositionCreateTruncate   = 1
	DispositionOpenExisting     = 2
	DispositionOpenOrCreate     = 3
	DispositionTruncateExisting = 4
)

// Attribute presence flags, v3, draft-ietf-secsh-filexfer-02 §5.
const (
	AttrSize        = 0x00000001
	AttrUIDGID      = 0x00000002
	AttrPermissions = 0x00000004
	AttrAcModTime   = 0x00000008
	AttrExtended    = 0x80000000
)

// Attribute presence flags, v4+, draft-ietf-secsh-filexfer-13 §7.4.
// Several bit values coincide with the v3 flags above (Size,
// Permissions) but ACMODTIME's single bit splits into three
// independent time flags, and UIDGID is replaced by string-valued
// OwnerGroup.
const (
	AttrV4Size           = 0x00000001
	AttrV4Permissions    = 0x00000004
	AttrV4AccessTime     = 0x00000008
	AttrV4CreateTime     = 0x00000010
	AttrV4ModifyTime     = 0x00000020
	AttrV4ACL            = 0x00000040
	AttrV4OwnerGroup     = 0x00000080
	AttrV4SubsecondTimes = 0x00000100
)

// File type byte, v4+ ATTRS, draft-ietf-secsh-filexfer-13 §7.4.
const (
	FileTypeRegular     = 1
	FileTypeDirectory   = 2
	FileTypeSymlink     = 3
	FileTypeSpecial     = 4
	FileTypeUnknown     = 5
	FileTypeSocket      = 6
	FileTypeCharDevice  = 7
	FileTypeBlockDevice = 8
	FileTypeFifo        = 9
)

// pflagsToAccessDisposition translates the classic v3 SSH_FXP_OPEN
// bitmask into the access/disposition pair v5+ peers expect.
func pflagsToAccessDisposition(pflags uint32) (access, disposition uint32) {
	if pflags&FlagRead != 0 {
		access |= Ace4ReadData
	}
	if pflags&FlagWrite != 0 {
		access |= Ace4WriteData
	}
	if pflags&FlagAppend != 0 {
		access |= Ace4AppendData
	}
	switch {
	case pflags&FlagCreat == 0:
		disposition = DispositionOpenExisting
	case pflags&FlagExcl != 0:
		disposition = DispositionCreateNew
	case pflags&FlagTrunc != 0:
		disposition = DispositionCreateTruncate
	default:
		disposition = DispositionOpenOrCreate
	}
	return access, disposition
}

// accessDispositionToOS translates a v5+ access/disposition pair back
// into the (access, disposition) pair's local os.OpenFile flag
// equivalent.
func accessDispositionToOS(access, disposition uint32) int {
	var flags int
	switch {
	case access&Ace4WriteData != 0 && access&Ace4ReadData != 0:
		flags = os.O_RDWR
	case access&Ace4WriteData != 0:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if access&Ace4AppendData != 0 {
		flags |= os.O_APPEND
	}
	switch disposition {
	case DispositionCreateNew:
		flags |= os.O_CREATE | os.O_EXCL
	case DispositionCreateTruncate:
		flags |= os.O_CREATE | os.O_TRUNC
	case DispositionOpenOrCreate:
		flags |= os.O_CREATE
	case DispositionTruncateExisting:
		flags |= os.O_TRUNC
	case DispositionOpenExisting:
		// no extra flags
	}
	return flags
}

// Header is the common length+type+request-id prefix every SFTP packet
// after SSH_FXP_INIT/VERSION carries.
type Header struct {
	Type      byte
	RequestID uint32
}

// EncodePacket frames body with a uint32 length prefix and the given
// type/request-id, ready to write to a channel.
func EncodePacket(pktType byte, requestID uint32, body []byte) []byte {
	buf := wire.NewBuffer()
	buf.PutUint32(0) // placeholder, patched below
	buf.PutByte(pktType)
	if pktType != TypeInit && pktType != TypeVersion {
		buf.PutUint32(requestID)
	}
	buf.PutBytes(body)
	out := buf.Bytes()
	length := uint32(len(out) - 4)
	out[0] = byte(length >> 24)
	out[1] = byte(length >> 16)
	out[2] = byte(length >> 8)
	out[3] = byte(length)
	return out
}
