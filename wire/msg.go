package wire

// Message-type constants for the connection-layer subset of the SSH binary
// protocol, per RFC 4250 / RFC 4254. User-authentication constants (RFC
// 4252) live alongside because the two layers share a single message-type
// byte space on the wire.
const (
	MsgGlobalRequest  = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen             = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure      = 92
	MsgChannelWindowAdjust     = 93
	MsgChannelData             = 94
	MsgChannelExtendedData     = 95
	MsgChannelEOF              = 96
	MsgChannelClose            = 97
	MsgChannelRequest          = 98
	MsgChannelSuccess          = 99
	MsgChannelFailure          = 100

	MsgUserAuthRequest = 50
	MsgUserAuthFailure = 51
	MsgUserAuthSuccess = 52
	MsgUserAuthBanner  = 53
)

// Channel-open failure reason codes, RFC 4254 §5.1.
const (
	OpenAdministrativelyProhibited uint32 = 1
	OpenConnectFailed              uint32 = 2
	OpenUnknownChannelType         uint32 = 3
	OpenResourceShortage           uint32 = 4
)

// SSH_MSG_DISCONNECT reason codes used by the connection and auth layers,
// RFC 4253 §11.1.
const (
	DisconnectProtocolError        uint32 = 2
	DisconnectByApplication        uint32 = 11
	DisconnectTooManyConnections   uint32 = 12
	DisconnectAuthCancelledByUser  uint32 = 13
)

// Well-known channel and extended-data types, RFC 4254.
const (
	ChannelTypeSession         = "session"
	ChannelTypeDirectTCPIP     = "direct-tcpip"
	ChannelTypeForwardedTCPIP  = "forwarded-tcpip"
	ChannelTypeX11             = "x11"
	ChannelTypeAgentForward    = "auth-agent@openssh.com"
	ExtendedDataStderr  uint32 = 1
)

// Global request names, RFC 4254 §7.1.
const (
	GlobalRequestTcpipForward       = "tcpip-forward"
	GlobalRequestCancelTcpipForward = "cancel-tcpip-forward"
)

// Channel request names, RFC 4254 §6.
const (
	ChannelRequestPty         = "pty-req"
	ChannelRequestShell       = "shell"
	ChannelRequestExec        = "exec"
	ChannelRequestSubsystem   = "subsystem"
	ChannelRequestWindowChg   = "window-change"
	ChannelRequestEnv         = "env"
	ChannelRequestSignal      = "signal"
	ChannelRequestExitStatus  = "exit-status"
	ChannelRequestExitSignal  = "exit-signal"
	ChannelRequestAuthAgentReq = "auth-agent-req@openssh.com"
)
