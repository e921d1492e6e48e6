package protocol

const (
	ShortIDLen     = 6
	MaxNicknameLen = 15
)

type MessageType uint16

const (
	MsgHeartbeatPing      MessageType = 0x0001
	MsgHeartbeatPong      MessageType = 0x0002
	MsgConnectionRequest  MessageType = 0x0010
	MsgConnectionAccepted MessageType = 0x0011
	MsgConnectionRejected MessageType = 0x0012
	MsgDisconnect         MessageType = 0x0013
	MsgFileMeta           MessageType = 0x0020
	MsgFileFull           MessageType = 0x0021
	MsgMeshToggle         MessageType = 0x0030
	MsgMeshMove           MessageType = 0x0031
	MsgMeshDraw           MessageType = 0x0032
)

func (t MessageType) String() string {
	switch t {
	case MsgHeartbeatPing:
		return "HEARTBEAT_PING"
	case MsgHeartbeatPong:
		return "HEARTBEAT_PONG"
	case MsgConnectionRequest:
		return "CONNECTION_REQUEST"
	case MsgConnectionAccepted:
		return "CONNECTION_ACCEPTED"
	case MsgConnectionRejected:
		return "CONNECTION_REJECTED"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgFileMeta:
		return "FILE_META"
	case MsgFileFull:
		return "FILE_FULL"
	case MsgMeshToggle:
		return "MESH_TOGGLE"
	case MsgMeshMove:
		return "MESH_MOVE"
	case MsgMeshDraw:
		return "MESH_DRAW"
	default:
		return "UNKNOWN"
	}
}
