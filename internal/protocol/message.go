package protocol

type Message interface {
	Type() MessageType
}

type ConnectionRequest struct {
	ID       string
	Nickname string
	Version  string
}

func (ConnectionRequest) Type() MessageType { return MsgConnectionRequest }

type ConnectionAccepted struct {
	Version string
}

func (ConnectionAccepted) Type() MessageType { return MsgConnectionAccepted }

type ConnectionRejected struct {
	Busy bool
}

func (ConnectionRejected) Type() MessageType { return MsgConnectionRejected }

type Disconnect struct{}

func (Disconnect) Type() MessageType { return MsgDisconnect }

type HeartbeatPing struct{}

func (HeartbeatPing) Type() MessageType { return MsgHeartbeatPing }

type HeartbeatPong struct{}

func (HeartbeatPong) Type() MessageType { return MsgHeartbeatPong }

type FileMeta struct {
	ID   string
	Name string
	Size int64
	Mime string
}

func (FileMeta) Type() MessageType { return MsgFileMeta }

type FileFull struct {
	ID   string
	Mime string
	Data []byte
}

func (FileFull) Type() MessageType { return MsgFileFull }

type MeshToggle struct {
	Active bool
}

func (MeshToggle) Type() MessageType { return MsgMeshToggle }

type MeshMove struct {
	ID string
	X  float64
	Y  float64
}

func (MeshMove) Type() MessageType { return MsgMeshMove }

type Point struct {
	X float64
	Y float64
}

// StrokeOrigin records which side of the session drew a stroke. Each
// endpoint stamps it from its own point of view: strokes it commits
// are local, strokes arriving over the wire are remote.
type StrokeOrigin string

const (
	OriginLocal  StrokeOrigin = "local"
	OriginRemote StrokeOrigin = "remote"
)

type Stroke struct {
	ID     string
	Points []Point
	Color  string
	Origin StrokeOrigin
}

type MeshDraw struct {
	Stroke Stroke
}

func (MeshDraw) Type() MessageType { return MsgMeshDraw }
