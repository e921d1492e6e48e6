package protocol

import (
	"bytes"
	"encoding/gob"
	"io"
)

func init() {
	gob.Register(&ConnectionRequest{})
	gob.Register(&ConnectionAccepted{})
	gob.Register(&ConnectionRejected{})
	gob.Register(&Disconnect{})
	gob.Register(&HeartbeatPing{})
	gob.Register(&HeartbeatPong{})
	gob.Register(&FileMeta{})
	gob.Register(&FileFull{})
	gob.Register(&MeshToggle{})
	gob.Register(&MeshMove{})
	gob.Register(&MeshDraw{})
}

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	return gob.NewEncoder(w).Encode(&msg)
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(r).Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	return c.Decode(bytes.NewReader(data))
}

var defaultCodec = NewCodec()

func EncodeToBytes(msg Message) ([]byte, error) {
	return defaultCodec.EncodeToBytes(msg)
}

func DecodeFromBytes(data []byte) (Message, error) {
	return defaultCodec.DecodeFromBytes(data)
}
