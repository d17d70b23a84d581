package flow

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines the serialization contract for snapshots.
type Codec interface {
	// Encode serializes a snapshot to bytes.
	Encode(snap *Snapshot) ([]byte, error)

	// Decode deserializes bytes into a snapshot.
	Decode(data []byte) (*Snapshot, error)

	// Name returns the codec identifier (e.g., "json", "msgpack").
	Name() string
}

// Codec name constants, recorded on every checkpoint so snapshots remain
// decodable after the default changes.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}

// JSONCodec encodes snapshots as JSON. The default: human-inspectable in
// the store, which matters for operator debugging.
type JSONCodec struct{}

func (c *JSONCodec) Encode(snap *Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func (c *JSONCodec) Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes snapshots as MessagePack, for deployments where
// checkpoint volume makes the JSON size overhead matter.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(snap *Snapshot) ([]byte, error) {
	return msgpack.Marshal(snap)
}

func (c *MsgpackCodec) Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
