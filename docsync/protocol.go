package docsync

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Peer protocol envelope. Messages are CBOR maps with a type tag; sync
// payloads are opaque byte strings produced and consumed by the CRDT
// library, never inspected at this layer.

const ProtocolVersion = "1"

const (
	// connection opening: remote announces itself and its metadata
	MessageTypeJoin = "join"
	// server accepts the join and announces its own stable peer id
	MessageTypePeer = "peer"
	// remote asks for a document it does not have locally
	MessageTypeRequest = "request"
	// one step of the sync protocol for one document
	MessageTypeSync = "sync"
	// the document is not available to this peer (missing or not shared)
	MessageTypeUnavailable = "unavailable"
	// protocol-level failure; the connection closes after sending
	MessageTypeError = "error"
	// remote is going away
	MessageTypeLeave = "leave"
)

type PeerMetadata struct {
	// IsEphemeral marks peers that never persist what they sync
	IsEphemeral bool `cbor:"isEphemeral,omitempty"`
}

type SyncEnvelope struct {
	Type       string        `cbor:"type"`
	SenderId   string        `cbor:"senderId,omitempty"`
	TargetId   string        `cbor:"targetId,omitempty"`
	DocumentId string        `cbor:"documentId,omitempty"`
	Data       []byte        `cbor:"data,omitempty"`
	Metadata   *PeerMetadata `cbor:"peerMetadata,omitempty"`
	Version    string        `cbor:"protocolVersion,omitempty"`
	Message    string        `cbor:"message,omitempty"`
	// Auth carries an optional signed peer token inside a join
	Auth string `cbor:"auth,omitempty"`
}

// Core Deterministic Encoding so the same envelope always produces the
// same bytes; the decoder maps any-typed values onto map[string]any.
var cborEncMode cbor.EncMode
var cborDecMode cbor.DecMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("docsync: cbor encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("docsync: cbor decoder initialization failed: " + err.Error())
	}
}

func EncodeEnvelope(envelope *SyncEnvelope) ([]byte, error) {
	return cborEncMode.Marshal(envelope)
}

func DecodeEnvelope(data []byte) (*SyncEnvelope, error) {
	envelope := &SyncEnvelope{}
	if err := cborDecMode.Unmarshal(data, envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return envelope, nil
}
