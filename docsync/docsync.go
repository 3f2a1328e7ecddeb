// Package docsync keeps mergeable documents consistent across a primary
// application process, a relational backing store, and live network peers.
//
// The pieces, leaves first: a prefix-keyed storage adapter (storage.go,
// storage_pg.go) is the sole gateway to durable storage; the repo
// (repo.go, handle.go) owns live document handles and their change
// notifications; the sync transport (transport.go) drives the peer
// protocol over websockets; the bridge (bridge.go) exposes a narrow
// typed RPC surface to the external process that owns document identity;
// the migration pipeline (migrate.go) upgrades document content on first
// attach without breaking merge compatibility; the backfill runner
// (backfill.go) creates documents for legacy rows during rollout.
package docsync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrNotFound means a document id has no chunks in storage. It is
	// distinct from a storage fault: "doesn't exist", not "couldn't check".
	ErrNotFound = errors.New("document not found")

	// ErrStaleRef means a ref's accepted head does not match the stored
	// document. This signals a legitimate concurrent-edit conflict, not a
	// bug, and callers surface it as such.
	ErrStaleRef = errors.New("ref head does not match stored document")

	// ErrMigration wraps a failure of the content migration transform.
	// The document is left untouched and the attach can be retried.
	ErrMigration = errors.New("content migration failed")
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

// value receiver so that marshalling an Id value, not just a *Id,
// produces the quoted UUID form
func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id json: %s", string(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
