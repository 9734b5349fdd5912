package connect

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
// client ids are ulids, written in uuid form on the wire
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

// ParseId reads the uuid form written by `String`
func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

// request ids only need to be unique among the outstanding requests of one session,
// so they are kept short. Collisions are handled by the request registry.
const shortIdLength = 8

func newShortId() string {
	s := ulid.Make().String()
	// the tail of the ulid string is entropy
	return s[len(s)-shortIdLength:]
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
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
