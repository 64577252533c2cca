/*
Package uid – document key generation.

A schema key field declares a generate kind ("uuid", "ulid", "uid",
"uid(n)"); Generate resolves the kind to a fresh identifier. ULIDs and
short uids share a Crockford base-32 encoding driven by 5-bit masking.
*/
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// alphabet is Crockford base-32 (no I, L, O, U).
const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const defaultUIDSize = 10

var decodeTable [256]int8

func init() {
	for i := range decodeTable {
		decodeTable[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		decodeTable[alphabet[i]] = int8(i)
	}
}

// Generate resolves a schema generate kind to a fresh identifier.
// Unknown or empty kinds fall back to "uuid".
func Generate(kind string) string {
	switch {
	case kind == "" || kind == "uuid":
		return UUID()
	case kind == "ulid":
		return ULID()
	case kind == "uid":
		return UID(defaultUIDSize)
	case strings.HasPrefix(kind, "uid(") && strings.HasSuffix(kind, ")"):
		n, err := strconv.Atoi(kind[4 : len(kind)-1])
		if err != nil || n <= 0 {
			n = defaultUIDSize
		}
		return UID(n)
	}
	return UUID()
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("uid: crypto/rand read failed: " + err.Error())
	}
	return b
}

// UID returns a crypto-random base-32 string of the given length.
// Size >= 10 is suitably unique for most use-cases.
func UID(size int) string {
	b := randomBytes(size)
	for i, c := range b {
		b[i] = alphabet[c&0x1f]
	}
	return string(b)
}

// UUID returns an RFC-4122 version-4 UUID.
func UUID() string {
	b := randomBytes(16)
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant bits

	var out [36]byte
	hex.Encode(out[:8], b[:4])
	out[8] = '-'
	hex.Encode(out[9:13], b[4:6])
	out[13] = '-'
	hex.Encode(out[14:18], b[6:8])
	out[18] = '-'
	hex.Encode(out[19:23], b[8:10])
	out[23] = '-'
	hex.Encode(out[24:], b[10:])
	return string(out[:])
}

const (
	ulidTimeLen = 10
	ulidRandLen = 16
	ulidLen     = ulidTimeLen + ulidRandLen
)

// ULID returns a lexicographically sortable identifier for the current
// time (https://github.com/ulid/spec).
func ULID() string { return ULIDAt(time.Now()) }

// ULIDAt returns a ULID whose time component encodes t.
func ULIDAt(t time.Time) string {
	var out [ulidLen]byte
	ms := t.UnixMilli()
	for i := ulidTimeLen - 1; i >= 0; i-- {
		out[i] = alphabet[ms&0x1f]
		ms >>= 5
	}
	for i, c := range randomBytes(ulidRandLen) {
		out[ulidTimeLen+i] = alphabet[c&0x1f]
	}
	return string(out[:])
}

// DecodeTime extracts the timestamp encoded in a ULID.
func DecodeTime(s string) (time.Time, error) {
	if len(s) != ulidLen {
		return time.Time{}, fmt.Errorf("uid: invalid ULID length %d", len(s))
	}
	var ms int64
	for i := 0; i < ulidTimeLen; i++ {
		v := decodeTable[s[i]]
		if v < 0 {
			return time.Time{}, fmt.Errorf("uid: invalid ULID char %q", s[i])
		}
		ms = ms<<5 | int64(v)
	}
	return time.UnixMilli(ms).UTC(), nil
}
