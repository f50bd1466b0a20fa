package device

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint derives the hex-encoded BLAKE2b-256 fingerprint of s. Fields
// are length-prefixed so that adjacent values cannot be shifted into each other.
func Fingerprint(s Signals) string {
	h, _ := blake2b.New256(nil)

	writeString := func(v string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(v)))
		h.Write(n[:])
		h.Write([]byte(v))
	}
	writeInt := func(v int64) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(v))
		h.Write(n[:])
	}

	writeString(s.UserAgent)
	writeString(s.Language)
	writeInt(int64(s.ScreenWidth))
	writeInt(int64(s.ScreenHeight))
	writeInt(int64(s.ColorDepth))
	writeInt(int64(math.Float64bits(s.PixelRatio)))
	writeInt(int64(s.TimezoneOffset))
	writeString(s.RenderEntropy)

	return hex.EncodeToString(h.Sum(nil))
}
