package record

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/puzpuzpuz/xsync/v3"
)

// HashKey is the content hash identifying a record across devices.
func HashKey(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:]
}

var deviceHashes = xsync.NewMapOf[string, string]()

// HashDevice returns the persisted form of a device name. The empty name stays
// empty so "no device" survives hashing.
func HashDevice(name string) string {
	if name == "" {
		return ""
	}
	if h, ok := deviceHashes.Load(name); ok {
		return h
	}
	sum := sha256.Sum256([]byte(name))
	h := hex.EncodeToString(sum[:])
	deviceHashes.Store(name, h)
	return h
}
