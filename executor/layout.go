package executor

import (
	"encoding/binary"
	"fmt"
)

// Both namespaces live in one RecordStore so a migration is a single transaction.
//
//	m/d/<hashKey>                 main record row
//	m/t/<be64 timestamp><hashKey> main time index
//	m/v/<device>/<hashKey>        main device index (last writer)
//	m/l/<key>                     main local (non-synced) data
//	c/r/<be64 version><hashKey>   cache record row
//	c/l/<key>                     cache local data
var (
	mainRecordPrefix  = []byte("m/d/")
	mainTimePrefix    = []byte("m/t/")
	mainDevicePrefix  = []byte("m/v/")
	mainLocalPrefix   = []byte("m/l/")
	cacheRecordPrefix = []byte("c/r/")
	cacheLocalPrefix  = []byte("c/l/")
)

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func recordKey(hashKey []byte) []byte {
	return join(mainRecordPrefix, hashKey)
}

func timeKey(ts uint64, hashKey []byte) []byte {
	return join(mainTimePrefix, be64(ts), hashKey)
}

// timeBound is the first time index key at or after ts.
func timeBound(ts uint64) []byte {
	return join(mainTimePrefix, be64(ts))
}

func parseTimeKey(k []byte) (uint64, []byte, error) {
	rest := k[len(mainTimePrefix):]
	if len(rest) < 8 {
		return 0, nil, fmt.Errorf("malformed time index key %x", k)
	}
	return binary.BigEndian.Uint64(rest[:8]), append([]byte{}, rest[8:]...), nil
}

func devicePrefix(device string) []byte {
	return join(mainDevicePrefix, []byte(device), []byte("/"))
}

func deviceKey(device string, hashKey []byte) []byte {
	return join(devicePrefix(device), hashKey)
}

func localKey(prefix, key []byte) []byte {
	return join(prefix, key)
}

func cacheVersionPrefix(version uint64) []byte {
	return join(cacheRecordPrefix, be64(version))
}

func cacheRowKey(version uint64, hashKey []byte) []byte {
	return join(cacheRecordPrefix, be64(version), hashKey)
}

func parseCacheRowKey(k []byte) (uint64, []byte, error) {
	rest := k[len(cacheRecordPrefix):]
	if len(rest) < 8 {
		return 0, nil, fmt.Errorf("malformed cache row key %x", k)
	}
	return binary.BigEndian.Uint64(rest[:8]), append([]byte{}, rest[8:]...), nil
}
