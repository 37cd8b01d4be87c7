package record

import (
	"errors"
	"fmt"

	"github.com/openeuler-mirror/distributed-codelabs-sub010/encoding"
)

// CompressThreshold is the value size above which stored values are zstd-compressed.
const CompressThreshold = 4096

// ErrCorruptRow is returned when a persisted row cannot be decoded.
var ErrCorruptRow = errors.New("corrupt record row")

type storedRow struct {
	Key            []byte `msgpack:"k"`
	Value          []byte `msgpack:"v"`
	Timestamp      uint64 `msgpack:"t"`
	WriteTimestamp uint64 `msgpack:"w"`
	Flags          uint64 `msgpack:"f"`
	Device         string `msgpack:"d"`
	OrigDevice     string `msgpack:"o"`
	Version        uint64 `msgpack:"ver,omitempty"`
	Compressed     bool   `msgpack:"z,omitempty"`
}

// EncodeRow serializes an item for storage. version is zero outside the cache namespace.
func EncodeRow(it Item, version uint64) ([]byte, error) {
	row := storedRow{
		Key:            it.Key,
		Value:          it.Value,
		Timestamp:      it.Timestamp,
		WriteTimestamp: it.WriteTimestamp,
		Flags:          uint64(it.Flags),
		Device:         it.Device,
		OrigDevice:     it.OrigDevice,
		Version:        version,
	}
	if len(it.Value) > CompressThreshold {
		compressed, err := encoding.Compress(it.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to compress value: %w", err)
		}
		row.Value = compressed
		row.Compressed = true
	}
	return encoding.Marshal(&row)
}

// DecodeRow restores an item stored under hashKey. Undecodable input yields ErrCorruptRow.
func DecodeRow(data []byte, hashKey []byte) (Item, uint64, error) {
	var row storedRow
	if err := encoding.Unmarshal(data, &row); err != nil {
		return Item{}, 0, fmt.Errorf("%w: %v", ErrCorruptRow, err)
	}
	if row.Compressed {
		value, err := encoding.Decompress(row.Value)
		if err != nil {
			return Item{}, 0, fmt.Errorf("%w: %v", ErrCorruptRow, err)
		}
		row.Value = value
	}
	it := Item{
		Key:            row.Key,
		Value:          row.Value,
		HashKey:        cloneBytes(hashKey),
		Timestamp:      row.Timestamp,
		WriteTimestamp: row.WriteTimestamp,
		Flags:          Flags(row.Flags),
		Device:         row.Device,
		OrigDevice:     row.OrigDevice,
	}
	return it, row.Version, nil
}
