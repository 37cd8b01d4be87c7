package record

// MaxOrigDevLength is the length reserved for the origin device when sizing an item.
const MaxOrigDevLength = 40

const itemPeriphSize = 3*8 + 4

// SerialSize estimates the encoded size of an item on the sync wire.
// appendLen accounts for per-item framing added by the transport.
func SerialSize(it Item, appendLen int) int {
	devLen := len(it.OrigDevice)
	if devLen < MaxOrigDevLength {
		devLen = MaxOrigDevLength
	}
	return vectorLen(len(it.Key)) + vectorLen(len(it.Value)) + vectorLen(devLen) + itemPeriphSize + appendLen
}

// vectorLen is a uint32 length prefix plus the payload padded to 4 bytes.
func vectorLen(n int) int {
	return 4 + (n+3)&^3
}
