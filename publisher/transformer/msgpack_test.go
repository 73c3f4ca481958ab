package transformer

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// decodeMsgpack decodes a compact payload the way a consumer would.
func decodeMsgpack(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}
