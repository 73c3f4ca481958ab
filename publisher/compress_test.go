package publisher

import (
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

type jsonishTransformer struct{}

func (jsonishTransformer) Transform(event Event) ([]byte, error) {
	return []byte(`{"op":"` + event.Operation + `"}`), nil
}

func TestZstdTransformer_RoundTrip(t *testing.T) {
	t.Parallel()

	tr, err := NewZstdTransformer(jsonishTransformer{})
	require.NoError(t, err)

	compressed, err := tr.Transform(Event{Operation: OpInsert})
	require.NoError(t, err)

	decoder, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer decoder.Close()

	plain, err := decoder.DecodeAll(compressed, nil)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"op":"insert"}`), plain)
}
