package segment

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryCodecRoundTrip(t *testing.T) {
	records := []Record{
		{Timestamp: 1.5, Key: []byte("k1"), Payload: []byte("hello")},
		{Timestamp: 2.0, Key: nil, Payload: []byte("world")},
		{Timestamp: 3.25, Key: []byte(""), Payload: []byte{}},
	}

	var buf bytes.Buffer
	codec := BinaryCodec{}
	for _, r := range records {
		require.NoError(t, codec.Encode(&buf, r))
	}

	for _, want := range records {
		got, err := codec.Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Timestamp, got.Timestamp)
		assert.Equal(t, want.Payload, got.Payload)
		if want.Key == nil {
			assert.Nil(t, got.Key)
		} else {
			assert.Equal(t, want.Key, got.Key)
		}
	}

	_, err := codec.Decode(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestBinaryCodecDeterministic(t *testing.T) {
	rec := Record{Timestamp: 42.0, Key: []byte("k"), Payload: []byte("v")}
	var a, b bytes.Buffer
	codec := BinaryCodec{}
	require.NoError(t, codec.Encode(&a, rec))
	require.NoError(t, codec.Encode(&b, rec))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestBinaryCodecTruncatedTailIsEOF(t *testing.T) {
	rec := Record{Timestamp: 1, Key: []byte("k"), Payload: []byte("payload-bytes")}
	var buf bytes.Buffer
	require.NoError(t, BinaryCodec{}.Encode(&buf, rec))

	full := buf.Bytes()
	for _, cut := range []int{1, 2, 3, 4, 5, len(full) - 1} {
		truncated := bytes.NewReader(full[:cut])
		_, err := BinaryCodec{}.Decode(truncated)
		assert.Equal(t, io.EOF, err, "cut=%d", cut)
	}
}

func TestJSONLinesCodecRoundTrip(t *testing.T) {
	rec := Record{Timestamp: 7, Key: []byte("x"), Payload: []byte("payload")}
	var buf bytes.Buffer
	codec := JSONLinesCodec{}
	require.NoError(t, codec.Encode(&buf, rec))

	br := bufio.NewReader(&buf)
	got, err := codec.Decode(br)
	require.NoError(t, err)
	assert.Equal(t, rec.Timestamp, got.Timestamp)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.Payload, got.Payload)

	_, err = codec.Decode(br)
	assert.Equal(t, io.EOF, err)
}

func TestJSONLinesCodecTruncatedLineIsEOF(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader([]byte(`{"ts":1,"payload"`)))
	_, err := JSONLinesCodec{}.Decode(br)
	assert.Equal(t, io.EOF, err)
}
