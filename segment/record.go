package segment

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
)

// Record is the triple spec.md section 3 requires a segment to carry:
// the producer-local send time, an optional scalar key, and an opaque
// payload blob.
type Record struct {
	Timestamp float64
	Key       []byte // nil means "no key"
	Payload   []byte
}

// Codec turns Records into self-delimited bytes and back. spec.md
// section 9's "Polymorphic storage" design note asks for this to be an
// injectable capability rather than a hardcoded format; BinaryCodec is
// the default, JSONLinesCodec is the human-readable alternative carried
// over from original_source/FileMessageQueue.py's text=True mode.
type Codec interface {
	// Encode appends the wire representation of rec to w.
	Encode(w io.Writer, rec Record) error
	// Decode reads one record from r. A truncated tail (a partial length
	// prefix or a prefix promising more bytes than the stream actually
	// has) must be reported as io.EOF, not as an error: spec.md section 8
	// invariant 9 requires a crash mid-write to look like a clean stream
	// end to readers, never corruption.
	Decode(r io.Reader) (Record, error)
}

// BinaryCodec is the default wire format: a little-endian uint32 frame
// length, then within the frame an 8-byte float64 timestamp, a 4-byte
// int32 key length (-1 means no key), the key bytes, and the remaining
// bytes as payload. This is the same length-prefix-then-payload shape as
// friggdb/wal_head_block.go's appendObject / wal_complete_block.go's
// iterateObjects, extended to carry the (timestamp, key, payload) triple
// spec.md requires instead of a bare proto blob.
type BinaryCodec struct{}

const (
	frameLenSize = 4
	tsSize       = 8
	keyLenSize   = 4
	noKeyMarker  = -1
)

func (BinaryCodec) Encode(w io.Writer, rec Record) error {
	keyLen := noKeyMarker
	if rec.Key != nil {
		keyLen = len(rec.Key)
	}

	frame := make([]byte, tsSize+keyLenSize+maxInt(keyLen, 0)+len(rec.Payload))
	binary.LittleEndian.PutUint64(frame[0:tsSize], floatBits(rec.Timestamp))
	binary.LittleEndian.PutUint32(frame[tsSize:tsSize+keyLenSize], uint32(int32(keyLen)))
	off := tsSize + keyLenSize
	if keyLen > 0 {
		copy(frame[off:off+keyLen], rec.Key)
		off += keyLen
	}
	copy(frame[off:], rec.Payload)

	var lenBuf [frameLenSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func (BinaryCodec) Decode(r io.Reader) (Record, error) {
	var lenBuf [frameLenSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		// A short read on the length prefix itself — including a
		// partially-flushed 1-3 byte tail — is a clean end of stream,
		// not corruption (spec.md section 3, section 8 invariant 9).
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf[:])

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		// The length prefix promised frameLen bytes but the writer was
		// killed before flushing them all: also a clean tail, not an
		// error the caller should see.
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, err
	}

	if len(frame) < tsSize+keyLenSize {
		return Record{}, io.EOF
	}

	ts := bitsToFloat(binary.LittleEndian.Uint64(frame[0:tsSize]))
	keyLen := int32(binary.LittleEndian.Uint32(frame[tsSize : tsSize+keyLenSize]))

	off := tsSize + keyLenSize
	var key []byte
	if keyLen >= 0 {
		if off+int(keyLen) > len(frame) {
			return Record{}, io.EOF
		}
		key = make([]byte, keyLen)
		copy(key, frame[off:off+int(keyLen)])
		off += int(keyLen)
	}

	payload := make([]byte, len(frame)-off)
	copy(payload, frame[off:])

	return Record{Timestamp: ts, Key: key, Payload: payload}, nil
}

// JSONLinesCodec is a human-readable alternative codec: one JSON object
// per line. It is the Go analogue of original_source/FileMessageQueue.py's
// _ObjectPersistentInText (text=True mode): still self-delimited (by
// newline), still tolerant of a truncated trailing line.
type JSONLinesCodec struct{}

type jsonRecord struct {
	Timestamp float64 `json:"ts"`
	Key       []byte  `json:"key,omitempty"`
	Payload   []byte  `json:"payload"`
}

func (JSONLinesCodec) Encode(w io.Writer, rec Record) error {
	b, err := json.Marshal(jsonRecord{Timestamp: rec.Timestamp, Key: rec.Key, Payload: rec.Payload})
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

func (JSONLinesCodec) Decode(r io.Reader) (Record, error) {
	// segment.Reader always hands Decode its own persistent *bufio.Reader
	// so that read-ahead here is carried over to the next call instead of
	// being buffered and then discarded. Wrapping r again only happens for
	// a caller that passes something else directly (e.g. a unit test).
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	line, err := br.ReadString('\n')
	if err != nil {
		// Either a clean EOF or a truncated trailing line with no
		// terminating newline yet — both mean "nothing more to read".
		return Record{}, io.EOF
	}

	var jr jsonRecord
	if err := json.Unmarshal([]byte(line), &jr); err != nil {
		// A line that was flushed but cut mid-write by a crash won't
		// parse as JSON; that is the textual equivalent of a truncated
		// binary tail and is likewise treated as end-of-stream.
		return Record{}, io.EOF
	}

	return Record{Timestamp: jr.Timestamp, Key: jr.Key, Payload: jr.Payload}, nil
}

// CodecBinary and CodecJSONLines identify a Codec by a short, stable
// string so it can be persisted in queue metadata and round-tripped
// through config/CLI flags.
const (
	CodecBinary    = "binary"
	CodecJSONLines = "jsonlines"
)

// CodecByName resolves a persisted codec name to a Codec. The empty string
// resolves to DefaultCodec, so queues created before this field existed
// (or that never set it) keep working unchanged.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecBinary:
		return BinaryCodec{}, nil
	case CodecJSONLines:
		return JSONLinesCodec{}, nil
	default:
		return nil, errUnknownCodec(name)
	}
}

type errUnknownCodec string

func (e errUnknownCodec) Error() string {
	return "segment: unknown codec " + string(e)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// floatBits/bitsToFloat round-trip a float64 through its IEEE-754 bit
// pattern so the on-disk format is a fixed-width integer, matching
// BinaryCodec's deterministic-bytes-for-identical-input requirement
// (spec.md section 3).
func floatBits(f float64) uint64 {
	return math.Float64bits(f)
}

func bitsToFloat(u uint64) float64 {
	return math.Float64frombits(u)
}
