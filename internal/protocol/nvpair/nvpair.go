package nvpair

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrTruncated = errors.New("nvpair: truncated encoding")

// Pair is one name-value pair as carried by PARAMS and GET_VALUES records.
type Pair struct {
	Name  []byte
	Value []byte
}

// EncodePair emits the self-describing encoding of one pair: each length as
// one byte when below 128, else four bytes big-endian with the high bit of
// the first byte set, followed by the name bytes and the value bytes.
func EncodePair(name, value []byte) []byte {
	buf := make([]byte, 0, 8+len(name)+len(value))
	buf = appendLength(buf, len(name))
	buf = appendLength(buf, len(value))
	buf = append(buf, name...)
	buf = append(buf, value...)
	return buf
}

func EncodePairs(pairs []Pair) []byte {
	out := make([]byte, 0)
	for _, p := range pairs {
		out = append(out, EncodePair(p.Name, p.Value)...)
	}
	return out
}

// DecodePairs parses buf from offset 0 to the end. Every length and field
// read is bounds-checked against the remaining buffer; a buffer exhausted
// mid-field returns ErrTruncated rather than under-reading.
func DecodePairs(buf []byte) ([]Pair, error) {
	pairs := make([]Pair, 0)
	i := 0
	for i < len(buf) {
		nameLen, next, err := readLength(buf, i)
		if err != nil {
			return nil, err
		}
		i = next
		valueLen, next, err := readLength(buf, i)
		if err != nil {
			return nil, err
		}
		i = next
		if nameLen > len(buf)-i {
			return nil, fmt.Errorf("%w: name wants %d bytes, %d remain", ErrTruncated, nameLen, len(buf)-i)
		}
		name := make([]byte, nameLen)
		copy(name, buf[i:i+nameLen])
		i += nameLen
		if valueLen > len(buf)-i {
			return nil, fmt.Errorf("%w: value wants %d bytes, %d remain", ErrTruncated, valueLen, len(buf)-i)
		}
		value := make([]byte, valueLen)
		copy(value, buf[i:i+valueLen])
		i += valueLen
		pairs = append(pairs, Pair{Name: name, Value: value})
	}
	return pairs, nil
}

func appendLength(dst []byte, n int) []byte {
	if n < 0x80 {
		return append(dst, byte(n))
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	b[0] |= 0x80
	return append(dst, b[:]...)
}

func readLength(buf []byte, i int) (length int, next int, err error) {
	if i >= len(buf) {
		return 0, 0, fmt.Errorf("%w: missing length byte", ErrTruncated)
	}
	if buf[i] < 0x80 {
		return int(buf[i]), i + 1, nil
	}
	if len(buf)-i < 4 {
		return 0, 0, fmt.Errorf("%w: short 4-byte length", ErrTruncated)
	}
	v := binary.BigEndian.Uint32(buf[i:i+4]) &^ 0x8000_0000
	return int(v), i + 4, nil
}
