package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ebernhardson/fastcgi/internal/protocol"
)

const (
	// HeaderLen is the fixed record header size.
	HeaderLen = 8
	// MaxContent is the largest content chunk emitted per physical record.
	MaxContent = 65535 - HeaderLen
)

var (
	ErrShortHeader  = errors.New("record: short record header")
	ErrShortContent = errors.New("record: connection closed mid-record")
)

// Header is the fixed 8-byte FastCGI record header.
type Header struct {
	Version       uint8
	Type          protocol.RecType
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// Record is one physical framed unit, with padding already stripped.
type Record struct {
	Header  Header
	Content []byte
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = h.Version
	buf[1] = uint8(h.Type)
	binary.BigEndian.PutUint16(buf[2:4], h.RequestID)
	binary.BigEndian.PutUint16(buf[4:6], h.ContentLength)
	buf[6] = h.PaddingLength
	buf[7] = h.Reserved
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Version:       b[0],
		Type:          protocol.RecType(b[1]),
		RequestID:     binary.BigEndian.Uint16(b[2:4]),
		ContentLength: binary.BigEndian.Uint16(b[4:6]),
		PaddingLength: b[6],
		Reserved:      b[7],
	}, nil
}

// Encode frames content as one or more records of the given type and request
// id. Content longer than MaxContent is split across consecutive records.
// Empty content still emits exactly one header-only record, which is how the
// PARAMS and STDIN streams are terminated. No padding is emitted.
func Encode(t protocol.RecType, requestID uint16, content []byte) []byte {
	out := make([]byte, 0, HeaderLen+len(content))
	for {
		chunk := content
		if len(chunk) > MaxContent {
			chunk = chunk[:MaxContent]
		}
		out = append(out, EncodeHeader(Header{
			Version:       protocol.Version1,
			Type:          t,
			RequestID:     requestID,
			ContentLength: uint16(len(chunk)),
		})...)
		out = append(out, chunk...)
		content = content[len(chunk):]
		if len(content) == 0 {
			return out
		}
	}
}

// Reader decodes records from a stream. Bytes consumed for a record that
// has not fully arrived are retained across calls, so a read deadline
// expiring mid-record leaves the stream aligned and the next call resumes
// where the interrupted one stopped.
type Reader struct {
	r   io.Reader
	buf []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next complete record, with padding consumed and
// discarded. A clean EOF before any header byte is returned as io.EOF so
// the caller can tell an idle close from a truncated record, which
// surfaces as ErrShortHeader or ErrShortContent. Any other read error,
// deadline expiry included, is returned as-is with the partial record
// retained.
func (r *Reader) Next() (Record, error) {
	for len(r.buf) < HeaderLen {
		if err := r.fill(HeaderLen); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if len(r.buf) == 0 {
					return Record{}, io.EOF
				}
				return Record{}, ErrShortHeader
			}
			return Record{}, err
		}
	}
	h, err := DecodeHeader(r.buf[:HeaderLen])
	if err != nil {
		return Record{}, err
	}

	total := HeaderLen + int(h.ContentLength) + int(h.PaddingLength)
	for len(r.buf) < total {
		if err := r.fill(total); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Record{}, ErrShortContent
			}
			return Record{}, err
		}
	}

	content := make([]byte, h.ContentLength)
	copy(content, r.buf[HeaderLen:HeaderLen+int(h.ContentLength)])
	r.buf = r.buf[:0]
	return Record{Header: h, Content: content}, nil
}

// fill reads at most once toward target bytes buffered. An error is only
// surfaced when the target is still unmet, so a read that both delivers
// the final bytes and reports an error completes the record first.
func (r *Reader) fill(target int) error {
	chunk := make([]byte, target-len(r.buf))
	n, err := r.r.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
	}
	if len(r.buf) >= target {
		return nil
	}
	return err
}

// ReadRecord reads one record from r without retaining state. Suitable for
// streams read without deadlines; clients interleaving bounded waits use a
// Reader instead.
func ReadRecord(r io.Reader) (Record, error) {
	return NewReader(r).Next()
}
