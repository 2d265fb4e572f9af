package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize is the largest encoded record a 2-byte length prefix can carry.
const MaxFrameSize = 1<<16 - 1

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrUnknownType   = errors.New("unknown frame type")
	ErrMalformed     = errors.New("malformed frame")
)

// Field numbers of the frame record.
const (
	fieldType    protowire.Number = 1
	fieldTTL     protowire.Number = 2
	fieldSource  protowire.Number = 3
	fieldTarget  protowire.Number = 4
	fieldPayload protowire.Number = 5
	fieldID      protowire.Number = 6
)

// Marshal encodes f using the protobuf wire format.
func Marshal(f *Frame) ([]byte, error) {
	if !f.Type.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, f.Type)
	}
	b := make([]byte, 0, 32+len(f.Source)+len(f.Target)+len(f.Payload)+len(f.ID))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(f.TTL)))
	b = appendString(b, fieldSource, f.Source)
	b = appendString(b, fieldTarget, f.Target)
	b = appendString(b, fieldPayload, f.Payload)
	b = appendString(b, fieldID, f.ID)
	if len(b) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Unmarshal decodes a record produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: type: %v", ErrMalformed, protowire.ParseError(n))
			}
			f.Type = Type(v)
			b = b[n:]
		case num == fieldTTL && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: ttl: %v", ErrMalformed, protowire.ParseError(n))
			}
			f.TTL = int32(protowire.DecodeZigZag(v))
			b = b[n:]
		case typ == protowire.BytesType && num >= fieldSource && num <= fieldID:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			switch num {
			case fieldSource:
				f.Source = s
			case fieldTarget:
				f.Target = s
			case fieldPayload:
				f.Payload = s
			case fieldID:
				f.ID = s
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !f.Type.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, f.Type)
	}
	return f, nil
}

// Encode returns f as a length-prefixed record ready for the stream.
func Encode(f *Frame) ([]byte, error) {
	data, err := Marshal(f)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	return buf, nil
}

// WriteFrame writes f to w as a single length-prefixed record.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Reader reads length-prefixed frames from a stream in arrival order.
type Reader struct {
	r   *bufio.Reader
	hdr [2]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadFrame blocks until a whole frame has arrived. A clean end of stream
// between frames is reported as io.EOF.
func (r *Reader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint16(r.hdr[:]))
	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Unmarshal(buf)
}
