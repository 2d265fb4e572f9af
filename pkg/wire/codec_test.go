package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRoundTripEveryType(t *testing.T) {
	frames := []*Frame{
		NewMessage("4f1c2d1e-0000-4000-8000-000000000001", "10.0.0.1", "10.0.0.2", "hello there", 2),
		NewMessage("4f1c2d1e-0000-4000-8000-000000000002", "10.0.0.1", Wildcard, "", 5),
		NewPing("10.0.0.1", "10.0.0.2"),
		NewPingAck("10.0.0.2", "10.0.0.1"),
		{Type: TypeMessage, TTL: 0, Source: "10.0.0.9", Target: "10.0.0.3", Payload: "ünïcødé ✓"},
		{Type: TypeMessage, TTL: -1, Source: "10.0.0.9", Target: "10.0.0.3"},
	}
	for _, f := range frames {
		t.Run(f.Type.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, f))

			got, err := NewReader(&buf).ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, f, got)
		})
	}
}

func TestReaderPreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, WriteFrame(&buf, NewMessage("", "10.0.0.1", Wildcard, p, 2)))
	}

	r := NewReader(&buf)
	for _, want := range []string{"one", "two", "three"} {
		f, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, f.Payload)
	}
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderTruncatedRecord(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, NewPing("10.0.0.1", "10.0.0.2")))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := NewReader(bytes.NewReader(truncated)).ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestMarshalRejectsOversizedFrame(t *testing.T) {
	f := NewMessage("", "10.0.0.1", Wildcard, strings.Repeat("x", MaxFrameSize), 2)

	_, err := Marshal(f)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, WriteFrame(io.Discard, f), ErrFrameTooLarge)
}

func TestMarshalRejectsUnknownType(t *testing.T) {
	_, err := Marshal(&Frame{Type: 42})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestUnmarshalErrors(t *testing.T) {
	t.Run("garbage", func(t *testing.T) {
		_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
		assert.True(t, errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownType), "got %v", err)
	})
	t.Run("missing type", func(t *testing.T) {
		b := protowire.AppendTag(nil, fieldSource, protowire.BytesType)
		b = protowire.AppendString(b, "10.0.0.1")
		_, err := Unmarshal(b)
		assert.ErrorIs(t, err, ErrUnknownType)
	})
	t.Run("truncated string", func(t *testing.T) {
		b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(TypeMessage))
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendVarint(b, 10)
		b = append(b, "abc"...)
		_, err := Unmarshal(b)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	data, err := Marshal(NewPing("10.0.0.1", "10.0.0.2"))
	require.NoError(t, err)
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	var buf bytes.Buffer
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(data)))
	buf.Write(hdr[:])
	buf.Write(data)

	f, err := NewReader(&buf).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, NewPing("10.0.0.1", "10.0.0.2"), f)
}
