package discovery

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldIP   protowire.Number = 1
	fieldPort protowire.Number = 2
)

var ErrBadAnnouncement = errors.New("malformed announcement")

// Announcement is what a node multicasts so others on the LAN can dial it.
type Announcement struct {
	IP   string
	Port uint16
}

func (a Announcement) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldIP, protowire.BytesType)
	b = protowire.AppendString(b, a.IP)
	b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Port))
	return b
}

func UnmarshalAnnouncement(b []byte) (Announcement, error) {
	var a Announcement
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return a, fmt.Errorf("%w: %v", ErrBadAnnouncement, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldIP && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return a, fmt.Errorf("%w: ip: %v", ErrBadAnnouncement, protowire.ParseError(n))
			}
			a.IP, b = v, b[n:]
		case num == fieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 || v > 0xffff {
				return a, fmt.Errorf("%w: port", ErrBadAnnouncement)
			}
			a.Port, b = uint16(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return a, fmt.Errorf("%w: %v", ErrBadAnnouncement, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if a.IP == "" || a.Port == 0 {
		return a, fmt.Errorf("%w: missing ip or port", ErrBadAnnouncement)
	}
	return a, nil
}
