// Package probe carries packet descriptors from capture points to the engine over NATS.
package probe

import (
	"fmt"
	"net"
	"time"

	"GoISG/internal/model"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the packet descriptor message.
const (
	fieldTimestamp protowire.Number = 1 // unix nanoseconds
	fieldSrcIP     protowire.Number = 2
	fieldDstIP     protowire.Number = 3
	fieldSrcPort   protowire.Number = 4
	fieldDstPort   protowire.Number = 5
	fieldProtocol  protowire.Number = 6
	fieldLength    protowire.Number = 7
	fieldInitFlags protowire.Number = 8
	fieldNamespace protowire.Number = 9
)

// Marshal encodes info in protobuf wire format. Zero-valued fields are omitted.
func Marshal(info *model.PacketInfo) []byte {
	b := make([]byte, 0, 64)
	if !info.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(info.Timestamp.UnixNano()))
	}
	b = appendIP(b, fieldSrcIP, info.FiveTuple.SrcIP)
	b = appendIP(b, fieldDstIP, info.FiveTuple.DstIP)
	b = appendUint(b, fieldSrcPort, uint64(info.FiveTuple.SrcPort))
	b = appendUint(b, fieldDstPort, uint64(info.FiveTuple.DstPort))
	b = appendUint(b, fieldProtocol, uint64(info.FiveTuple.Protocol))
	b = appendUint(b, fieldLength, uint64(info.Length))
	b = appendUint(b, fieldInitFlags, uint64(info.InitFlags))
	if info.Namespace != "" {
		b = protowire.AppendTag(b, fieldNamespace, protowire.BytesType)
		b = protowire.AppendString(b, info.Namespace)
	}
	return b
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendIP(b []byte, num protowire.Number, ip net.IP) []byte {
	if ip == nil {
		return b
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, ip)
}

// Unmarshal decodes a packet descriptor. Unknown fields are skipped.
func Unmarshal(b []byte) (*model.PacketInfo, error) {
	info := &model.PacketInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			setVarint(info, num, v)
		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			setBytes(info, num, v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return info, nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldTimestamp, fieldSrcPort, fieldDstPort, fieldProtocol, fieldLength, fieldInitFlags:
		return true
	}
	return false
}

func isBytesField(num protowire.Number) bool {
	return num == fieldSrcIP || num == fieldDstIP || num == fieldNamespace
}

func setVarint(info *model.PacketInfo, num protowire.Number, v uint64) {
	switch num {
	case fieldTimestamp:
		info.Timestamp = time.Unix(0, int64(v))
	case fieldSrcPort:
		info.FiveTuple.SrcPort = uint16(v)
	case fieldDstPort:
		info.FiveTuple.DstPort = uint16(v)
	case fieldProtocol:
		info.FiveTuple.Protocol = uint8(v)
	case fieldLength:
		info.Length = int(v)
	case fieldInitFlags:
		info.InitFlags = uint8(v)
	}
}

func setBytes(info *model.PacketInfo, num protowire.Number, v []byte) {
	switch num {
	case fieldSrcIP:
		info.FiveTuple.SrcIP = append(net.IP(nil), v...)
	case fieldDstIP:
		info.FiveTuple.DstIP = append(net.IP(nil), v...)
	case fieldNamespace:
		info.Namespace = string(v)
	}
}
