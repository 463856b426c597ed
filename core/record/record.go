// Package record implements the key/value record exchanged by the network,
// hand-encoded over protowire since this module has no protoc-generated
// stubs available. Every optional field round-trips, and any field numbers
// this code does not recognize are preserved verbatim rather than dropped.
package record

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldKey          = protowire.Number(1)
	fieldValue        = protowire.Number(2)
	fieldAuthor       = protowire.Number(3)
	fieldSignature    = protowire.Number(4)
	fieldTimeReceived = protowire.Number(5)
)

// Record is the signed key/value payload stored and exchanged by the
// network. Every field is optional, matching the wire format's use of
// presence rather than zero-value to mean "unset".
type Record struct {
	Key          *string
	Value        []byte
	Author       *string
	Signature    []byte
	TimeReceived *string

	// unknown preserves any field this code does not recognize, in the
	// original wire order, so re-encoding a record produced by a newer
	// version of the format does not silently drop data.
	unknown []rawField
}

type rawField struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

// Setter helpers store a pointer to the given string, so callers can set an
// optional string field without taking the address of a local themselves.

func (r *Record) SetKey(v string) *Record         { r.Key = &v; return r }
func (r *Record) SetAuthor(v string) *Record       { r.Author = &v; return r }
func (r *Record) SetTimeReceived(v string) *Record { r.TimeReceived = &v; return r }

// Marshal encodes r into its wire representation.
func Marshal(r *Record) []byte {
	var b []byte
	if r.Key != nil {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, *r.Key)
	}
	if r.Value != nil {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	if r.Author != nil {
		b = protowire.AppendTag(b, fieldAuthor, protowire.BytesType)
		b = protowire.AppendString(b, *r.Author)
	}
	if r.Signature != nil {
		b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Signature)
	}
	if r.TimeReceived != nil {
		b = protowire.AppendTag(b, fieldTimeReceived, protowire.BytesType)
		b = protowire.AppendString(b, *r.TimeReceived)
	}
	for _, f := range r.unknown {
		b = protowire.AppendTag(b, f.num, f.typ)
		b = append(b, f.raw...)
	}
	return b
}

// Unmarshal decodes buf into a new Record. Fields with an unrecognized
// number are kept in r.unknown and re-emitted, unmodified, by a later
// Marshal call.
func Unmarshal(buf []byte) (*Record, error) {
	r := &Record{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("record: invalid tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		if typ != protowire.BytesType {
			// Every defined field is a length-delimited bytes/string; an
			// unknown field of any other wire type is preserved as-is so
			// it survives a re-encode, but this format never produces one
			// itself.
			consumed, raw, err := consumeAny(num, typ, buf)
			if err != nil {
				return nil, err
			}
			buf = buf[consumed:]
			r.unknown = append(r.unknown, rawField{num: num, typ: typ, raw: raw})
			continue
		}

		val, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, fmt.Errorf("record: invalid bytes field %d: %w", num, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch num {
		case fieldKey:
			s := string(val)
			r.Key = &s
		case fieldValue:
			r.Value = append([]byte{}, val...)
		case fieldAuthor:
			s := string(val)
			r.Author = &s
		case fieldSignature:
			r.Signature = append([]byte{}, val...)
		case fieldTimeReceived:
			s := string(val)
			r.TimeReceived = &s
		default:
			var raw []byte
			raw = protowire.AppendTag(raw, num, typ)
			raw = protowire.AppendBytes(raw, val)
			// Strip the tag back off: rawField.raw is re-tagged on encode.
			_, _, n := protowire.ConsumeTag(raw)
			r.unknown = append(r.unknown, rawField{num: num, typ: typ, raw: raw[n:]})
		}
	}
	return r, nil
}

// consumeAny skips over a single field value of the given wire type,
// returning the bytes consumed and the raw encoded value (tag excluded).
func consumeAny(num protowire.Number, typ protowire.Type, buf []byte) (int, []byte, error) {
	switch typ {
	case protowire.VarintType:
		_, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return 0, nil, fmt.Errorf("record: invalid varint field: %w", protowire.ParseError(n))
		}
		return n, append([]byte(nil), buf[:n]...), nil
	case protowire.Fixed32Type:
		_, n := protowire.ConsumeFixed32(buf)
		if n < 0 {
			return 0, nil, fmt.Errorf("record: invalid fixed32 field: %w", protowire.ParseError(n))
		}
		return n, append([]byte(nil), buf[:n]...), nil
	case protowire.Fixed64Type:
		_, n := protowire.ConsumeFixed64(buf)
		if n < 0 {
			return 0, nil, fmt.Errorf("record: invalid fixed64 field: %w", protowire.ParseError(n))
		}
		return n, append([]byte(nil), buf[:n]...), nil
	case protowire.StartGroupType:
		n := protowire.ConsumeFieldValue(num, typ, buf)
		if n < 0 {
			return 0, nil, fmt.Errorf("record: invalid group field: %w", protowire.ParseError(n))
		}
		return n, append([]byte(nil), buf[:n]...), nil
	default:
		return 0, nil, fmt.Errorf("record: unsupported wire type %d", typ)
	}
}
