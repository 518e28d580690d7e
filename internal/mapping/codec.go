package mapping

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldValues      protowire.Number = 1
	fieldContainment protowire.Number = 2
	fieldFirstNode   protowire.Number = 3
)

// ErrMalformed is returned when a serialized mapping cannot be decoded.
var ErrMalformed = errors.New("malformed mapping")

// AppendBinary appends the wire form of m to b.
func (m *Mapping) AppendBinary(b []byte) []byte {
	m.check()

	if len(m.values) > 0 {
		var packed []byte
		for _, v := range m.values {
			packed = protowire.AppendVarint(packed, v)
		}
		b = protowire.AppendTag(b, fieldValues, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	if words := m.containment.Bytes(); len(words) > 0 {
		packed := make([]byte, 0, 8*len(words))
		for _, w := range words {
			packed = binary.LittleEndian.AppendUint64(packed, w)
		}
		b = protowire.AppendTag(b, fieldContainment, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	b = protowire.AppendTag(b, fieldFirstNode, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(m.firstNode))
}

// Marshal returns the wire form of m.
func (m *Mapping) Marshal() []byte {
	return m.AppendBinary(nil)
}

// Unmarshal decodes a mapping into a new heap allocated value.
func Unmarshal(b []byte) (*Mapping, error) {
	m := &Mapping{}
	var words []uint64

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
				}
				packed = packed[n:]
				m.values = append(m.values, v)
			}
		case num == fieldContainment && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if len(packed)%8 != 0 {
				return nil, fmt.Errorf("%w: containment of %d bytes", ErrMalformed, len(packed))
			}
			for ; len(packed) > 0; packed = packed[8:] {
				words = append(words, binary.LittleEndian.Uint64(packed))
			}
		case num == fieldFirstNode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			m.firstNode = uint16(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	m.containment = bitset.From(words)
	return m, nil
}
