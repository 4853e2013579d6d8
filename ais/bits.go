package ais

import (
	"strings"

	"golang.org/x/xerrors"
)

// ErrShortPayload is returned when a field extends past the end of the
// decoded payload.
var ErrShortPayload = xerrors.New("payload too short")

// Bits is an AIS payload decoded from its 6-bit armoring. Fields are
// addressed by bit offset, most significant bit first, the same way the
// ITU-R M.1371 message tables number them.
type Bits struct {
	sextets []byte
}

// supportedLeaders are the first armored characters of the message types
// this package decodes: 1, 2, 3, 5, 18 and 24.
const supportedLeaders = "1235BH"

// ArmorToBits decodes an armored payload. Only payloads whose first character
// announces a supported message type are decoded; anything else returns
// false. Decoding stops at the first character outside the armoring
// alphabet, so trailing fill-bit and checksum fields are ignored.
func ArmorToBits(payload string) (Bits, bool) {
	if payload == "" || !strings.ContainsRune(supportedLeaders, rune(payload[0])) {
		return Bits{}, false
	}
	sextets := make([]byte, 0, len(payload))
	for i := 0; i < len(payload); i++ {
		v, ok := sextet(payload[i])
		if !ok {
			break
		}
		sextets = append(sextets, v)
	}
	return Bits{sextets: sextets}, true
}

// sextet maps one armored character to its 6-bit value.
func sextet(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= 'W':
		return c - '0', true
	case c >= '`' && c <= 'w':
		return c - '0' - 8, true
	default:
		return 0, false
	}
}

// Len is the number of bits in the payload.
func (b Bits) Len() int {
	return len(b.sextets) * 6
}

func (b Bits) bit(i int) uint64 {
	return uint64(b.sextets[i/6]>>(5-uint(i%6))) & 1
}

func (b Bits) check(start, end int) error {
	if start < 0 || start >= end || end-start > 64 {
		return xerrors.Errorf("invalid bit range [%d:%d)", start, end)
	}
	if end > b.Len() {
		return xerrors.Errorf("read bits [%d:%d) of %d: %w", start, end, b.Len(), ErrShortPayload)
	}
	return nil
}

// Uint reads bits [start:end) as an unsigned integer.
func (b Bits) Uint(start, end int) (uint64, error) {
	if err := b.check(start, end); err != nil {
		return 0, err
	}
	var v uint64
	for i := start; i < end; i++ {
		v = v<<1 | b.bit(i)
	}
	return v, nil
}

// Int reads bits [start:end) as a two's complement signed integer.
func (b Bits) Int(start, end int) (int64, error) {
	u, err := b.Uint(start, end)
	if err != nil {
		return 0, err
	}
	width := uint(end - start)
	if width < 64 && b.bit(start) == 1 {
		return int64(u) - int64(1)<<width, nil
	}
	return int64(u), nil
}

// Text reads bits [start:end) as 6-bit ASCII. The '@' padding character is
// dropped and trailing spaces are trimmed.
func (b Bits) Text(start, end int) (string, error) {
	if end > b.Len() {
		return "", xerrors.Errorf("read text [%d:%d) of %d: %w", start, end, b.Len(), ErrShortPayload)
	}
	var sb strings.Builder
	for i := start; i+6 <= end; i += 6 {
		v, err := b.Uint(i, i+6)
		if err != nil {
			return "", err
		}
		if v == 0 {
			// '@' pads unused characters.
			continue
		}
		if v < 32 {
			v += 64
		}
		sb.WriteByte(byte(v))
	}
	return strings.TrimRight(sb.String(), " "), nil
}

// String renders the payload as a string of '0' and '1'.
func (b Bits) String() string {
	var sb strings.Builder
	sb.Grow(b.Len())
	for i := 0; i < b.Len(); i++ {
		sb.WriteByte(byte('0' + b.bit(i)))
	}
	return sb.String()
}
