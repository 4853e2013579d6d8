package ais

import (
	"strconv"
	"time"

	"golang.org/x/xerrors"
)

const (
	speedNotAvailable = 1023

	// Longitude and latitude of 181 and 91 degrees mean "not available".
	longitudeNotAvailable = 181 * 600000
	latitudeNotAvailable  = 91 * 600000
)

// positionLayout holds the bit offsets that differ between the class A and
// class B position reports.
type positionLayout struct {
	speed, accuracy, lon, lat, course, heading, second int
}

var (
	layout123 = positionLayout{speed: 50, accuracy: 60, lon: 61, lat: 89, course: 116, heading: 128, second: 137}
	layout18  = positionLayout{speed: 46, accuracy: 56, lon: 57, lat: 85, course: 112, heading: 124, second: 133}
)

// DecodeMessageType reads the 6-bit message id.
func DecodeMessageType(b Bits) MessageType {
	id, err := b.Uint(0, 6)
	if err != nil {
		return MessageTypeUnknown
	}
	switch id {
	case 1, 2, 3:
		return MessageTypePosition123
	case 18:
		return MessageTypePosition18
	case 5:
		return MessageTypeStatic5
	case 24:
		return MessageTypeStatic24
	default:
		return MessageTypeUnknown
	}
}

// DecodePosition123 decodes a class A position report. The boolean is false
// when the report has no available position. receive is the authoritative
// receive time of the sentence, or the zero time when unknown.
func DecodePosition123(b Bits, receive, now time.Time) (MovementRecord, bool, error) {
	return decodePosition(b, layout123, receive, now)
}

// DecodePosition18 decodes a class B standard position report.
func DecodePosition18(b Bits, receive, now time.Time) (MovementRecord, bool, error) {
	return decodePosition(b, layout18, receive, now)
}

func decodePosition(b Bits, l positionLayout, receive, now time.Time) (MovementRecord, bool, error) {
	r := fieldReader{bits: b}
	id := r.uint(0, 6)
	mmsi := r.uint(8, 38)
	speed := r.uint(l.speed, l.speed+10)
	accuracy := r.uint(l.accuracy, l.accuracy+1)
	lon := r.int(l.lon, l.lon+28)
	lat := r.int(l.lat, l.lat+27)
	course := r.uint(l.course, l.course+12)
	heading := r.uint(l.heading, l.heading+9)
	second := r.uint(l.second, l.second+6)
	if r.err != nil {
		return MovementRecord{}, false, xerrors.Errorf("decode position report: %w", r.err)
	}
	if lon == longitudeNotAvailable || lat == latitudeNotAvailable {
		return MovementRecord{}, false, nil
	}

	rec := MovementRecord{
		MMSI:             strconv.FormatUint(mmsi, 10),
		MessageID:        int(id),
		Latitude:         float64(lat) / 600000,
		Longitude:        float64(lon) / 600000,
		CourseDeg:        float64(course) / 10,
		TrueHeadingDeg:   int(heading),
		PositionTime:     ReconstructTimestamp(int(second), receive, now),
		PositionAccuracy: int(accuracy),
	}
	if speed != speedNotAvailable {
		knots := float64(speed) / 10
		rec.SpeedKnots = &knots
	}
	if !receive.IsZero() {
		t := receive.UTC()
		rec.ReceiveTime = &t
	}
	rec.FlagState = FlagState(rec.MMSI)
	return rec, true, nil
}

// DecodeStatic5 decodes a class A static and voyage data report.
func DecodeStatic5(b Bits) (VesselStaticRecord, error) {
	r := fieldReader{bits: b}
	mmsi := r.uint(8, 38)
	callsign := r.text(70, 112)
	name := r.text(112, 232)
	shipType := r.uint(232, 240)
	if r.err != nil {
		return VesselStaticRecord{}, xerrors.Errorf("decode static report: %w", r.err)
	}
	rec := VesselStaticRecord{
		MMSI:      strconv.FormatUint(mmsi, 10),
		Name:      name,
		Callsign:  callsign,
		ShipType:  ShipTypeCategory(int(shipType)),
		UpdatedBy: "AIS Message Type 5",
	}
	rec.FlagState = FlagState(rec.MMSI)
	return rec, nil
}

// DecodeStatic24 decodes one part of a class B static data report. Part A
// yields the name, part B the ship type, call sign and flag state. The parts
// are not merged.
func DecodeStatic24(b Bits) (VesselStaticRecord, error) {
	r := fieldReader{bits: b}
	mmsi := r.uint(8, 38)
	part := r.uint(38, 40)
	if r.err != nil {
		return VesselStaticRecord{}, xerrors.Errorf("decode static data report: %w", r.err)
	}
	rec := VesselStaticRecord{
		MMSI:      strconv.FormatUint(mmsi, 10),
		UpdatedBy: "AIS Message Type 24",
	}
	switch part {
	case 0:
		rec.Name = r.text(40, 160)
	case 1:
		shipType := r.uint(40, 48)
		rec.Callsign = r.text(90, 132)
		rec.ShipType = ShipTypeCategory(int(shipType))
		rec.FlagState = FlagState(rec.MMSI)
	default:
		return VesselStaticRecord{}, xerrors.Errorf("decode static data report: invalid part number %d", part)
	}
	if r.err != nil {
		return VesselStaticRecord{}, xerrors.Errorf("decode static data report part %d: %w", part, r.err)
	}
	return rec, nil
}

// Decode dispatches an armored payload to the decoder for its message type.
// Unsupported payloads yield a report of type MessageTypeUnknown and no
// error.
func Decode(payload string, receive, now time.Time) (Report, error) {
	b, ok := ArmorToBits(payload)
	if !ok {
		return Report{Type: MessageTypeUnknown}, nil
	}
	typ := DecodeMessageType(b)
	report := Report{Type: typ}
	switch typ {
	case MessageTypePosition123, MessageTypePosition18:
		decode := DecodePosition123
		if typ == MessageTypePosition18 {
			decode = DecodePosition18
		}
		rec, ok, err := decode(b, receive, now)
		if err != nil {
			return report, err
		}
		if ok {
			report.Movement = &rec
		}
	case MessageTypeStatic5, MessageTypeStatic24:
		decode := DecodeStatic5
		if typ == MessageTypeStatic24 {
			decode = DecodeStatic24
		}
		rec, err := decode(b)
		if err != nil {
			return report, err
		}
		report.Static = &rec
	}
	return report, nil
}

// fieldReader keeps the first error so a sequence of field reads can be
// checked once.
type fieldReader struct {
	bits Bits
	err  error
}

func (r *fieldReader) uint(start, end int) uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.bits.Uint(start, end)
	r.err = err
	return v
}

func (r *fieldReader) int(start, end int) int64 {
	if r.err != nil {
		return 0
	}
	v, err := r.bits.Int(start, end)
	r.err = err
	return v
}

func (r *fieldReader) text(start, end int) string {
	if r.err != nil {
		return ""
	}
	v, err := r.bits.Text(start, end)
	r.err = err
	return v
}
