package ais

import "time"

// MessageType is the dispatch class of an AIS message.
type MessageType int

const (
	MessageTypeUnknown MessageType = iota
	// MessageTypePosition123 covers the class A position reports 1, 2 and 3.
	MessageTypePosition123
	// MessageTypePosition18 is the class B standard position report.
	MessageTypePosition18
	// MessageTypeStatic5 is the class A static and voyage data report.
	MessageTypeStatic5
	// MessageTypeStatic24 is the class B static data report, sent in two parts.
	MessageTypeStatic24
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePosition123:
		return "position_123"
	case MessageTypePosition18:
		return "position_18"
	case MessageTypeStatic5:
		return "static_5"
	case MessageTypeStatic24:
		return "static_24"
	default:
		return "unknown"
	}
}

func (t MessageType) IsPosition() bool {
	return t == MessageTypePosition123 || t == MessageTypePosition18
}

func (t MessageType) IsStatic() bool {
	return t == MessageTypeStatic5 || t == MessageTypeStatic24
}

// MovementRecord is a decoded position report. A record is only constructed
// when the report carries an available position.
type MovementRecord struct {
	MMSI             string     `json:"mmsi" validate:"required,numeric"`
	MessageID        int        `json:"message_id"`
	Latitude         float64    `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude        float64    `json:"longitude" validate:"gte=-180,lte=180"`
	SpeedKnots       *float64   `json:"speed_knots,omitempty"`
	CourseDeg        float64    `json:"course_deg"`
	TrueHeadingDeg   int        `json:"true_heading_deg"`
	PositionTime     time.Time  `json:"position_time"`
	ReceiveTime      *time.Time `json:"receive_time,omitempty"`
	FlagState        string     `json:"flag_state"`
	PositionAccuracy int        `json:"position_accuracy"`
}

// VesselStaticRecord is decoded identity information. Empty fields were not
// present in the report; a type 24 part A only carries the name and a part B
// only carries the ship type, call sign and flag state.
type VesselStaticRecord struct {
	MMSI      string `json:"mmsi" validate:"required,numeric"`
	Name      string `json:"name,omitempty"`
	Callsign  string `json:"callsign,omitempty"`
	ShipType  string `json:"ship_type,omitempty"`
	FlagState string `json:"flag_state,omitempty"`
	// Active is set by the vessel registry, never by the decoder.
	Active    *bool  `json:"active,omitempty"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

// Report is the result of decoding one sentence. At most one of Movement and
// Static is set. Both are nil for unsupported message types and for position
// reports without an available position.
type Report struct {
	Type     MessageType
	Movement *MovementRecord
	Static   *VesselStaticRecord
}
