// Package forward delivers decoded records downstream. Each record becomes
// one Message with a stable id; transient delivery failures are queued for
// a later retry and permanent ones go to the dead-letter sink.
package forward

import (
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/coder/aisrelay/ais"
)

// PayloadVersion is the envelope version carried in every Message.
const PayloadVersion = "1.0"

// Source identifies this relay in every message and dead letter.
const Source = "AIS"

// DeadLetterType is the payload type property of dead letters.
const DeadLetterType = "byte"

// Message priorities. Movements from the home flag state and all static
// updates go out at the higher priority.
const (
	PriorityDefault = 2
	PriorityHigh    = 3
)

type Kind string

const (
	KindMovement Kind = "movement"
	KindStatic   Kind = "static"
)

// Message is the outbound envelope.
type Message struct {
	Version  string                  `json:"_version"`
	ID       uuid.UUID               `json:"msg_id"`
	Kind     Kind                    `json:"kind"`
	Source   string                  `json:"source"`
	Plugin   string                  `json:"plugin,omitempty"`
	Priority int                     `json:"priority"`
	SentAt   time.Time               `json:"sent_at"`
	Movement *ais.MovementRecord     `json:"movement,omitempty"`
	Static   *ais.VesselStaticRecord `json:"static,omitempty"`
}

// MMSI returns the vessel the message is about.
func (m Message) MMSI() string {
	switch {
	case m.Movement != nil:
		return m.Movement.MMSI
	case m.Static != nil:
		return m.Static.MMSI
	}
	return ""
}

// Dead-letter reasons.
const (
	ReasonDecode   = "decode"
	ReasonMapping  = "mapping"
	ReasonDelivery = "delivery"
)

// DeadLetter is input that could not be turned into a delivered message.
type DeadLetter struct {
	ID         uuid.UUID `json:"id"`
	Source     string    `json:"source"`
	Type       string    `json:"type"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func recordValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Mapper turns records into messages. The zero value has no plugin name and
// no home flag state.
type Mapper struct {
	Plugin        string
	HomeFlagState string
}

// Movement maps a movement record. It fails when the record is not
// deliverable, e.g. a non-numeric MMSI or an out-of-range position.
func (m Mapper) Movement(rec ais.MovementRecord, now time.Time) (Message, error) {
	if err := recordValidator().Struct(rec); err != nil {
		return Message{}, xerrors.Errorf("invalid movement for %q: %w", rec.MMSI, err)
	}
	priority := PriorityDefault
	if m.HomeFlagState != "" && strings.EqualFold(rec.FlagState, m.HomeFlagState) {
		priority = PriorityHigh
	}
	return Message{
		Version:  PayloadVersion,
		ID:       uuid.New(),
		Kind:     KindMovement,
		Source:   Source,
		Plugin:   m.Plugin,
		Priority: priority,
		SentAt:   now.UTC(),
		Movement: &rec,
	}, nil
}

// Static maps a static record. Static updates are always high priority.
func (m Mapper) Static(rec ais.VesselStaticRecord, now time.Time) (Message, error) {
	if err := recordValidator().Struct(rec); err != nil {
		return Message{}, xerrors.Errorf("invalid static record for %q: %w", rec.MMSI, err)
	}
	return Message{
		Version:  PayloadVersion,
		ID:       uuid.New(),
		Kind:     KindStatic,
		Source:   Source,
		Plugin:   m.Plugin,
		Priority: PriorityHigh,
		SentAt:   now.UTC(),
		Static:   &rec,
	}, nil
}
