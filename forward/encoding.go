package forward

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/xerrors"
)

// Encoding serializes messages and dead letters for a sink.
type Encoding interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
}

type jsonEncoding struct{}

func (jsonEncoding) Name() string                  { return "json" }
func (jsonEncoding) ContentType() string           { return "application/json" }
func (jsonEncoding) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// cborEncoding uses core deterministic encoding, so the same message always
// produces the same bytes. Field names follow the json tags.
type cborEncoding struct {
	mode cbor.EncMode
}

func (cborEncoding) Name() string                    { return "cbor" }
func (cborEncoding) ContentType() string             { return "application/cbor" }
func (e cborEncoding) Marshal(v any) ([]byte, error) { return e.mode.Marshal(v) }

var (
	JSON Encoding = jsonEncoding{}
	CBOR Encoding = newCBOR()
)

func newCBOR() Encoding {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	// Ids encode as their text form, the same as in JSON.
	opts.BinaryMarshaler = cbor.BinaryMarshalerNone
	opts.TextMarshaler = cbor.TextMarshalerTextString
	mode, err := opts.EncMode()
	if err != nil {
		panic("forward: CBOR encoder initialization failed: " + err.Error())
	}
	return cborEncoding{mode: mode}
}

// ParseEncoding returns the encoding named name. Empty means JSON.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	return nil, xerrors.Errorf("unknown encoding %q, expected json or cbor", name)
}
