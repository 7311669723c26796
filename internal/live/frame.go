package live

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidFrame = errors.New("invalid frame")

// Event is one push notification delivered to handlers. Data is shared by
// every handler of the event and must not be mutated.
type Event struct {
	Name       string
	Data       map[string]any
	ReceivedAt time.Time
}

// Frame types sent by the client.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameEmit        = "emit"
)

// ClientFrame is a control or emit frame written to the transport.
type ClientFrame struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

const frameSchemaURL = "frame.json"

// Server frames: {"event": name, "data": {...}}. Numbers stay json.Number so
// large ids survive decoding.
const frameSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": {"type": "string", "minLength": 1},
    "data": {
      "type": "object",
      "properties": {
        "message": {"type": ["string", "object", "null"]}
      }
    }
  }
}`

type frameDecoder struct {
	schema *jsonschema.Schema
}

func newFrameDecoder() (*frameDecoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, fmt.Errorf("parse frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &frameDecoder{schema: schema}, nil
}

func (d *frameDecoder) decode(raw []byte) (Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := d.schema.Validate(inst); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	obj := inst.(map[string]any)
	ev := Event{Name: obj["event"].(string)}
	if data, ok := obj["data"].(map[string]any); ok {
		ev.Data = data
	} else {
		ev.Data = map[string]any{}
	}
	return ev, nil
}
