package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ErrMalformed is returned for frames that are not a valid envelope.
var ErrMalformed = errors.New("malformed event")

// Envelope is the frame exchanged over the control channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode serializes an event and its payload into a control-channel frame.
// A nil payload produces an envelope without data.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode deserializes a control-channel frame into an Envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return env, nil
}

// Bind unmarshals the envelope data into v and validates struct tags.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Event, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Event, err)
	}
	return nil
}
