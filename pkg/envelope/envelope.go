// Package envelope implements the message unit exchanged between
// Technologies: routing header, correlation, request to answer conversion
// and the framing used to carry envelopes over byte streams.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// DefaultTimeout applies to requests that do not carry an explicit
// `timeoutMs`. It is also omitted from the wire form.
const DefaultTimeout = 5 * time.Second

const (
	keyID          = "id"
	keyType        = "type"
	keyFromID      = "fromId"
	keyToID        = "toId"
	keyNeedsAnswer = "needsAnswer"
	keyTimeoutMs   = "timeoutMs"
	keyIsAnswer    = "isAnswer"
	keyResult      = "result"
)

var reservedKeys = map[string]struct{}{
	keyID: {}, keyType: {}, keyFromID: {}, keyToID: {}, keyNeedsAnswer: {},
	keyTimeoutMs: {}, keyIsAnswer: {}, keyResult: {},
}

var (
	ErrMissingField    = errors.New("envelope: required field is missing")
	ErrReservedKey     = errors.New("envelope: payload key is reserved")
	ErrAlreadyAnswered = errors.New("envelope: already converted to an answer")
	ErrNoPayload       = errors.New("envelope: payload key not found")
	ErrMalformed       = errors.New("envelope: malformed envelope")
)

// Envelope is both the request and, once converted with ToAnswer, its answer.
// There is no distinct answer type.
type Envelope struct {
	ID          string
	Type        string
	FromID      string
	ToID        string
	NeedsAnswer bool
	TimeoutMs   int64
	IsAnswer    bool
	Result      json.RawMessage

	payload map[string]json.RawMessage
	raw     []byte
}

// NewID returns a random correlation key.
func NewID() string {
	return uuid.NewString()
}

// New creates a fire-and-forget envelope.
func New(typ, toID string) *Envelope {
	return &Envelope{
		ID:   NewID(),
		Type: typ,
		ToID: toID,
	}
}

// NewRequest creates an envelope expecting an answer within timeout.
// A zero timeout means DefaultTimeout.
func NewRequest(typ, toID string, timeout time.Duration) *Envelope {
	env := New(typ, toID)
	env.NeedsAnswer = true
	env.TimeoutMs = timeout.Milliseconds()
	return env
}

// IsRequest reports whether the envelope has not been answered yet.
func (env *Envelope) IsRequest() bool {
	return !env.IsAnswer
}

// Timeout returns how long the sender waits for the answer.
func (env *Envelope) Timeout() time.Duration {
	if env.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(env.TimeoutMs) * time.Millisecond
}

// ToAnswer converts the request into its answer, in place. It swaps the
// routing IDs, drops the request-only fields and stores result (when
// non-nil) along with the extra payload keys. It can only happen once.
func (env *Envelope) ToAnswer(result any, extra map[string]any) error {
	if env.IsAnswer {
		return ErrAlreadyAnswered
	}

	var encoded json.RawMessage
	if result != nil {
		buf, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		encoded = buf
	}

	for _, key := range slices.Sorted(maps.Keys(extra)) {
		if err := env.Set(key, extra[key]); err != nil {
			return err
		}
	}

	env.FromID, env.ToID = env.ToID, env.FromID
	env.IsAnswer = true
	env.NeedsAnswer = false
	env.TimeoutMs = 0
	env.Result = encoded
	env.raw = nil
	return nil
}

// Clone returns a copy of env that ToAnswer on either side leaves alone.
func (env *Envelope) Clone() *Envelope {
	c := *env
	c.Result = json.RawMessage(bytes.Clone(env.Result))
	c.payload = maps.Clone(env.payload)
	c.raw = bytes.Clone(env.raw)
	return &c
}

// Succeeded reports whether the answer carries a `true` result.
func (env *Envelope) Succeeded() bool {
	var ok bool
	if len(env.Result) == 0 {
		return false
	}
	if err := json.Unmarshal(env.Result, &ok); err != nil {
		return false
	}
	return ok
}

// DecodeResult unmarshals the answer result into v.
func (env *Envelope) DecodeResult(v any) error {
	if len(env.Result) == 0 {
		return ErrNoPayload
	}
	return json.Unmarshal(env.Result, v)
}

// Set stores a payload key.
func (env *Envelope) Set(key string, v any) error {
	if _, reserved := reservedKeys[key]; reserved {
		return fmt.Errorf("%w: %s", ErrReservedKey, key)
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.payload == nil {
		env.payload = make(map[string]json.RawMessage)
	}
	env.payload[key] = buf
	env.raw = nil
	return nil
}

// Get unmarshals the payload key into v.
func (env *Envelope) Get(key string, v any) error {
	raw, ok := env.payload[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPayload, key)
	}
	return json.Unmarshal(raw, v)
}

// String is a shortcut for string payload values, empty when missing.
func (env *Envelope) String(key string) string {
	var s string
	if err := env.Get(key, &s); err != nil {
		return ""
	}
	return s
}

func (env *Envelope) Has(key string) bool {
	_, ok := env.payload[key]
	return ok
}

// Payload returns a copy of the payload keys.
func (env *Envelope) Payload() map[string]json.RawMessage {
	return maps.Clone(env.payload)
}

// Raw returns the frame the envelope was decoded from, nil once the
// envelope has been modified.
func (env *Envelope) Raw() []byte {
	return env.raw
}

func (env *Envelope) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String(keyID, env.ID),
		slog.String(keyType, env.Type),
	}
	if env.FromID != "" {
		attrs = append(attrs, slog.String(keyFromID, env.FromID))
	}
	if env.ToID != "" {
		attrs = append(attrs, slog.String(keyToID, env.ToID))
	}
	if env.IsAnswer {
		attrs = append(attrs, slog.Bool(keyIsAnswer, true))
	}
	return slog.GroupValue(attrs...)
}

// MarshalJSON writes the compact wire form, omitting default values.
func (env *Envelope) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(128)
	buf.WriteByte('{')
	w := fieldWriter{buf: &buf}

	w.field(keyID, env.ID)
	w.field(keyType, env.Type)
	if env.FromID != "" {
		w.field(keyFromID, env.FromID)
	}
	if env.ToID != "" {
		w.field(keyToID, env.ToID)
	}
	if env.NeedsAnswer {
		w.field(keyNeedsAnswer, true)
	}
	if env.TimeoutMs > 0 && env.TimeoutMs != DefaultTimeout.Milliseconds() {
		w.field(keyTimeoutMs, env.TimeoutMs)
	}
	if env.IsAnswer {
		w.field(keyIsAnswer, true)
	}
	if len(env.Result) > 0 {
		w.rawField(keyResult, env.Result)
	}
	for _, key := range slices.Sorted(maps.Keys(env.payload)) {
		w.rawField(key, env.payload[key])
	}
	if w.err != nil {
		return nil, w.err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts any object carrying at least `id` and `type`.
func (env *Envelope) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	decoded := Envelope{}
	targets := map[string]any{
		keyID:          &decoded.ID,
		keyType:        &decoded.Type,
		keyFromID:      &decoded.FromID,
		keyToID:        &decoded.ToID,
		keyNeedsAnswer: &decoded.NeedsAnswer,
		keyTimeoutMs:   &decoded.TimeoutMs,
		keyIsAnswer:    &decoded.IsAnswer,
	}
	for key, raw := range fields {
		if key == keyResult {
			compacted, err := compact(raw)
			if err != nil {
				return err
			}
			decoded.Result = compacted
			continue
		}
		target, reserved := targets[key]
		if !reserved {
			compacted, err := compact(raw)
			if err != nil {
				return err
			}
			if decoded.payload == nil {
				decoded.payload = make(map[string]json.RawMessage)
			}
			decoded.payload[key] = compacted
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("%w: field %s: %w", ErrMalformed, key, err)
		}
	}

	if decoded.ID == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, keyID)
	}
	if decoded.Type == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, keyType)
	}

	*env = decoded
	return nil
}

// Decode parses a single frame and remembers it for verbatim forwarding.
func Decode(frame []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, err
	}
	env.raw = slices.Clone(frame)
	return env, nil
}

// Encode marshals env and applies the framing.
func Encode(env *Envelope, framing Framing) ([]byte, error) {
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return framing.Frame(buf), nil
}

// compact keeps stored values free of newlines so they never break the
// newline framing once re-encoded.
func compact(raw []byte) (json.RawMessage, error) {
	var out bytes.Buffer
	if err := json.Compact(&out, raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return out.Bytes(), nil
}

type fieldWriter struct {
	buf   *bytes.Buffer
	count int
	err   error
}

func (w *fieldWriter) field(key string, v any) {
	if w.err != nil {
		return
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		w.err = fmt.Errorf("%w: field %s: %w", ErrMalformed, key, err)
		return
	}
	w.rawField(key, encoded)
}

func (w *fieldWriter) rawField(key string, raw []byte) {
	if w.err != nil {
		return
	}
	encodedKey, err := json.Marshal(key)
	if err != nil {
		w.err = fmt.Errorf("%w: key %s: %w", ErrMalformed, key, err)
		return
	}
	if w.count > 0 {
		w.buf.WriteByte(',')
	}
	w.count++
	w.buf.Write(encodedKey)
	w.buf.WriteByte(':')
	w.buf.Write(raw)
}
