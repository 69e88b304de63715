package envelope

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_ToAnswer(t *testing.T) {
	req := NewRequest("ping", "t2", 50*time.Millisecond)
	req.FromID = "t1"
	require.NoError(t, req.Set("payload", "hello"))

	require.NoError(t, req.ToAnswer(true, map[string]any{"latency": 12}))
	require.True(t, req.IsAnswer)
	require.False(t, req.IsRequest())
	require.Equal(t, "t2", req.FromID, "fromId and toId must be swapped")
	require.Equal(t, "t1", req.ToID, "fromId and toId must be swapped")
	require.False(t, req.NeedsAnswer)
	require.Zero(t, req.TimeoutMs)
	require.True(t, req.Succeeded())
	require.Equal(t, "hello", req.String("payload"), "payload must survive the conversion")

	var latency int
	require.NoError(t, req.Get("latency", &latency))
	require.Equal(t, 12, latency)

	require.ErrorIs(t, req.ToAnswer(false, nil), ErrAlreadyAnswered)
	require.Equal(t, "t2", req.FromID, "a rejected conversion must not swap again")
	require.True(t, req.Succeeded(), "a rejected conversion must keep the first result")
}

func TestEnvelope_WireOmitsDefaults(t *testing.T) {
	env := New("notify", "")
	env.ID = "42"
	env.TimeoutMs = DefaultTimeout.Milliseconds()

	buf, err := json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"42","type":"notify"}`, string(buf))

	req := NewRequest("ping", "t2", 50*time.Millisecond)
	req.ID = "43"
	req.FromID = "t1"
	buf, err = json.Marshal(req)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"id":"43","type":"ping","fromId":"t1","toId":"t2","needsAnswer":true,"timeoutMs":50}`,
		string(buf),
	)
}

func TestEnvelope_DecodeKeepsPayload(t *testing.T) {
	frame := []byte(`{"id":"1","type":"state","toId":"core","device":{"name":"lamp",
		"on":true},"level":3}`)
	env, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, "1", env.ID)
	require.Equal(t, "core", env.ToID)
	require.Equal(t, DefaultTimeout, env.Timeout())
	require.Equal(t, frame, env.Raw())

	var device struct {
		Name string `json:"name"`
		On   bool   `json:"on"`
	}
	require.NoError(t, env.Get("device", &device))
	require.Equal(t, "lamp", device.Name)
	require.True(t, device.On)

	encoded, err := Encode(env, FramingNewline)
	require.NoError(t, err)
	require.Equal(t, byte('\n'), encoded[len(encoded)-1])
	require.NotContains(t, string(encoded[:len(encoded)-1]), "\n", "payload must be compacted")
}

func TestEnvelope_DecodeRejectsIncomplete(t *testing.T) {
	_, err := Decode([]byte(`{"type":"ping"}`))
	require.ErrorIs(t, err, ErrMissingField)

	_, err = Decode([]byte(`{"id":"1"}`))
	require.ErrorIs(t, err, ErrMissingField)

	_, err = Decode([]byte(`{"id":1,"type":"ping"}`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEnvelope_ReservedKeys(t *testing.T) {
	env := New("ping", "t2")
	require.ErrorIs(t, env.Set("toId", "t3"), ErrReservedKey)
	require.Equal(t, "t2", env.ToID)
	require.False(t, env.Has("toId"))
}

func TestEnvelope_UniqueIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for range 10000 {
		id := NewID()
		_, dup := seen[id]
		require.False(t, dup, "ids must not collide under high request rates")
		seen[id] = struct{}{}
	}
}

func TestEnvelope_CloneIsIndependent(t *testing.T) {
	req, err := Decode([]byte(`{"id":"42","type":"ping","fromId":"sensor","toId":"core","needsAnswer":true,"unit":3}`))
	require.NoError(t, err)

	snapshot := req.Clone()
	require.NoError(t, req.ToAnswer(true, map[string]any{"unit": 4}))

	require.Equal(t, "sensor", snapshot.FromID)
	require.Equal(t, "core", snapshot.ToID)
	require.True(t, snapshot.IsRequest())
	require.True(t, snapshot.NeedsAnswer)

	var unit int
	require.NoError(t, snapshot.Get("unit", &unit))
	require.Equal(t, 3, unit)
	require.NotEmpty(t, snapshot.Raw())
}
