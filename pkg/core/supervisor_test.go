package core

import (
	"bytes"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/plexus"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/stretchr/testify/require"
)

// syncBuffer collects the output of children.
type syncBuffer struct {
	lk  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.buf.String()
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func staticLink() (endpoint.Config, error) {
	return endpoint.Config{
		Name: "core",
		Kind: endpoint.KindStream,
		Mode: endpoint.ModeConnect,
		Port: 4100,
		Core: true,
	}, nil
}

func TestSupervisor_StartStop(t *testing.T) {
	requireBinary(t, "sleep")
	sup := newSupervisor(plexus.DefaultCoreID, "", staticLink, &config{logHandler: testLog()})

	desc := Descriptor{ID: "sleeper", Type: "device", Command: "sleep", Args: []string{"30"}, Enabled: true}
	require.NoError(t, sup.Start(desc))
	require.True(t, sup.Running("sleeper"))
	done := sup.Done("sleeper")
	require.NotNil(t, done)

	// Already running: no-op.
	require.NoError(t, sup.Start(desc))
	require.Equal(t, []string{"sleeper"}, sup.RunningIDs())

	require.ErrorIs(t, sup.Stop("ghost"), ErrUnknownTechnology)

	require.NoError(t, sup.Stop("sleeper"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	require.False(t, sup.Running("sleeper"))
	require.Nil(t, sup.Done("sleeper"))
}

func TestSupervisor_InjectsChildConfig(t *testing.T) {
	requireBinary(t, "sh")
	out := &syncBuffer{}
	sup := newSupervisor("hub", "", staticLink, &config{logHandler: testLog(), stdout: out})

	require.NoError(t, sup.Start(Descriptor{
		ID:      "printer",
		Type:    "device",
		Command: "sh",
		Args:    []string{"-c", "printf '%s' \"$" + plexus.EnvTechnology + "\""},
		Options: map[string]any{"unit": 3},
		Endpoints: []endpoint.Config{
			{Name: "modbus", Kind: endpoint.KindSerial, Mode: endpoint.ModeConnect, Path: "/dev/ttyUSB0", Raw: true},
		},
	}))
	done := sup.Done("printer")
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("child did not exit")
		}
	}
	sup.StopAll(t.Context())

	cfg, err := plexus.ParseChildConfig([]byte(out.String()))
	require.NoError(t, err)
	require.Equal(t, "printer", cfg.ID)
	require.Equal(t, "hub", cfg.CoreID)
	require.Len(t, cfg.Endpoints, 2)
	require.True(t, cfg.Endpoints[0].Core)
	require.Equal(t, endpoint.ModeConnect, cfg.Endpoints[0].Mode)
	require.Equal(t, "modbus", cfg.Endpoints[1].Name)
	require.Equal(t, 3, cfg.Options["unit"])
}

func TestSupervisor_StopAll(t *testing.T) {
	requireBinary(t, "sleep")
	sup := newSupervisor(plexus.DefaultCoreID, "", staticLink, &config{logHandler: testLog()})

	for _, id := range []string{"a", "b"} {
		require.NoError(t, sup.Start(Descriptor{ID: id, Type: "device", Command: "sleep", Args: []string{"30"}}))
	}
	sup.StopAll(t.Context())
	require.Empty(t, sup.RunningIDs())
	require.ErrorIs(t, sup.Start(Descriptor{ID: "c", Type: "device", Command: "sleep", Args: []string{"30"}}), ErrSupervisorShutdown)
}

func TestSupervisor_StartFailure(t *testing.T) {
	sup := newSupervisor(plexus.DefaultCoreID, "", staticLink, &config{logHandler: testLog()})
	err := sup.Start(Descriptor{ID: "ghost", Type: "device", Command: "/nonexistent/" + strings.Repeat("x", 8)})
	require.Error(t, err)
	require.False(t, sup.Running("ghost"))
}
