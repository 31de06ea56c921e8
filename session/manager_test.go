package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/ruteri/tss-session-relay/api"
	"github.com/ruteri/tss-session-relay/interfaces"
	"github.com/ruteri/tss-session-relay/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager() *Manager {
	return NewManager(Config{
		Server: api.HTTPServerConfig{ListenAddr: "127.0.0.1:0"},
		Log:    testLogger(),
	})
}

func hello(addr string) error {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get("http://" + addr + "/hello")
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(resp.Status)
	}
	return nil
}

func TestStartStop(t *testing.T) {
	m := newTestManager()
	assert.Equal(t, StateStopped, m.State())
	assert.Error(t, m.Context().Err())

	require.NoError(t, m.Start("A"))
	assert.Equal(t, StateRunning, m.State())
	name, addr := m.Current()
	assert.Equal(t, "A", name)
	require.NoError(t, hello(addr))

	ctx := m.Context()
	assert.NoError(t, ctx.Err())

	require.NoError(t, m.Stop())
	assert.Equal(t, StateStopped, m.State())
	assert.Error(t, ctx.Err())
	assert.Error(t, hello(addr))

	// Idempotent.
	require.NoError(t, m.Stop())
}

func TestStartSameSessionIsNoop(t *testing.T) {
	m := newTestManager()
	defer m.Stop()

	require.NoError(t, m.Start("A"))
	_, addr1 := m.Current()
	require.NoError(t, m.Start("A"))
	_, addr2 := m.Current()

	assert.Equal(t, addr1, addr2)
	require.NoError(t, hello(addr2))
}

func TestStartDifferentSessionReplacesRelay(t *testing.T) {
	m := newTestManager()
	defer m.Stop()

	require.NoError(t, m.Start("A"))
	_, addrA := m.Current()
	require.NoError(t, m.Store().PostMessage("S1", "", &interfaces.Message{
		SessionID: "S1", From: "D1", To: []string{"D2"}, Body: "b", Hash: "ab", SequenceNo: 1,
	}))

	require.NoError(t, m.Start("B"))
	name, addrB := m.Current()
	assert.Equal(t, "B", name)

	assert.Error(t, hello(addrA))
	require.NoError(t, hello(addrB))

	// The previous session's buffered messages do not leak into the new one.
	assert.Equal(t, 0, m.Store().SessionCount())
}

func TestStartEmptyName(t *testing.T) {
	m := newTestManager()
	assert.ErrorIs(t, m.Start(""), ErrEmptySessionName)
}

func TestSubscribe(t *testing.T) {
	m := newTestManager()
	defer m.Stop()

	early, cancelEarly := m.Subscribe()
	defer cancelEarly()

	require.NoError(t, m.Start("A"))

	select {
	case ev := <-early:
		assert.Equal(t, "A", ev.SessionName)
	case <-time.After(time.Second):
		t.Fatal("no readiness event")
	}

	late, cancelLate := m.Subscribe()
	select {
	case ev := <-late:
		assert.Equal(t, "A", ev.SessionName)
	default:
		t.Fatal("late subscriber did not receive current readiness")
	}

	cancelLate()
	_, ok := <-late
	assert.False(t, ok)

	// Re-announced on idempotent start.
	require.NoError(t, m.Start("A"))
	select {
	case ev := <-early:
		assert.Equal(t, "A", ev.SessionName)
	default:
		t.Fatal("no re-announcement")
	}
}

func TestSubscribeLatestWins(t *testing.T) {
	m := newTestManager()
	defer m.Stop()

	ch, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.Start("A"))
	require.NoError(t, m.Start("B"))

	ev := <-ch
	assert.Equal(t, "B", ev.SessionName)
	select {
	case <-ch:
		t.Fatal("stale event delivered")
	default:
	}
}

type mockRelayServer struct {
	mock.Mock
}

func (m *mockRelayServer) RunInBackground() error {
	return m.Called().Error(0)
}

func (m *mockRelayServer) Addr() string {
	return m.Called().String(0)
}

func (m *mockRelayServer) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockRelayServer) Close() error {
	return m.Called().Error(0)
}

func TestStartFailsWhenPreviousStopFails(t *testing.T) {
	stuck := new(mockRelayServer)
	stuck.On("RunInBackground").Return(nil)
	stuck.On("Addr").Return("10.0.0.1:18080")
	stuck.On("Shutdown", mock.Anything).Return(errors.New("shutdown timed out"))
	stuck.On("Close").Return(errors.New("close failed"))

	created := 0
	m := NewManager(Config{
		Log: testLogger(),
		ServerFactory: func(cfg *api.HTTPServerConfig, store *relay.Store) (RelayServer, error) {
			created++
			return stuck, nil
		},
	})

	require.NoError(t, m.Start("A"))
	err := m.Start("B")
	assert.ErrorIs(t, err, ErrStopFailed)
	assert.Equal(t, 1, created)

	name, _ := m.Current()
	assert.Equal(t, "A", name)
	stuck.AssertExpectations(t)
}

func TestStopFallsBackToClose(t *testing.T) {
	srv := new(mockRelayServer)
	srv.On("RunInBackground").Return(nil)
	srv.On("Addr").Return("10.0.0.1:18080")
	srv.On("Shutdown", mock.Anything).Return(context.DeadlineExceeded)
	srv.On("Close").Return(nil)

	m := NewManager(Config{
		Log: testLogger(),
		ServerFactory: func(cfg *api.HTTPServerConfig, store *relay.Store) (RelayServer, error) {
			return srv, nil
		},
	})

	require.NoError(t, m.Start("A"))
	require.NoError(t, m.Stop())
	assert.Equal(t, StateStopped, m.State())
	srv.AssertExpectations(t)
}

func TestStartBindFailure(t *testing.T) {
	srv := new(mockRelayServer)
	srv.On("RunInBackground").Return(errors.New("address in use"))

	m := NewManager(Config{
		Log: testLogger(),
		ServerFactory: func(cfg *api.HTTPServerConfig, store *relay.Store) (RelayServer, error) {
			return srv, nil
		},
	})

	assert.Error(t, m.Start("A"))
	assert.Equal(t, StateStopped, m.State())
}

func TestStartWithoutLogger(t *testing.T) {
	m := NewManager(Config{
		Server: api.HTTPServerConfig{ListenAddr: "127.0.0.1:0", Log: testLogger()},
	})
	defer m.Stop()

	events, cancel := m.Subscribe()
	defer cancel()

	require.NotPanics(t, func() {
		require.NoError(t, m.Start("A"))
	})
	assert.Equal(t, StateRunning, m.State())

	select {
	case ev := <-events:
		assert.Equal(t, "A", ev.SessionName)
		require.NoError(t, hello(ev.Addr))
	case <-time.After(time.Second):
		t.Fatal("no readiness event")
	}

	// Neither logger set: the server falls back to the manager's default logger.
	bare := NewManager(Config{Server: api.HTTPServerConfig{ListenAddr: "127.0.0.1:0"}})
	defer bare.Stop()
	require.NoError(t, bare.Start("B"))
	_, addr := bare.Current()
	require.NoError(t, hello(addr))
}
