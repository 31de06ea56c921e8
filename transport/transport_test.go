package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tss-session-relay/api/relayhandler"
	"github.com/ruteri/tss-session-relay/cryptoutils"
	"github.com/ruteri/tss-session-relay/interfaces"
	"github.com/ruteri/tss-session-relay/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(t *testing.T) cryptoutils.SessionKey {
	key, err := cryptoutils.NewSessionKey()
	require.NoError(t, err)
	return key
}

// newRelay starts an in-process relay. failFirst makes the first n POST /message
// requests answer 500.
func newRelay(t *testing.T, failFirst int) (*httptest.Server, *relay.Store, func() int) {
	t.Helper()
	store := relay.NewStore()
	r := chi.NewRouter()
	relayhandler.NewHandler(store, testLogger()).RegisterRoutes(r)

	var mu sync.Mutex
	posts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPost {
			mu.Lock()
			posts++
			n := posts
			mu.Unlock()
			if n <= failFirst {
				http.Error(w, "unavailable", http.StatusInternalServerError)
				return
			}
		}
		r.ServeHTTP(w, req)
	}))
	t.Cleanup(server.Close)

	return server, store, func() int {
		mu.Lock()
		defer mu.Unlock()
		return posts
	}
}

type mockRelayClient struct {
	mock.Mock
}

func (m *mockRelayClient) PostMessage(ctx context.Context, messageID string, msg *interfaces.Message) error {
	return m.Called(ctx, messageID, msg).Error(0)
}

func (m *mockRelayClient) GetMessages(ctx context.Context, sessionID, messageID, deviceID string, since uint64) ([]interfaces.Message, error) {
	args := m.Called(ctx, sessionID, messageID, deviceID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.Message), args.Error(1)
}

func (m *mockRelayClient) AckMessage(ctx context.Context, sessionID, messageID, deviceID string, msg *interfaces.Message) error {
	return m.Called(ctx, sessionID, messageID, deviceID, msg).Error(0)
}

func TestSequenceNumbersGapFree(t *testing.T) {
	client := new(mockRelayClient)
	var seqs []uint64
	client.On("PostMessage", mock.Anything, "", mock.Anything).Run(func(args mock.Arguments) {
		msg := args.Get(2).(*interfaces.Message)
		if msg.From == "D1" {
			seqs = append(seqs, msg.SequenceNo)
		}
	}).Return(nil)

	m, err := NewMessenger(MessengerConfig{SessionID: "S1", Key: testKey(t), Client: client, Log: testLogger()})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.SendToPeer("D1", "D2", "payload"))
	}
	require.NoError(t, m.SendToPeer("D2", "D1", "payload"))

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
	assert.Equal(t, uint64(6), m.NextSequence("D1"))
	assert.Equal(t, uint64(2), m.NextSequence("D2"))
	assert.Equal(t, Stats{Sent: 6}, m.Stats())
}

func TestSendToUnreachableRelay(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	m, err := NewMessenger(MessengerConfig{
		SessionID: "S1",
		Key:       testKey(t),
		Client:    relayhandler.NewClient(url, nil),
		Log:       testLogger(),
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), m.NextSequence("D1"))
	assert.NoError(t, m.SendToPeer("D1", "D2", "payload"))
	assert.Equal(t, uint64(2), m.NextSequence("D1"))
	assert.Equal(t, Stats{Failed: 1}, m.Stats())
}

func TestSendRetriesServerErrors(t *testing.T) {
	server, store, posts := newRelay(t, 2)

	m, err := NewMessenger(MessengerConfig{
		SessionID: "S1",
		Key:       testKey(t),
		Client:    relayhandler.NewClient(server.URL, nil),
		Log:       testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, m.SendToPeer("D1", "D2", "payload"))
	assert.Equal(t, 3, posts())
	assert.Len(t, store.GetMessages("S1", "", "D2", 0), 1)
	assert.Equal(t, Stats{Sent: 1}, m.Stats())
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	server, store, posts := newRelay(t, 10)

	m, err := NewMessenger(MessengerConfig{
		SessionID:  "S1",
		Key:        testKey(t),
		Client:     relayhandler.NewClient(server.URL, nil),
		NewBackOff: ExponentialBackOff(time.Millisecond),
		Log:        testLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, m.SendToPeer("D1", "D2", "payload"))
	assert.Equal(t, DefaultMaxAttempts, posts())
	assert.Empty(t, store.GetMessages("S1", "", "D2", 0))
	assert.Equal(t, Stats{Failed: 1}, m.Stats())
}

func TestSendConflictIsNotRetried(t *testing.T) {
	client := new(mockRelayClient)
	client.On("PostMessage", mock.Anything, "", mock.Anything).
		Return(&relayhandler.StatusError{StatusCode: http.StatusConflict}).Once()

	m, err := NewMessenger(MessengerConfig{SessionID: "S1", Key: testKey(t), Client: client, Log: testLogger()})
	require.NoError(t, err)

	require.NoError(t, m.SendToPeer("D1", "D2", "payload"))
	client.AssertNumberOfCalls(t, "PostMessage", 1)
	assert.Equal(t, Stats{Failed: 1}, m.Stats())
}

func TestSendStopsOnCancelledSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := new(mockRelayClient)
	client.On("PostMessage", mock.Anything, "", mock.Anything).Return(context.Canceled)

	m, err := NewMessenger(MessengerConfig{SessionID: "S1", Key: testKey(t), Client: client, Context: ctx, Log: testLogger()})
	require.NoError(t, err)

	require.NoError(t, m.SendToPeer("D1", "D2", "payload"))
	client.AssertNumberOfCalls(t, "PostMessage", 1)
	assert.Equal(t, uint64(2), m.NextSequence("D1"))
}

func TestSendEmptyRecipients(t *testing.T) {
	client := new(mockRelayClient)
	m, err := NewMessenger(MessengerConfig{SessionID: "S1", Key: testKey(t), Client: client, Log: testLogger()})
	require.NoError(t, err)

	require.NoError(t, m.SendToPeer("D1", " , ", "payload"))
	client.AssertNotCalled(t, "PostMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestNewMessengerValidation(t *testing.T) {
	_, err := NewMessenger(MessengerConfig{SessionID: "S1", Key: []byte("short"), Client: new(mockRelayClient)})
	assert.ErrorIs(t, err, cryptoutils.ErrInvalidSessionKey)

	_, err = NewMessenger(MessengerConfig{Key: testKey(t), Client: new(mockRelayClient)})
	assert.Error(t, err)
}

func TestSendAndPollEndToEnd(t *testing.T) {
	server, store, _ := newRelay(t, 0)
	key := testKey(t)
	client := relayhandler.NewClient(server.URL, nil)

	m, err := NewMessenger(MessengerConfig{SessionID: "S1", Key: key, Client: client, Log: testLogger()})
	require.NoError(t, err)

	require.NoError(t, m.SendToPeer("D1", "D2,D3", "round 1"))
	require.NoError(t, m.SendToPeer("D1", "D2", "round 2"))

	p, err := NewPoller(PollerConfig{SessionID: "S1", LocalPartyID: "D2", Key: key, Client: client, Log: testLogger()})
	require.NoError(t, err)

	inbound, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, inbound, 2)
	assert.Equal(t, []byte("round 1"), inbound[0].Body)
	assert.Equal(t, cryptoutils.Digest([]byte("round 1")), inbound[0].Hash)
	assert.Equal(t, uint64(1), inbound[0].SequenceNo)
	assert.Equal(t, []byte("round 2"), inbound[1].Body)

	// Nothing is deleted until the engine acknowledges it.
	assert.Len(t, store.GetMessages("S1", "", "D2", 0), 2)

	p.Ack(context.Background(), inbound[0])
	remaining := store.GetMessages("S1", "", "D2", 0)
	require.Len(t, remaining, 1)
	assert.Equal(t, uint64(2), remaining[0].SequenceNo)

	p.Ack(context.Background(), inbound[1])
	assert.Empty(t, store.GetMessages("S1", "", "D2", 0))
	assert.Len(t, store.GetMessages("S1", "", "D3", 0), 1)
}

func TestPollSkipsAppliedMessages(t *testing.T) {
	server, store, _ := newRelay(t, 0)
	key := testKey(t)
	client := relayhandler.NewClient(server.URL, nil)

	msg, err := cryptoutils.SealMessage("S1", "D1", []string{"D2"}, []byte("once"), 1, key)
	require.NoError(t, err)
	require.NoError(t, store.PostMessage("S1", "", msg))

	p, err := NewPoller(PollerConfig{SessionID: "S1", LocalPartyID: "D2", Key: key, Client: client, Log: testLogger()})
	require.NoError(t, err)

	inbound, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, inbound, 1)

	// Until acknowledged the message is returned again.
	again, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, inbound, again)

	p.Ack(context.Background(), inbound[0])
	assert.Empty(t, store.GetMessages("S1", "", "D2", 0))

	// A late retry of the same envelope lands again after the ack.
	require.NoError(t, store.PostMessage("S1", "", msg))
	inbound, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inbound)
	assert.Empty(t, store.GetMessages("S1", "", "D2", 0))
}

func TestPollRejectsTamperedMessage(t *testing.T) {
	server, store, _ := newRelay(t, 0)
	key := testKey(t)
	client := relayhandler.NewClient(server.URL, nil)

	good, err := cryptoutils.SealMessage("S1", "D1", []string{"D2"}, []byte("good"), 2, key)
	require.NoError(t, err)
	require.NoError(t, store.PostMessage("S1", "", good))

	forged, err := cryptoutils.SealMessage("S1", "D3", []string{"D2"}, []byte("original"), 1, key)
	require.NoError(t, err)
	forged.Hash = cryptoutils.Digest([]byte("something else"))
	require.NoError(t, store.PostMessage("S1", "", forged))

	p, err := NewPoller(PollerConfig{SessionID: "S1", LocalPartyID: "D2", Key: key, Client: client, Log: testLogger()})
	require.NoError(t, err)

	inbound, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, inbound, 1)
	assert.Equal(t, []byte("good"), inbound[0].Body)
	assert.Equal(t, int64(1), p.IntegrityFailures())

	// The forged message is dropped at once, the good one waits for the ack.
	remaining := store.GetMessages("S1", "", "D2", 0)
	require.Len(t, remaining, 1)
	assert.Equal(t, "D1", remaining[0].From)

	p.Ack(context.Background(), inbound[0])
	assert.Empty(t, store.GetMessages("S1", "", "D2", 0))
	assert.Equal(t, int64(1), p.IntegrityFailures())
}

func TestPollIntegrityThreshold(t *testing.T) {
	server, store, _ := newRelay(t, 0)
	client := relayhandler.NewClient(server.URL, nil)

	// Messages sealed under a different key.
	wrongKey := testKey(t)
	for seq := uint64(1); seq <= DefaultMaxIntegrityFailures; seq++ {
		msg, err := cryptoutils.SealMessage("S1", "D1", []string{"D2"}, []byte("x"), seq, wrongKey)
		require.NoError(t, err)
		require.NoError(t, store.PostMessage("S1", "", msg))
	}

	p, err := NewPoller(PollerConfig{SessionID: "S1", LocalPartyID: "D2", Key: testKey(t), Client: client, Log: testLogger()})
	require.NoError(t, err)

	_, err = p.Poll(context.Background())
	assert.ErrorIs(t, err, ErrSessionIntegrity)

	err = p.Run(context.Background(), func(Inbound) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, ErrSessionIntegrity)
}

func TestRunUntilDone(t *testing.T) {
	server, _, _ := newRelay(t, 0)
	key := testKey(t)
	client := relayhandler.NewClient(server.URL, nil)

	m, err := NewMessenger(MessengerConfig{SessionID: "S1", Key: key, Client: client, Log: testLogger()})
	require.NoError(t, err)
	p, err := NewPoller(PollerConfig{SessionID: "S1", LocalPartyID: "D2", Key: key, Client: client, PollInterval: 10 * time.Millisecond, Log: testLogger()})
	require.NoError(t, err)

	go func() {
		for _, body := range []string{"a", "b", "c"} {
			time.Sleep(20 * time.Millisecond)
			m.SendToPeer("D1", "D2", body)
		}
	}()

	var received []string
	err = p.Run(context.Background(), func(in Inbound) (bool, error) {
		received = append(received, string(in.Body))
		return len(received) == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, received)
}

func TestRunTimeoutAndApplyError(t *testing.T) {
	server, store, _ := newRelay(t, 0)
	key := testKey(t)
	client := relayhandler.NewClient(server.URL, nil)

	p, err := NewPoller(PollerConfig{
		SessionID:    "S1",
		LocalPartyID: "D2",
		Key:          key,
		Client:       client,
		PollInterval: 5 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
		Log:          testLogger(),
	})
	require.NoError(t, err)

	err = p.Run(context.Background(), func(Inbound) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, ErrPollTimeout)

	msg, err := cryptoutils.SealMessage("S1", "D1", []string{"D2"}, []byte("bad round"), 1, key)
	require.NoError(t, err)
	require.NoError(t, store.PostMessage("S1", "", msg))

	engineErr := errors.New("engine rejected message")
	err = p.Run(context.Background(), func(Inbound) (bool, error) { return false, engineErr })
	assert.ErrorIs(t, err, engineErr)
	assert.Len(t, store.GetMessages("S1", "", "D2", 0), 1)
}

func TestRunLeavesUnappliedMessages(t *testing.T) {
	server, store, _ := newRelay(t, 0)
	key := testKey(t)
	client := relayhandler.NewClient(server.URL, nil)

	for seq, body := range []string{"m1", "m2", "m3"} {
		msg, err := cryptoutils.SealMessage("S1", "D1", []string{"D2"}, []byte(body), uint64(seq+1), key)
		require.NoError(t, err)
		require.NoError(t, store.PostMessage("S1", "", msg))
	}

	p, err := NewPoller(PollerConfig{SessionID: "S1", LocalPartyID: "D2", Key: key, Client: client, Log: testLogger()})
	require.NoError(t, err)

	var applied []string
	err = p.Run(context.Background(), func(in Inbound) (bool, error) {
		applied = append(applied, string(in.Body))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, applied)

	remaining := store.GetMessages("S1", "", "D2", 0)
	require.Len(t, remaining, 2)

	// The next round picks up where this one stopped.
	next, err := NewPoller(PollerConfig{SessionID: "S1", LocalPartyID: "D2", Key: key, Client: client, Log: testLogger()})
	require.NoError(t, err)
	inbound, err := next.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, inbound, 2)
	assert.Equal(t, []byte("m2"), inbound[0].Body)
	assert.Equal(t, []byte("m3"), inbound[1].Body)
}

func TestAckFailureIsNotReapplied(t *testing.T) {
	key := testKey(t)
	msg, err := cryptoutils.SealMessage("S1", "D1", []string{"D2"}, []byte("once"), 1, key)
	require.NoError(t, err)

	client := new(mockRelayClient)
	client.On("GetMessages", mock.Anything, "S1", "", "D2", uint64(0)).Return([]interfaces.Message{*msg}, nil)
	client.On("AckMessage", mock.Anything, "S1", "", "D2", mock.Anything).Return(errors.New("relay down"))

	p, err := NewPoller(PollerConfig{SessionID: "S1", LocalPartyID: "D2", Key: key, Client: client, Log: testLogger()})
	require.NoError(t, err)

	inbound, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, inbound, 1)
	p.Ack(context.Background(), inbound[0])

	// The relay still serves the copy but the engine does not see it twice.
	inbound, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inbound)
	client.AssertNumberOfCalls(t, "AckMessage", 2)
}
