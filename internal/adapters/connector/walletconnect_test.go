package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/waybank/internal/domain"
)

// fakeRelay simula el bridge: acepta el websocket y responde a los sobres
// según el guion configurado.
type fakeRelay struct {
	srv *httptest.Server
	// onRequest decide la respuesta a cada session_request
	onRequest func(conn *websocket.Conn, req wcMessage)
}

func newFakeRelay(t *testing.T, onRequest func(conn *websocket.Conn, req wcMessage)) *fakeRelay {
	t.Helper()
	upgrader := websocket.Upgrader{}
	relay := &fakeRelay{onRequest: onRequest}
	relay.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		go func() {
			defer conn.Close()
			for {
				var msg wcMessage
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				if msg.Type == wcSessionRequest && relay.onRequest != nil {
					relay.onRequest(conn, msg)
				}
			}
		}()
	}))
	t.Cleanup(relay.srv.Close)
	return relay
}

func (f *fakeRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func approvingRelay(t *testing.T, addr string, chainID int64) *fakeRelay {
	return newFakeRelay(t, func(conn *websocket.Conn, req wcMessage) {
		_ = conn.WriteJSON(wcMessage{
			Type:     wcSessionApprove,
			Topic:    req.Topic,
			Accounts: []string{addr},
			ChainID:  chainID,
		})
	})
}

func TestWalletConnectConnect(t *testing.T) {
	relay := approvingRelay(t, "0xAbCd000000000000000000000000000000000001", 8453)
	events := make(chan domain.ProviderEvent, 8)
	wc := NewWalletConnect(WalletConnectConfig{RelayURL: relay.wsURL(), HandshakeTimeout: 2 * time.Second}, events)

	acct, err := wc.Connect(context.Background())
	require.NoError(t, err)
	defer wc.Disconnect(context.Background())

	assert.Equal(t, "0xabcd000000000000000000000000000000000001", acct.Address)
	assert.Equal(t, int64(8453), acct.ChainID)

	current, err := wc.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, acct, current)
}

func TestWalletConnectRejection(t *testing.T) {
	relay := newFakeRelay(t, func(conn *websocket.Conn, req wcMessage) {
		_ = conn.WriteJSON(wcMessage{Type: wcSessionReject, Topic: req.Topic, Error: "user declined"})
	})
	wc := NewWalletConnect(WalletConnectConfig{RelayURL: relay.wsURL(), HandshakeTimeout: 2 * time.Second},
		make(chan domain.ProviderEvent, 1))

	_, err := wc.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrUserRejected)
}

func TestWalletConnectSessionUpdateEmitsEvent(t *testing.T) {
	var serverConn *websocket.Conn
	var topic string
	connected := make(chan struct{})
	relay := newFakeRelay(t, func(conn *websocket.Conn, req wcMessage) {
		serverConn = conn
		topic = req.Topic
		_ = conn.WriteJSON(wcMessage{
			Type:     wcSessionApprove,
			Topic:    req.Topic,
			Accounts: []string{"0xaaa0000000000000000000000000000000000001"},
			ChainID:  1,
		})
		close(connected)
	})

	events := make(chan domain.ProviderEvent, 8)
	wc := NewWalletConnect(WalletConnectConfig{RelayURL: relay.wsURL(), HandshakeTimeout: 2 * time.Second}, events)

	_, err := wc.Connect(context.Background())
	require.NoError(t, err)
	defer wc.Disconnect(context.Background())
	<-connected

	require.NoError(t, serverConn.WriteJSON(wcMessage{
		Type:     wcSessionUpdate,
		Topic:    topic,
		Accounts: []string{"0xBBB0000000000000000000000000000000000002"},
	}))

	select {
	case ev := <-events:
		assert.Equal(t, domain.EventAccountsChanged, ev.Type)
		assert.Equal(t, domain.KindWalletConnect, ev.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestWalletConnectRemoteDeleteEmitsDisconnect(t *testing.T) {
	var serverConn *websocket.Conn
	var topic string
	connected := make(chan struct{})
	relay := newFakeRelay(t, func(conn *websocket.Conn, req wcMessage) {
		serverConn = conn
		topic = req.Topic
		_ = conn.WriteJSON(wcMessage{
			Type: wcSessionApprove, Topic: req.Topic,
			Accounts: []string{"0xccc0000000000000000000000000000000000003"}, ChainID: 1,
		})
		close(connected)
	})

	events := make(chan domain.ProviderEvent, 8)
	wc := NewWalletConnect(WalletConnectConfig{RelayURL: relay.wsURL(), HandshakeTimeout: 2 * time.Second}, events)

	_, err := wc.Connect(context.Background())
	require.NoError(t, err)
	<-connected

	require.NoError(t, serverConn.WriteJSON(wcMessage{Type: wcSessionDelete, Topic: topic}))

	select {
	case ev := <-events:
		assert.Equal(t, domain.EventDisconnected, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event received")
	}
}

func TestWalletConnectUnavailableWithoutRelay(t *testing.T) {
	wc := NewWalletConnect(WalletConnectConfig{}, make(chan domain.ProviderEvent, 1))
	assert.False(t, wc.Available())

	_, err := wc.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestWalletConnectDisconnectIdempotent(t *testing.T) {
	relay := approvingRelay(t, "0xddd0000000000000000000000000000000000004", 1)
	wc := NewWalletConnect(WalletConnectConfig{RelayURL: relay.wsURL(), HandshakeTimeout: 2 * time.Second},
		make(chan domain.ProviderEvent, 8))

	_, err := wc.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, wc.Disconnect(context.Background()))
	require.NoError(t, wc.Disconnect(context.Background()))

	acct, err := wc.Current(context.Background())
	require.NoError(t, err)
	assert.Empty(t, acct.Address)
}
