package connector

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/waybank/internal/domain"
	"github.com/alejandrodnm/waybank/internal/ports"
)

// WalletConnectConfig configura el conector de relay WalletConnect.
type WalletConnectConfig struct {
	// RelayURL es la URL websocket del bridge (wss://...).
	RelayURL string
	// ProjectID identifica la aplicación ante el relay.
	ProjectID string
	// HandshakeTimeout limita la espera de la aprobación remota.
	HandshakeTimeout time.Duration
}

// Mensajes del bridge. El relay solo reenvía sobres JSON entre la app y la
// wallet remota.
type wcMessage struct {
	Type     string   `json:"type"`
	Topic    string   `json:"topic,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
	ChainID  int64    `json:"chainId,omitempty"`
	Error    string   `json:"error,omitempty"`
	Payload  string   `json:"payload,omitempty"`
}

const (
	wcSessionRequest = "session_request"
	wcSessionApprove = "session_approve"
	wcSessionReject  = "session_reject"
	wcSessionUpdate  = "session_update"
	wcSessionDelete  = "session_delete"
	wcChainChanged   = "chain_changed"
	wcSignRequest    = "sign_request"
	wcSignResponse   = "sign_response"
)

// WalletConnect mantiene una sesión con una wallet remota a través de un
// relay websocket. La wallet empuja cambios de cuenta y de cadena por el
// mismo socket; el read loop los traduce a eventos de provider.
type WalletConnect struct {
	cfg    WalletConnectConfig
	events chan<- domain.ProviderEvent
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	topic   string
	account domain.Account
	cancel  context.CancelFunc

	// respuestas de firma pendientes, por id de petición
	pending map[string]chan wcMessage
}

// NewWalletConnect crea el conector. No abre el socket hasta Connect.
func NewWalletConnect(cfg WalletConnectConfig, events chan<- domain.ProviderEvent) *WalletConnect {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 60 * time.Second
	}
	return &WalletConnect{
		cfg:     cfg,
		events:  events,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		pending: make(map[string]chan wcMessage),
	}
}

func (w *WalletConnect) Kind() domain.ConnectorKind { return domain.KindWalletConnect }

func (w *WalletConnect) Available() bool { return w.cfg.RelayURL != "" }

// Connect abre el socket del relay, publica la petición de sesión y espera
// la aprobación de la wallet remota. El dial se reintenta con backoff
// exponencial; la aprobación no (un rechazo del usuario es definitivo).
func (w *WalletConnect) Connect(ctx context.Context) (domain.Account, error) {
	if !w.Available() {
		return domain.Account{}, domain.ErrProviderUnavailable
	}

	conn, err := w.dialRelay(ctx)
	if err != nil {
		return domain.Account{}, fmt.Errorf("walletconnect: %w: %v", domain.ErrProviderUnavailable, err)
	}

	topic := uuid.New().String()
	req := wcMessage{Type: wcSessionRequest, Topic: topic, Payload: w.cfg.ProjectID}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return domain.Account{}, fmt.Errorf("walletconnect: session request: %w", err)
	}

	acct, err := w.awaitApproval(ctx, conn, topic)
	if err != nil {
		conn.Close()
		return domain.Account{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	w.conn = conn
	w.topic = topic
	w.account = acct
	w.cancel = cancel
	w.mu.Unlock()

	go w.readLoop(runCtx, conn, topic)

	slog.Info("walletconnect session established", "topic", topic, "address", acct.Address)
	return acct, nil
}

func (w *WalletConnect) dialRelay(ctx context.Context) (*websocket.Conn, error) {
	op := func() (*websocket.Conn, error) {
		conn, _, err := w.dialer.DialContext(ctx, w.cfg.RelayURL, nil)
		return conn, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
}

// awaitApproval lee del socket hasta que llega la respuesta de la wallet
// para nuestro topic.
func (w *WalletConnect) awaitApproval(ctx context.Context, conn *websocket.Conn, topic string) (domain.Account, error) {
	deadline := time.Now().Add(w.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		var msg wcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return domain.Account{}, fmt.Errorf("walletconnect: awaiting approval: %w: %v", domain.ErrTimeout, err)
		}
		if msg.Topic != topic {
			continue
		}
		switch msg.Type {
		case wcSessionApprove:
			if len(msg.Accounts) == 0 {
				return domain.Account{}, fmt.Errorf("walletconnect: approval without accounts: %w", domain.ErrUserRejected)
			}
			return domain.Account{
				Address: domain.NormalizeAddress(msg.Accounts[0]),
				ChainID: msg.ChainID,
			}, nil
		case wcSessionReject:
			return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrUserRejected, msg.Error)
		}
	}
}

// readLoop consume los push de la wallet hasta que la sesión se cierra. Un
// error de lectura se trata como desconexión remota: se emite el evento y el
// loop termina — la sesión WalletConnect no sobrevive al socket.
func (w *WalletConnect) readLoop(ctx context.Context, conn *websocket.Conn, topic string) {
	defer conn.Close()
	for {
		var msg wcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return // cierre local, no avisar
			}
			slog.Warn("walletconnect relay read failed", "err", err)
			w.emit(domain.ProviderEvent{Source: domain.KindWalletConnect, Type: domain.EventDisconnected})
			return
		}
		if msg.Topic != topic {
			continue
		}

		switch msg.Type {
		case wcSessionUpdate:
			w.mu.Lock()
			if len(msg.Accounts) > 0 {
				w.account.Address = domain.NormalizeAddress(msg.Accounts[0])
			}
			if msg.ChainID != 0 {
				w.account.ChainID = msg.ChainID
			}
			w.mu.Unlock()
			w.emit(domain.ProviderEvent{Source: domain.KindWalletConnect, Type: domain.EventAccountsChanged, Accounts: msg.Accounts})

		case wcChainChanged:
			w.mu.Lock()
			w.account.ChainID = msg.ChainID
			w.mu.Unlock()
			w.emit(domain.ProviderEvent{Source: domain.KindWalletConnect, Type: domain.EventChainChanged, ChainID: msg.ChainID})

		case wcSessionDelete:
			w.emit(domain.ProviderEvent{Source: domain.KindWalletConnect, Type: domain.EventDisconnected})
			return

		case wcSignResponse:
			w.mu.Lock()
			ch, ok := w.pending[msg.Payload]
			if ok {
				delete(w.pending, msg.Payload)
			}
			w.mu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (w *WalletConnect) emit(ev domain.ProviderEvent) {
	select {
	case w.events <- ev:
	default:
		slog.Warn("walletconnect: event queue full, dropping", "type", ev.Type)
	}
}

// Current devuelve el último estado empujado por la wallet. El relay no
// tiene consulta puntual; la sesión es la fuente de verdad.
func (w *WalletConnect) Current(_ context.Context) (domain.Account, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return domain.Account{}, nil
	}
	return w.account, nil
}

// Disconnect avisa a la wallet y cierra el socket. Idempotente; los errores
// de escritura sobre un socket ya roto se ignoran.
func (w *WalletConnect) Disconnect(_ context.Context) error {
	w.mu.Lock()
	conn := w.conn
	topic := w.topic
	cancel := w.cancel
	w.conn = nil
	w.topic = ""
	w.account = domain.Account{}
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteJSON(wcMessage{Type: wcSessionDelete, Topic: topic})
		_ = conn.Close()
	}
	return nil
}

// SwitchChain pide el cambio a la wallet remota y espera su session_update.
// La confirmación llega por el read loop; aquí solo validamos que la
// petición salió.
func (w *WalletConnect) SwitchChain(_ context.Context, chainID int64) error {
	w.mu.Lock()
	conn := w.conn
	topic := w.topic
	w.mu.Unlock()

	if conn == nil {
		return domain.ErrNoActiveSession
	}
	if err := conn.WriteJSON(wcMessage{Type: wcChainChanged, Topic: topic, ChainID: chainID}); err != nil {
		return fmt.Errorf("walletconnect: %w: %v", domain.ErrNetworkSwitchRejected, err)
	}
	return nil
}

// Signer delega la firma en la wallet remota a través del relay.
func (w *WalletConnect) Signer() (ports.Signer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil, domain.ErrNoActiveSession
	}
	return &relaySigner{wc: w, address: w.account.Address}, nil
}

type relaySigner struct {
	wc      *WalletConnect
	address string
}

func (s *relaySigner) Address() string { return s.address }

func (s *relaySigner) SignHash(hash []byte) ([]byte, error) {
	w := s.wc
	w.mu.Lock()
	conn := w.conn
	topic := w.topic
	if conn == nil {
		w.mu.Unlock()
		return nil, domain.ErrNoActiveSession
	}
	reqID := uuid.New().String()
	ch := make(chan wcMessage, 1)
	w.pending[reqID] = ch
	w.mu.Unlock()

	msg := wcMessage{Type: wcSignRequest, Topic: topic, Payload: reqID, Accounts: []string{fmt.Sprintf("0x%x", hash)}}
	if err := conn.WriteJSON(msg); err != nil {
		w.mu.Lock()
		delete(w.pending, reqID)
		w.mu.Unlock()
		return nil, fmt.Errorf("walletconnect: sign request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", domain.ErrUserRejected, resp.Error)
		}
		if len(resp.Accounts) == 0 {
			return nil, fmt.Errorf("walletconnect: empty signature response")
		}
		return hex.DecodeString(strings.TrimPrefix(resp.Accounts[0], "0x"))
	case <-time.After(w.cfg.HandshakeTimeout):
		w.mu.Lock()
		delete(w.pending, reqID)
		w.mu.Unlock()
		return nil, fmt.Errorf("walletconnect: sign request: %w", domain.ErrTimeout)
	}
}
