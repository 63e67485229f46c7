package onchain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/waybank/internal/domain"
)

type echoLedger struct {
	echoes []domain.RealPosition
	err    error
}

func (f *echoLedger) GetVirtualPositions(context.Context, string) ([]domain.VirtualPosition, error) {
	return nil, nil
}
func (f *echoLedger) GetActivePositions(context.Context) ([]domain.VirtualPosition, error) {
	return nil, nil
}
func (f *echoLedger) CreateVirtualPosition(context.Context, *domain.VirtualPosition) error { return nil }
func (f *echoLedger) ActivatePosition(context.Context, string, time.Time) error            { return nil }
func (f *echoLedger) ClosePosition(context.Context, string, time.Time) error               { return nil }
func (f *echoLedger) UpdatePositionMetrics(context.Context, string, decimal.Decimal, decimal.Decimal, time.Time) error {
	return nil
}
func (f *echoLedger) RecordRealPosition(context.Context, *domain.RealPosition) error { return nil }
func (f *echoLedger) RealPositionsFor(context.Context, string) ([]domain.RealPosition, error) {
	return f.echoes, f.err
}
func (f *echoLedger) Close() error { return nil }

func subgraphServer(t *testing.T, positions string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]string `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Variables["owner"])
		fmt.Fprintf(w, `{"data":{"positions":%s}}`, positions)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func echoRow(virtualID string, tokenID uint64, status domain.RealPositionStatus) domain.RealPosition {
	return domain.RealPosition{
		ID:                "echo-" + virtualID,
		VirtualPositionID: virtualID,
		TokenID:           tokenID,
		Network:           "base",
		Status:            status,
		MintedAt:          time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestGetRealPositionsConfirmsPendingMint(t *testing.T) {
	srv := subgraphServer(t, `[
		{"id":"42","liquidity":"1000","amountDepositedUSD":"1500","amountWithdrawnUSD":"200",
		 "pool":{"id":"0xpool","tick":"100"},
		 "tickLower":{"tickIdx":"-500"},"tickUpper":{"tickIdx":"500"}}
	]`)
	ledger := &echoLedger{echoes: []domain.RealPosition{echoRow("v1", 42, domain.RealPending)}}

	s, err := New(Config{SubgraphURL: srv.URL, Network: "base"}, ledger)
	require.NoError(t, err)

	got, err := s.GetRealPositions(context.Background(), "0xWALLET")
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, domain.RealMinted, got[0].Status, "live NFT confirms the pending echo")
	assert.Equal(t, "v1", got[0].VirtualPositionID)
	assert.True(t, got[0].LiquidityUSD.Equal(decimal.NewFromInt(1300)), "net = deposited - withdrawn, got %s", got[0].LiquidityUSD)
	assert.True(t, got[0].InRange)
}

func TestGetRealPositionsOutOfRange(t *testing.T) {
	srv := subgraphServer(t, `[
		{"id":"42","liquidity":"1000","amountDepositedUSD":"1000","amountWithdrawnUSD":"0",
		 "pool":{"id":"0xpool","tick":"900"},
		 "tickLower":{"tickIdx":"-500"},"tickUpper":{"tickIdx":"500"}}
	]`)
	ledger := &echoLedger{echoes: []domain.RealPosition{echoRow("v1", 42, domain.RealMinted)}}

	s, err := New(Config{SubgraphURL: srv.URL, Network: "base"}, ledger)
	require.NoError(t, err)

	got, err := s.GetRealPositions(context.Background(), "0xw")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].InRange)
}

func TestGetRealPositionsEchoWithoutLiveNFT(t *testing.T) {
	srv := subgraphServer(t, `[]`)
	ledger := &echoLedger{echoes: []domain.RealPosition{echoRow("v1", 42, domain.RealPending)}}

	s, err := New(Config{SubgraphURL: srv.URL, Network: "base"}, ledger)
	require.NoError(t, err)

	got, err := s.GetRealPositions(context.Background(), "0xw")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.RealPending, got[0].Status, "no live NFT: echo passes through untouched")
}

func TestGetRealPositionsUnknownNFTSurfaces(t *testing.T) {
	srv := subgraphServer(t, `[
		{"id":"77","liquidity":"500","amountDepositedUSD":"800","amountWithdrawnUSD":"0",
		 "pool":{"id":"0xpool","tick":"0"},
		 "tickLower":{"tickIdx":"-10"},"tickUpper":{"tickIdx":"10"}}
	]`)
	ledger := &echoLedger{}

	s, err := New(Config{SubgraphURL: srv.URL, Network: "base"}, ledger)
	require.NoError(t, err)

	got, err := s.GetRealPositions(context.Background(), "0xw")
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, uint64(77), got[0].TokenID)
	assert.Empty(t, got[0].VirtualPositionID, "no echo means no attribution: reconciliation reports it as orphan")
	assert.Equal(t, domain.RealMinted, got[0].Status)
}

func TestGetRealPositionsSubgraphError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"errors":[{"message":"indexing in progress"}]}`)
	}))
	t.Cleanup(srv.Close)
	ledger := &echoLedger{}

	s, err := New(Config{SubgraphURL: srv.URL, Network: "base"}, ledger)
	require.NoError(t, err)

	_, err = s.GetRealPositions(context.Background(), "0xw")
	assert.ErrorIs(t, err, domain.ErrChainUnreachable)
}

func TestNewRequiresSubgraphURL(t *testing.T) {
	_, err := New(Config{}, &echoLedger{})
	assert.Error(t, err)
}
