// Package onchain expone las posiciones de liquidez reales de una wallet.
// La fuente primaria es el subgraph del DEX; opcionalmente se verifica la
// propiedad de cada NFT contra el contrato del position manager vía RPC.
package onchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/waybank/internal/domain"
	"github.com/alejandrodnm/waybank/internal/ports"
)

const ownerOfABI = `[{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"payable":false,"stateMutability":"view","type":"function"}]`

var erc721ABI abi.ABI

func init() {
	var err error
	erc721ABI, err = abi.JSON(strings.NewReader(ownerOfABI))
	if err != nil {
		panic(fmt.Sprintf("onchain: parse erc721 abi: %v", err))
	}
}

// Config configura la fuente de posiciones on-chain.
type Config struct {
	// SubgraphURL es el endpoint GraphQL del subgraph del DEX.
	SubgraphURL string
	// Network etiqueta las posiciones devueltas (ej. "base").
	Network string
	// RPCURL, si se indica, activa la verificación ownerOf de cada NFT.
	RPCURL string
	// PositionManager es el contrato ERC-721 del position manager. Solo se
	// usa con RPCURL.
	PositionManager string
	// RequestTimeout limita cada petición al subgraph. Default 15s.
	RequestTimeout time.Duration
}

// Source implementa ports.ChainSource combinando el eco del ledger (que
// conoce el virtualPositionId de cada NFT) con el estado vivo del subgraph
// (liquidez y rango actuales, que el ledger no puede saber).
type Source struct {
	cfg    Config
	ledger ports.Ledger
	http   *http.Client

	client  *ethclient.Client
	manager common.Address
}

// New crea la fuente. ledger es obligatorio: sin el eco no hay forma de
// atribuir un NFT a su posición virtual.
func New(cfg Config, ledger ports.Ledger) (*Source, error) {
	if cfg.SubgraphURL == "" {
		return nil, fmt.Errorf("onchain: subgraph url required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	s := &Source{
		cfg:    cfg,
		ledger: ledger,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
	}

	if cfg.RPCURL != "" {
		if !common.IsHexAddress(cfg.PositionManager) {
			return nil, fmt.Errorf("onchain: invalid position manager address %q", cfg.PositionManager)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("onchain: dial rpc: %w", err)
		}
		s.client = client
		s.manager = common.HexToAddress(cfg.PositionManager)
	}
	return s, nil
}

// Close libera el cliente RPC.
func (s *Source) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Respuesta del subgraph.
type subgraphPosition struct {
	ID        string `json:"id"`
	Liquidity string `json:"liquidity"`
	Deposited string `json:"amountDepositedUSD"`
	Withdrawn string `json:"amountWithdrawnUSD"`
	Pool      struct {
		ID   string `json:"id"`
		Tick string `json:"tick"`
	} `json:"pool"`
	TickLower struct {
		TickIdx string `json:"tickIdx"`
	} `json:"tickLower"`
	TickUpper struct {
		TickIdx string `json:"tickIdx"`
	} `json:"tickUpper"`
}

const positionsQuery = `query($owner: String!) {
  positions(where: {owner: $owner, liquidity_gt: 0}) {
    id
    liquidity
    amountDepositedUSD
    amountWithdrawnUSD
    pool { id tick }
    tickLower { tickIdx }
    tickUpper { tickIdx }
  }
}`

// GetRealPositions devuelve las posiciones reales de la wallet: las filas de
// eco del ledger actualizadas con el estado vivo del subgraph. Un NFT visto
// en el subgraph confirma una fila Pending como Minted; un NFT sin fila de
// eco se devuelve igualmente para que la reconciliación lo reporte.
func (s *Source) GetRealPositions(ctx context.Context, walletAddress string) ([]domain.RealPosition, error) {
	address := domain.NormalizeAddress(walletAddress)

	echoes, err := s.ledger.RealPositionsFor(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("onchain: ledger echo for %s: %w", address, err)
	}

	live, err := s.fetchSubgraph(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("onchain: %w: %v", domain.ErrChainUnreachable, err)
	}

	liveByToken := make(map[uint64]subgraphPosition, len(live))
	for _, sp := range live {
		tokenID, perr := strconv.ParseUint(sp.ID, 10, 64)
		if perr != nil {
			slog.Warn("onchain: non-numeric position id from subgraph", "id", sp.ID)
			continue
		}
		liveByToken[tokenID] = sp
	}

	out := make([]domain.RealPosition, 0, len(echoes))
	for _, echo := range echoes {
		sp, onChain := liveByToken[echo.TokenID]
		if !onChain {
			// Sin liquidez viva: quemado, retirado o aún no minteado.
			out = append(out, echo)
			continue
		}
		delete(liveByToken, echo.TokenID)

		if s.client != nil {
			owned, oerr := s.verifyOwner(ctx, echo.TokenID, address)
			if oerr != nil {
				slog.Warn("onchain: ownerOf check failed, trusting subgraph",
					"token_id", echo.TokenID, "err", oerr)
			} else if !owned {
				slog.Warn("onchain: position transferred away, excluding",
					"token_id", echo.TokenID, "wallet", address)
				continue
			}
		}

		echo.Status = domain.RealMinted
		echo.LiquidityUSD = netLiquidityUSD(sp)
		echo.InRange = tickInRange(sp)
		out = append(out, echo)
	}

	// NFTs vivos que el ledger no conoce. Sin eco no hay virtualPositionId,
	// así que la reconciliación los reportará como huérfanos.
	for tokenID, sp := range liveByToken {
		slog.Warn("onchain: position without ledger echo",
			"token_id", tokenID, "wallet", address, "pool", sp.Pool.ID)
		out = append(out, domain.RealPosition{
			ID:           fmt.Sprintf("chain-%d", tokenID),
			TokenID:      tokenID,
			Network:      s.cfg.Network,
			InRange:      tickInRange(sp),
			LiquidityUSD: netLiquidityUSD(sp),
			Status:       domain.RealMinted,
		})
	}

	return out, nil
}

// fetchSubgraph ejecuta la query GraphQL con reintentos exponenciales. Los
// subgraphs públicos fallan transitoriamente con frecuencia; tres intentos
// absorben la mayoría.
func (s *Source) fetchSubgraph(ctx context.Context, owner string) ([]subgraphPosition, error) {
	body, err := json.Marshal(map[string]any{
		"query":     positionsQuery,
		"variables": map[string]string{"owner": owner},
	})
	if err != nil {
		return nil, err
	}

	op := func() ([]subgraphPosition, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SubgraphURL, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("subgraph status %d: %s", resp.StatusCode, truncate(data, 200))
		}

		var parsed struct {
			Data struct {
				Positions []subgraphPosition `json:"positions"`
			} `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, err
		}
		if len(parsed.Errors) > 0 {
			return nil, backoff.Permanent(fmt.Errorf("subgraph error: %s", parsed.Errors[0].Message))
		}
		return parsed.Data.Positions, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}

// verifyOwner consulta ownerOf(tokenId) en el position manager.
func (s *Source) verifyOwner(ctx context.Context, tokenID uint64, wallet string) (bool, error) {
	input, err := erc721ABI.Pack("ownerOf", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return false, err
	}
	raw, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.manager, Data: input}, nil)
	if err != nil {
		return false, err
	}
	outs, err := erc721ABI.Unpack("ownerOf", raw)
	if err != nil || len(outs) == 0 {
		return false, fmt.Errorf("unpack ownerOf: %v", err)
	}
	owner, ok := outs[0].(common.Address)
	if !ok {
		return false, fmt.Errorf("unexpected ownerOf output type %T", outs[0])
	}
	return domain.NormalizeAddress(owner.Hex()) == wallet, nil
}

// netLiquidityUSD aproxima el valor actual como depositado - retirado.
func netLiquidityUSD(sp subgraphPosition) decimal.Decimal {
	dep, err := decimal.NewFromString(sp.Deposited)
	if err != nil {
		return decimal.Zero
	}
	wd, err := decimal.NewFromString(sp.Withdrawn)
	if err != nil {
		wd = decimal.Zero
	}
	net := dep.Sub(wd)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// tickInRange comprueba tickLower <= tick < tickUpper.
func tickInRange(sp subgraphPosition) bool {
	tick, err := strconv.ParseInt(sp.Pool.Tick, 10, 64)
	if err != nil {
		return false
	}
	lo, err := strconv.ParseInt(sp.TickLower.TickIdx, 10, 64)
	if err != nil {
		return false
	}
	hi, err := strconv.ParseInt(sp.TickUpper.TickIdx, 10, 64)
	if err != nil {
		return false
	}
	return tick >= lo && tick < hi
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
