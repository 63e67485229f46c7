// Package pricing obtiene el estado de pools (APR, TVL, volumen) desde la
// API pública de yields de DefiLlama.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/waybank/internal/domain"
)

const (
	defaultBaseURL  = "https://yields.llama.fi"
	defaultCacheTTL = 5 * time.Minute
	defaultProject  = "uniswap-v3"
)

// feeTierMeta mapea el fee tier en centésimas de bip al poolMeta que usa
// DefiLlama.
var feeTierMeta = map[int]string{
	100:   "0.01%",
	500:   "0.05%",
	3000:  "0.3%",
	10000: "1%",
}

// Config configura el cliente.
type Config struct {
	BaseURL  string
	Project  string
	CacheTTL time.Duration
	// RequestsPerMinute limita las llamadas a la API pública. Default 30.
	RequestsPerMinute int
}

// llamaPool es una entrada de /pools.
type llamaPool struct {
	Chain            string   `json:"chain"`
	Project          string   `json:"project"`
	Symbol           string   `json:"symbol"`
	Pool             string   `json:"pool"`
	APY              float64  `json:"apy"`
	TVLUSD           float64  `json:"tvlUsd"`
	VolumeUSD1d      *float64 `json:"volumeUsd1d"`
	PoolMeta         string   `json:"poolMeta"`
	UnderlyingTokens []string `json:"underlyingTokens"`
}

// Client implementa ports.PoolStateSource. La lista completa de pools se
// cachea con TTL; si la API falla con caché caducada se sirve la copia
// caducada antes que fallar (el APR de ayer es mejor que ningún APR).
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter

	mu        sync.Mutex
	pools     []llamaPool
	fetchedAt time.Time
}

// New crea el cliente con los defaults de la API pública.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Project == "" {
		cfg.Project = defaultProject
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 20 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
	}
}

// GetPoolState busca el pool que corresponde a la query y devuelve su estado
// actual. Matching: misma red, mismo fee tier y los dos tokens subyacentes
// sin importar el orden; como último recurso, la dirección del pool.
func (c *Client) GetPoolState(ctx context.Context, q domain.PoolQuery) (domain.PoolState, error) {
	pools, err := c.poolList(ctx)
	if err != nil {
		return domain.PoolState{}, err
	}

	match, ok := c.match(pools, q)
	if !ok {
		return domain.PoolState{}, fmt.Errorf("pricing: no pool for %s/%s fee %d on %s",
			q.Token0, q.Token1, q.FeeTier, q.Network)
	}

	state := domain.PoolState{
		PoolAddress: q.PoolAddress,
		AprPercent:  decimal.NewFromFloat(match.APY),
		TVLUSD:      decimal.NewFromFloat(match.TVLUSD),
		FetchedAt:   time.Now().UTC(),
	}
	if match.VolumeUSD1d != nil {
		state.Volume24hUSD = decimal.NewFromFloat(*match.VolumeUSD1d)
	}
	return state, nil
}

func (c *Client) match(pools []llamaPool, q domain.PoolQuery) (llamaPool, bool) {
	wantChain := strings.ToLower(q.Network)
	wantMeta := feeTierMeta[q.FeeTier]
	t0 := domain.NormalizeAddress(q.Token0)
	t1 := domain.NormalizeAddress(q.Token1)
	poolAddr := domain.NormalizeAddress(q.PoolAddress)

	var byAddress *llamaPool
	for i := range pools {
		p := &pools[i]
		if !strings.EqualFold(p.Project, c.cfg.Project) || strings.ToLower(p.Chain) != wantChain {
			continue
		}
		if domain.NormalizeAddress(p.Pool) == poolAddr && poolAddr != "" {
			byAddress = p
		}
		if wantMeta != "" && p.PoolMeta != wantMeta {
			continue
		}
		if hasTokenPair(p.UnderlyingTokens, t0, t1) {
			return *p, true
		}
	}
	if byAddress != nil {
		return *byAddress, true
	}
	return llamaPool{}, false
}

func hasTokenPair(tokens []string, t0, t1 string) bool {
	if len(tokens) != 2 {
		return false
	}
	a := domain.NormalizeAddress(tokens[0])
	b := domain.NormalizeAddress(tokens[1])
	return (a == t0 && b == t1) || (a == t1 && b == t0)
}

// poolList devuelve la lista cacheada, refrescándola si caducó. Si el
// refresh falla y hay copia caducada, se devuelve esa con un warning.
func (c *Client) poolList(ctx context.Context) ([]llamaPool, error) {
	c.mu.Lock()
	fresh := c.pools != nil && time.Since(c.fetchedAt) < c.cfg.CacheTTL
	cached := c.pools
	c.mu.Unlock()

	if fresh {
		return cached, nil
	}

	pools, err := c.fetchPools(ctx)
	if err != nil {
		if cached != nil {
			slog.Warn("pricing: pool refresh failed, serving stale cache",
				"age", time.Since(c.fetchedAt).Round(time.Second), "err", err)
			return cached, nil
		}
		return nil, fmt.Errorf("pricing: fetch pools: %w", err)
	}

	c.mu.Lock()
	c.pools = pools
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return pools, nil
}

func (c *Client) fetchPools(ctx context.Context) ([]llamaPool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/pools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Status string      `json:"status"`
		Data   []llamaPool `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("unexpected status %q", parsed.Status)
	}

	slog.Debug("pricing: pool list refreshed", "pools", len(parsed.Data))
	return parsed.Data, nil
}
