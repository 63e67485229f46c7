package storage

// sqlite.go — ledger de posiciones sobre SQLite.
//
// Tablas:
//   virtual_positions — ledger interno, fuente de identidad. El scheduler
//     solo escribe apr/fees_earned/last_apr_update; el ciclo de vida solo
//     escribe status y sus timestamps.
//   real_positions    — eco local de mints confirmados on-chain. UNIQUE en
//     virtual_position_id: una virtual admite como máximo una real.
//
// Los importes (deposited_usd, apr, fees_earned, liquidity_usd) se guardan
// como TEXT decimal exacto — nunca REAL, para no introducir drift binario
// en cantidades de dinero.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/waybank/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS virtual_positions (
    id              TEXT PRIMARY KEY,          -- UUID local
    wallet_address  TEXT NOT NULL,
    pool_address    TEXT NOT NULL,
    pool_name       TEXT NOT NULL DEFAULT '',
    token0_address  TEXT NOT NULL,
    token0_symbol   TEXT NOT NULL DEFAULT '',
    token0_decimals INTEGER NOT NULL DEFAULT 18,
    token1_address  TEXT NOT NULL,
    token1_symbol   TEXT NOT NULL DEFAULT '',
    token1_decimals INTEGER NOT NULL DEFAULT 18,
    fee_tier        INTEGER NOT NULL DEFAULT 3000,
    deposited_usd   TEXT NOT NULL DEFAULT '0',
    timeframe_days  INTEGER NOT NULL DEFAULT 365,
    network         TEXT NOT NULL DEFAULT 'ethereum',
    apr             TEXT NOT NULL DEFAULT '0',
    fees_earned     TEXT NOT NULL DEFAULT '0',
    status          TEXT NOT NULL DEFAULT 'Pending',
    created_at      DATETIME NOT NULL,
    start_date      DATETIME,
    closed_at       DATETIME,
    last_apr_update DATETIME
);

CREATE INDEX IF NOT EXISTS virtual_positions_wallet ON virtual_positions(wallet_address);
CREATE INDEX IF NOT EXISTS virtual_positions_status ON virtual_positions(status);

CREATE TABLE IF NOT EXISTS real_positions (
    id                  TEXT PRIMARY KEY,
    virtual_position_id TEXT NOT NULL UNIQUE,
    wallet_address      TEXT NOT NULL,
    token_id            INTEGER NOT NULL,
    network             TEXT NOT NULL DEFAULT 'ethereum',
    tx_hash             TEXT NOT NULL DEFAULT '',
    in_range            INTEGER NOT NULL DEFAULT 1,
    liquidity_usd       TEXT NOT NULL DEFAULT '0',
    status              TEXT NOT NULL DEFAULT 'Pending',
    minted_at           DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS real_positions_wallet ON real_positions(wallet_address);
`

// SQLiteLedger implementa ports.Ledger.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger abre (o crea) la base de datos y aplica el schema.
// dsn puede ser una ruta de archivo o ":memory:" para tests.
func NewSQLiteLedger(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", dsn, err)
	}

	// SQLite no soporta escritores concurrentes sobre una conexión.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// Close cierra la conexión limpiamente.
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// GetVirtualPositions devuelve las posiciones de una wallet ordenadas por
// fecha de creación ascendente.
func (s *SQLiteLedger) GetVirtualPositions(ctx context.Context, walletAddress string) ([]domain.VirtualPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_address, pool_address, pool_name,
		       token0_address, token0_symbol, token0_decimals,
		       token1_address, token1_symbol, token1_decimals,
		       fee_tier, deposited_usd, timeframe_days, network,
		       apr, fees_earned, status,
		       created_at, start_date, closed_at, last_apr_update
		FROM virtual_positions
		WHERE wallet_address = ?
		ORDER BY created_at ASC, id ASC`,
		domain.NormalizeAddress(walletAddress),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query virtual positions: %w", err)
	}
	defer rows.Close()

	return scanVirtualPositions(rows)
}

// GetActivePositions devuelve todas las posiciones Active.
func (s *SQLiteLedger) GetActivePositions(ctx context.Context) ([]domain.VirtualPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_address, pool_address, pool_name,
		       token0_address, token0_symbol, token0_decimals,
		       token1_address, token1_symbol, token1_decimals,
		       fee_tier, deposited_usd, timeframe_days, network,
		       apr, fees_earned, status,
		       created_at, start_date, closed_at, last_apr_update
		FROM virtual_positions
		WHERE status = ?
		ORDER BY created_at ASC, id ASC`,
		string(domain.PositionActive),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query active positions: %w", err)
	}
	defer rows.Close()

	return scanVirtualPositions(rows)
}

// CreateVirtualPosition inserta una posición nueva. Si no trae status se
// crea como Pending.
func (s *SQLiteLedger) CreateVirtualPosition(ctx context.Context, p *domain.VirtualPosition) error {
	if p.Status == "" {
		p.Status = domain.PositionPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.WalletAddress = domain.NormalizeAddress(p.WalletAddress)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO virtual_positions (
			id, wallet_address, pool_address, pool_name,
			token0_address, token0_symbol, token0_decimals,
			token1_address, token1_symbol, token1_decimals,
			fee_tier, deposited_usd, timeframe_days, network,
			apr, fees_earned, status, created_at, start_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WalletAddress, p.PoolAddress, p.PoolName,
		p.Token0.Address, p.Token0.Symbol, p.Token0.Decimals,
		p.Token1.Address, p.Token1.Symbol, p.Token1.Decimals,
		p.FeeTier, p.DepositedUSD.String(), p.TimeframeDays, p.Network,
		p.Apr.String(), p.FeesEarned.String(), string(p.Status),
		p.CreatedAt, nullableTime(p.StartDate),
	)
	if err != nil {
		return fmt.Errorf("storage: insert virtual position %s: %w", p.ID, err)
	}
	return nil
}

// ActivatePosition pasa Pending -> Active y fija start_date.
func (s *SQLiteLedger) ActivatePosition(ctx context.Context, id string, start time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE virtual_positions
		SET status = ?, start_date = ?
		WHERE id = ? AND status = ?`,
		string(domain.PositionActive), start.UTC(), id, string(domain.PositionPending),
	)
	if err != nil {
		return fmt.Errorf("storage: activate position %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// ClosePosition pasa Active -> Closed y fija closed_at.
func (s *SQLiteLedger) ClosePosition(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE virtual_positions
		SET status = ?, closed_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.PositionClosed), at.UTC(), id, string(domain.PositionActive),
	)
	if err != nil {
		return fmt.Errorf("storage: close position %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// UpdatePositionMetrics escribe apr y fees recalculados. Solo toca los
// campos de métricas.
func (s *SQLiteLedger) UpdatePositionMetrics(ctx context.Context, id string, apr, feesEarned decimal.Decimal, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE virtual_positions
		SET apr = ?, fees_earned = ?, last_apr_update = ?
		WHERE id = ?`,
		apr.String(), feesEarned.String(), ts.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: update metrics %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// RecordRealPosition registra el eco local de un mint. Falla si la posición
// virtual referenciada no existe o ya tiene una real asociada.
func (s *SQLiteLedger) RecordRealPosition(ctx context.Context, p *domain.RealPosition) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM virtual_positions WHERE id = ?`,
		p.VirtualPositionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("storage: check virtual position: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("storage: record real position: virtual %s: %w",
			p.VirtualPositionID, domain.ErrPositionNotFound)
	}

	var wallet string
	if err := s.db.QueryRowContext(ctx,
		`SELECT wallet_address FROM virtual_positions WHERE id = ?`,
		p.VirtualPositionID,
	).Scan(&wallet); err != nil {
		return fmt.Errorf("storage: resolve wallet: %w", err)
	}

	if p.Status == "" {
		p.Status = domain.RealPending
	}
	if p.MintedAt.IsZero() {
		p.MintedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO real_positions (
			id, virtual_position_id, wallet_address, token_id,
			network, tx_hash, in_range, liquidity_usd, status, minted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.VirtualPositionID, wallet, p.TokenID,
		p.Network, p.TxHash, boolToInt(p.InRange),
		p.LiquidityUSD.String(), string(p.Status), p.MintedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert real position %s: %w", p.ID, err)
	}
	return nil
}

// RealPositionsFor devuelve los ecos locales de una wallet ordenados por
// fecha de mint ascendente.
func (s *SQLiteLedger) RealPositionsFor(ctx context.Context, walletAddress string) ([]domain.RealPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, virtual_position_id, token_id, network, tx_hash,
		       in_range, liquidity_usd, status, minted_at
		FROM real_positions
		WHERE wallet_address = ?
		ORDER BY minted_at ASC, id ASC`,
		domain.NormalizeAddress(walletAddress),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query real positions: %w", err)
	}
	defer rows.Close()

	var out []domain.RealPosition
	for rows.Next() {
		var (
			rp        domain.RealPosition
			inRange   int
			liquidity string
			status    string
		)
		if err := rows.Scan(
			&rp.ID, &rp.VirtualPositionID, &rp.TokenID, &rp.Network, &rp.TxHash,
			&inRange, &liquidity, &status, &rp.MintedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan real position: %w", err)
		}
		rp.InRange = inRange != 0
		rp.Status = domain.RealPositionStatus(status)
		rp.LiquidityUSD, err = decimal.NewFromString(liquidity)
		if err != nil {
			return nil, fmt.Errorf("storage: parse liquidity %q: %w", liquidity, err)
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func scanVirtualPositions(rows *sql.Rows) ([]domain.VirtualPosition, error) {
	var out []domain.VirtualPosition
	for rows.Next() {
		var (
			p                         domain.VirtualPosition
			deposited, apr, fees      string
			status                    string
			startDate, closedAt, last sql.NullTime
		)
		if err := rows.Scan(
			&p.ID, &p.WalletAddress, &p.PoolAddress, &p.PoolName,
			&p.Token0.Address, &p.Token0.Symbol, &p.Token0.Decimals,
			&p.Token1.Address, &p.Token1.Symbol, &p.Token1.Decimals,
			&p.FeeTier, &deposited, &p.TimeframeDays, &p.Network,
			&apr, &fees, &status,
			&p.CreatedAt, &startDate, &closedAt, &last,
		); err != nil {
			return nil, fmt.Errorf("storage: scan virtual position: %w", err)
		}

		var err error
		if p.DepositedUSD, err = decimal.NewFromString(deposited); err != nil {
			return nil, fmt.Errorf("storage: parse deposited %q: %w", deposited, err)
		}
		if p.Apr, err = decimal.NewFromString(apr); err != nil {
			return nil, fmt.Errorf("storage: parse apr %q: %w", apr, err)
		}
		if p.FeesEarned, err = decimal.NewFromString(fees); err != nil {
			return nil, fmt.Errorf("storage: parse fees %q: %w", fees, err)
		}
		p.Status = domain.PositionStatus(status)
		p.StartDate = timePtr(startDate)
		p.ClosedAt = timePtr(closedAt)
		p.LastAprUpdate = timePtr(last)

		out = append(out, p)
	}
	return out, rows.Err()
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: position %s: %w", id, domain.ErrPositionNotFound)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
