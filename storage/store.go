package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"trondeal/native/deal"
)

// Store persists the deal aggregate, its children and the auxiliary state
// (sessions, dispute stats) in SQLite. The database is the system of record:
// every invariant that must survive a crash lives here, the in-memory dedup
// sets in the monitors are best-effort only.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; serialising through a single connection
	// avoids SQLITE_BUSY under concurrent monitors.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS deals (
            id TEXT PRIMARY KEY,
            creator_role TEXT NOT NULL,
            buyer_id INTEGER NOT NULL,
            seller_id INTEGER NOT NULL,
            product TEXT NOT NULL,
            description TEXT,
            asset TEXT NOT NULL,
            amount TEXT NOT NULL,
            commission TEXT NOT NULL,
            commission_payer TEXT NOT NULL,
            deadline TIMESTAMP NOT NULL,
            status TEXT NOT NULL,
            multisig_address TEXT NOT NULL,
            buyer_payout_address TEXT,
            seller_payout_address TEXT,
            deposit_tx_hash TEXT,
            payout_tx_hash TEXT,
            deposit_notified INTEGER NOT NULL DEFAULT 0,
            deadline_notified INTEGER NOT NULL DEFAULT 0,
            pending_key_validation TEXT NOT NULL DEFAULT '',
            costs TEXT,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);`,
		`CREATE INDEX IF NOT EXISTS idx_deals_deadline ON deals(deadline);`,
		`CREATE INDEX IF NOT EXISTS idx_deals_multisig ON deals(multisig_address);`,
		`CREATE INDEX IF NOT EXISTS idx_deals_buyer ON deals(buyer_id);`,
		`CREATE INDEX IF NOT EXISTS idx_deals_seller ON deals(seller_id);`,
		`CREATE TABLE IF NOT EXISTS multisig_wallets (
            deal_id TEXT PRIMARY KEY,
            address TEXT NOT NULL,
            wallet_key TEXT NOT NULL,
            buyer_signer TEXT NOT NULL,
            seller_signer TEXT NOT NULL,
            arbiter_signer TEXT NOT NULL,
            last_trx TEXT,
            last_usdt TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_wallets_address ON multisig_wallets(address);`,
		`CREATE TABLE IF NOT EXISTS transactions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            deal_id TEXT NOT NULL,
            type TEXT NOT NULL,
            asset TEXT NOT NULL,
            amount TEXT NOT NULL,
            tx_hash TEXT,
            from_addr TEXT,
            to_addr TEXT,
            status TEXT NOT NULL,
            block INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_deal ON transactions(deal_id);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            deal_id TEXT NOT NULL,
            from_status TEXT,
            to_status TEXT NOT NULL,
            actor TEXT,
            note TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_audit_deal ON audit_log(deal_id);`,
		`CREATE TABLE IF NOT EXISTS sessions (
            user_id INTEGER NOT NULL,
            scope TEXT NOT NULL,
            payload TEXT NOT NULL,
            attempts INTEGER NOT NULL DEFAULT 0,
            expires_at TIMESTAMP NOT NULL,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY(user_id, scope)
        );`,
		`CREATE TABLE IF NOT EXISTS dispute_stats (
            user_id INTEGER PRIMARY KEY,
            wins INTEGER NOT NULL DEFAULT 0,
            losses INTEGER NOT NULL DEFAULT 0,
            loss_streak INTEGER NOT NULL DEFAULT 0,
            blacklisted INTEGER NOT NULL DEFAULT 0,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS disputes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            deal_id TEXT NOT NULL UNIQUE,
            opener_id INTEGER NOT NULL,
            reason TEXT NOT NULL,
            media TEXT,
            prior_status TEXT NOT NULL,
            status TEXT NOT NULL,
            decision TEXT,
            decision_reason TEXT,
            created_at TIMESTAMP NOT NULL,
            resolved_at TIMESTAMP
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const dealColumns = `id, creator_role, buyer_id, seller_id, product, description, asset,
    amount, commission, commission_payer, deadline, status, multisig_address,
    buyer_payout_address, seller_payout_address, deposit_tx_hash, payout_tx_hash,
    deposit_notified, deadline_notified, pending_key_validation, costs,
    created_at, updated_at, completed_at`

// CreateDeal inserts the deal, its wallet and the creation audit row in one
// transaction.
func (s *Store) CreateDeal(ctx context.Context, d *deal.Deal, w *deal.MultisigWallet, audit deal.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const dealStmt = `INSERT INTO deals(id, creator_role, buyer_id, seller_id, product, description, asset,
        amount, commission, commission_payer, deadline, status, multisig_address,
        buyer_payout_address, seller_payout_address, deposit_notified, deadline_notified,
        pending_key_validation, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '', ?, ?)`
	if _, err := tx.ExecContext(ctx, dealStmt,
		d.ID, string(d.CreatorRole), d.BuyerID, d.SellerID, d.Product, d.Description, d.Asset,
		bigString(d.Amount), bigString(d.Commission), string(d.CommissionPayer),
		d.Deadline, string(d.Status), d.MultisigAddress,
		d.BuyerPayoutAddress, d.SellerPayoutAddress, d.CreatedAt, d.UpdatedAt); err != nil {
		return err
	}
	const walletStmt = `INSERT INTO multisig_wallets(deal_id, address, wallet_key, buyer_signer, seller_signer, arbiter_signer, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, walletStmt,
		w.DealID, w.Address, w.WalletKeyHex, w.BuyerSigner, w.SellerSigner, w.ArbiterSigner, w.CreatedAt); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetDeal(ctx context.Context, id string) (*deal.Deal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = ?`, id)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deal.ErrNotFound
	}
	return d, err
}

// DealByMultisig resolves a deal by its multisig deposit address.
func (s *Store) DealByMultisig(ctx context.Context, address string) (*deal.Deal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE multisig_address = ?`, address)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deal.ErrNotFound
	}
	return d, err
}

func (s *Store) GetWallet(ctx context.Context, dealID string) (*deal.MultisigWallet, error) {
	const query = `SELECT deal_id, address, wallet_key, buyer_signer, seller_signer, arbiter_signer, last_trx, last_usdt, created_at
        FROM multisig_wallets WHERE deal_id = ?`
	row := s.db.QueryRowContext(ctx, query, dealID)
	var w deal.MultisigWallet
	var lastTRX, lastUSDT sql.NullString
	if err := row.Scan(&w.DealID, &w.Address, &w.WalletKeyHex, &w.BuyerSigner, &w.SellerSigner, &w.ArbiterSigner, &lastTRX, &lastUSDT, &w.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, deal.ErrNotFound
		}
		return nil, err
	}
	w.LastTRXBalance = parseBig(lastTRX.String)
	w.LastUSDT = parseBig(lastUSDT.String)
	return &w, nil
}

// UpdateWalletBalances caches the last observed on-chain balances.
func (s *Store) UpdateWalletBalances(ctx context.Context, dealID string, trx, usdt *big.Int) error {
	const stmt = `UPDATE multisig_wallets SET last_trx = ?, last_usdt = ? WHERE deal_id = ?`
	_, err := s.db.ExecContext(ctx, stmt, bigString(trx), bigString(usdt), dealID)
	return err
}

// HasActiveDeal reports whether the user participates in any deal in the
// active status set.
func (s *Store) HasActiveDeal(ctx context.Context, userID int64) (bool, error) {
	query := `SELECT COUNT(1) FROM deals WHERE (buyer_id = ? OR seller_id = ?) AND status IN (` + statusPlaceholders(deal.ActiveStatuses) + `)`
	args := []interface{}{userID, userID}
	for _, st := range deal.ActiveStatuses {
		args = append(args, string(st))
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) SetPayoutAddress(ctx context.Context, dealID string, role deal.Role, address string) error {
	column := "seller_payout_address"
	if role == deal.RoleBuyer {
		column = "buyer_payout_address"
	}
	res, err := s.db.ExecContext(ctx, `UPDATE deals SET `+column+` = ?, updated_at = ? WHERE id = ?`, address, time.Now().UTC(), dealID)
	if err != nil {
		return err
	}
	return requireRow(res, dealID)
}

func (s *Store) SetDepositTx(ctx context.Context, dealID, txHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE deals SET deposit_tx_hash = ?, updated_at = ? WHERE id = ?`, txHash, time.Now().UTC(), dealID)
	if err != nil {
		return err
	}
	return requireRow(res, dealID)
}

// TransitionStatus applies a status change guarded by a precondition on the
// current status, appending the audit row in the same transaction. A stale
// precondition yields deal.ErrStatusConflict.
func (s *Store) TransitionStatus(ctx context.Context, dealID string, from []deal.Status, to deal.Status, audit deal.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := transitionLocked(ctx, tx, dealID, from, to, nil); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteDeal applies the terminal transition together with completedAt,
// the payout hash and the operational cost record, atomically with the audit
// append.
func (s *Store) CompleteDeal(ctx context.Context, dealID string, from []deal.Status, to deal.Status, payoutTxHash string, costs *deal.OperationalCosts, audit deal.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	extra := func(ctx context.Context, tx *sql.Tx) error {
		var costsJSON interface{}
		if costs != nil {
			raw, err := json.Marshal(costs)
			if err != nil {
				return err
			}
			costsJSON = string(raw)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE deals SET payout_tx_hash = ?, costs = ?, completed_at = ? WHERE id = ?`,
			payoutTxHash, costsJSON, time.Now().UTC(), dealID)
		return err
	}
	if err := transitionLocked(ctx, tx, dealID, from, to, extra); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit()
}

func transitionLocked(ctx context.Context, tx *sql.Tx, dealID string, from []deal.Status, to deal.Status, extra func(context.Context, *sql.Tx) error) error {
	stmt := `UPDATE deals SET status = ?, updated_at = ? WHERE id = ? AND status IN (` + statusPlaceholders(from) + `)`
	args := []interface{}{string(to), time.Now().UTC(), dealID}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM deals WHERE id = ?`, dealID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return deal.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: deal %s is %s", deal.ErrStatusConflict, dealID, current)
	}
	if extra != nil {
		return extra(ctx, tx)
	}
	return nil
}

// MarkDepositNotified flips the deposit notification latch. It reports true
// only for the caller that performed the false -> true transition, so the
// "deposit received" message is sent at most once across restarts.
func (s *Store) MarkDepositNotified(ctx context.Context, dealID string) (bool, error) {
	return s.setLatch(ctx, dealID, "deposit_notified")
}

// MarkDeadlineNotified flips the deadline notification latch, with the same
// at-most-once contract as MarkDepositNotified.
func (s *Store) MarkDeadlineNotified(ctx context.Context, dealID string) (bool, error) {
	return s.setLatch(ctx, dealID, "deadline_notified")
}

func (s *Store) setLatch(ctx context.Context, dealID, column string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deals SET `+column+` = 1, updated_at = ? WHERE id = ? AND `+column+` = 0`,
		time.Now().UTC(), dealID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// SetPendingKeyValidation tags the deal for a key-validated payout. The tag
// is set at most once; a second attempt fails.
func (s *Store) SetPendingKeyValidation(ctx context.Context, dealID string, kind deal.KeyValidationKind) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deals SET pending_key_validation = ?, updated_at = ? WHERE id = ? AND pending_key_validation = ''`,
		string(kind), time.Now().UTC(), dealID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: deal %s already has a pending key validation", deal.ErrStatusConflict, dealID)
	}
	return nil
}

// ClearPendingKeyValidation removes the tag, either on successful validation
// or to allow a retry after a failed broadcast.
func (s *Store) ClearPendingKeyValidation(ctx context.Context, dealID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deals SET pending_key_validation = '', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), dealID)
	return err
}

// DealsByStatus lists deals in any of the supplied statuses, oldest first.
func (s *Store) DealsByStatus(ctx context.Context, statuses ...deal.Status) ([]*deal.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE status IN (` + statusPlaceholders(statuses) + `) ORDER BY created_at ASC`
	args := make([]interface{}, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return s.queryDeals(ctx, query, args...)
}

// ExpiredDeals returns funded deals whose deadline has passed and which have
// not reached a terminal state.
func (s *Store) ExpiredDeals(ctx context.Context, now time.Time) ([]*deal.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals
        WHERE status IN (` + statusPlaceholders(deal.FundedStatuses) + `)
        AND deadline < ? AND completed_at IS NULL ORDER BY deadline ASC`
	args := make([]interface{}, 0, len(deal.FundedStatuses)+1)
	for _, st := range deal.FundedStatuses {
		args = append(args, string(st))
	}
	args = append(args, now.UTC())
	return s.queryDeals(ctx, query, args...)
}

// ListDeals supports admin filtering by status and/or participant. Zero
// values disable the corresponding filter.
func (s *Store) ListDeals(ctx context.Context, status deal.Status, userID int64, limit int) ([]*deal.Deal, error) {
	var (
		conds []string
		args  []interface{}
	)
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(status))
	}
	if userID != 0 {
		conds = append(conds, "(buyer_id = ? OR seller_id = ?)")
		args = append(args, userID, userID)
	}
	query := `SELECT ` + dealColumns + ` FROM deals`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryDeals(ctx, query, args...)
}

func (s *Store) queryDeals(ctx context.Context, query string, args ...interface{}) ([]*deal.Deal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deals []*deal.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deals, nil
}

// InsertTransaction appends a ledger row for an on-chain effect.
func (s *Store) InsertTransaction(ctx context.Context, t deal.Transaction) error {
	const stmt = `INSERT INTO transactions(deal_id, type, asset, amount, tx_hash, from_addr, to_addr, status, block, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, stmt, t.DealID, string(t.Type), t.Asset, bigString(t.Amount),
		t.TxHash, t.FromAddr, t.ToAddr, t.Status, t.Block, created)
	return err
}

// TransactionsByDeal lists the ledger for a deal in insertion order.
func (s *Store) TransactionsByDeal(ctx context.Context, dealID string) ([]deal.Transaction, error) {
	const query = `SELECT id, deal_id, type, asset, amount, tx_hash, from_addr, to_addr, status, block, created_at
        FROM transactions WHERE deal_id = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []deal.Transaction
	for rows.Next() {
		var t deal.Transaction
		var amount string
		var hash, from, to sql.NullString
		if err := rows.Scan(&t.ID, &t.DealID, &t.Type, &t.Asset, &amount, &hash, &from, &to, &t.Status, &t.Block, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount = parseBig(amount)
		t.TxHash, t.FromAddr, t.ToAddr = hash.String, from.String, to.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendAudit records an out-of-band audit entry, e.g. a needs_attention
// marker for invariant violations.
func (s *Store) AppendAudit(ctx context.Context, entry deal.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// AuditByDeal lists the audit trail for a deal.
func (s *Store) AuditByDeal(ctx context.Context, dealID string) ([]deal.AuditEntry, error) {
	const query = `SELECT id, deal_id, from_status, to_status, actor, note, created_at
        FROM audit_log WHERE deal_id = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []deal.AuditEntry
	for rows.Next() {
		var e deal.AuditEntry
		var from, actor, note sql.NullString
		if err := rows.Scan(&e.ID, &e.DealID, &from, &e.To, &actor, &note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.From = deal.Status(from.String)
		e.Actor, e.Note = actor.String, note.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry deal.AuditEntry) error {
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	const stmt = `INSERT INTO audit_log(deal_id, from_status, to_status, actor, note, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, stmt, entry.DealID, string(entry.From), string(entry.To), entry.Actor, entry.Note, created)
	return err
}

func requireRow(res sql.Result, dealID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return deal.ErrNotFound
	}
	return nil
}

func statusPlaceholders(statuses []deal.Status) string {
	return strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(row rowScanner) (*deal.Deal, error) {
	var (
		d                          deal.Deal
		amount, commission         string
		desc, buyerAddr, sellAddr  sql.NullString
		depositHash, payoutHash    sql.NullString
		costsJSON                  sql.NullString
		depositNotif, deadlineNotf int
		completedAt                sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.CreatorRole, &d.BuyerID, &d.SellerID, &d.Product, &desc, &d.Asset,
		&amount, &commission, &d.CommissionPayer, &d.Deadline, &d.Status, &d.MultisigAddress,
		&buyerAddr, &sellAddr, &depositHash, &payoutHash,
		&depositNotif, &deadlineNotf, &d.PendingKeyValidation, &costsJSON,
		&d.CreatedAt, &d.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	d.Description = desc.String
	d.Amount = parseBig(amount)
	d.Commission = parseBig(commission)
	d.BuyerPayoutAddress = buyerAddr.String
	d.SellerPayoutAddress = sellAddr.String
	d.DepositTxHash = depositHash.String
	d.PayoutTxHash = payoutHash.String
	d.DepositNotified = depositNotif == 1
	d.DeadlineNotified = deadlineNotf == 1
	if costsJSON.Valid && costsJSON.String != "" {
		var costs deal.OperationalCosts
		if err := json.Unmarshal([]byte(costsJSON.String), &costs); err != nil {
			return nil, fmt.Errorf("storage: decode costs for deal %s: %w", d.ID, err)
		}
		d.Costs = &costs
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return &d, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s string) *big.Int {
	if strings.TrimSpace(s) == "" {
		return big.NewInt(0)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
