package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callbridge/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows            = errors.New("no rows found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Store is the durable side of the system: the user directory, the wallet
// ledger, and the call history. Wallet mutations always run inside a
// sqlite transaction so a billing tick and a concurrent recharge can never
// lose an update.
type Store struct {
	conn *sql.DB
}

func New(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			password TEXT NOT NULL,
			device_token TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'caller'
		)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			user_id TEXT PRIMARY KEY,
			balance REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			amount REAL NOT NULL,
			kind TEXT NOT NULL,
			peer_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			caller_id TEXT NOT NULL,
			callee_id TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			duration REAL NOT NULL,
			status TEXT NOT NULL,
			ended_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_entries_user ON wallet_entries(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_caller ON calls(caller_id, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_callee ON calls(callee_id, start_time)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// ─── User directory ─────────────────────────────────────────────

func (s *Store) CreateUser(u models.User) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO users (id, display_name, password, device_token, role) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.DisplayName, string(hash), u.DeviceToken, u.Role,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO wallets (user_id, balance) VALUES (?, 0)`, u.ID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FindUser(id string) (models.User, error) {
	var u models.User
	err := s.conn.QueryRow(
		`SELECT id, display_name, device_token, role FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName, &u.DeviceToken, &u.Role)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNoRows
	}
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

func (s *Store) Authenticate(id, password string) (models.User, error) {
	var u models.User
	var hash string
	err := s.conn.QueryRow(
		`SELECT id, display_name, password, device_token, role FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName, &hash, &u.DeviceToken, &u.Role)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNoRows
	}
	if err != nil {
		return models.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return models.User{}, errors.New("invalid credentials")
	}
	return u, nil
}

func (s *Store) SetDeviceToken(id, token string) error {
	_, err := s.conn.Exec(`UPDATE users SET device_token = ? WHERE id = ?`, token, id)
	return err
}

func (s *Store) ListUsers() ([]models.User, error) {
	rows, err := s.conn.Query(
		`SELECT u.id, u.display_name, u.device_token, u.role, COALESCE(w.balance, 0)
		 FROM users u LEFT JOIN wallets w ON w.user_id = u.id ORDER BY u.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		var balance float64
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.DeviceToken, &u.Role, &balance); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) DeleteUser(id string) error {
	_, err := s.conn.Exec(`DELETE FROM users WHERE id = ?`, id)
	return err
}

// ─── Wallet ─────────────────────────────────────────────────────

func (s *Store) GetBalance(userID string) (float64, error) {
	var balance float64
	err := s.conn.QueryRow(`SELECT balance FROM wallets WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNoRows
	}
	return balance, err
}

// Recharge credits userID's wallet and appends an audit entry, returning
// the new balance.
func (s *Store) Recharge(userID string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("recharge amount must be positive, got %v", amount)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO wallets (user_id, balance) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET balance = balance + ?`,
		userID, amount, amount,
	); err != nil {
		return 0, err
	}
	if err := appendEntry(tx, userID, amount, "recharge", ""); err != nil {
		return 0, err
	}

	var balance float64
	if err := tx.QueryRow(`SELECT balance FROM wallets WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

// ChargeForCall applies one billing interval: debit the caller by rate,
// credit the receiver by rate minus commission, append both audit entries.
// The whole step is one transaction; when the caller's balance is below
// the rate nothing is written and ErrInsufficientFunds is returned.
func (s *Store) ChargeForCall(callerID, receiverID string, rate, commissionPct float64) (callerBalance, receiverCredit float64, err error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	var balance float64
	err = tx.QueryRow(`SELECT balance FROM wallets WHERE user_id = ?`, callerID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, 0, err
	}
	if balance < rate {
		return 0, 0, ErrInsufficientFunds
	}

	receiverCredit = rate * (100 - commissionPct) / 100

	if _, err = tx.Exec(
		`UPDATE wallets SET balance = balance - ? WHERE user_id = ?`, rate, callerID,
	); err != nil {
		return 0, 0, err
	}
	if _, err = tx.Exec(
		`INSERT INTO wallets (user_id, balance) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET balance = balance + ?`,
		receiverID, receiverCredit, receiverCredit,
	); err != nil {
		return 0, 0, err
	}
	if err = appendEntry(tx, callerID, -rate, "call_charge", receiverID); err != nil {
		return 0, 0, err
	}
	if err = appendEntry(tx, receiverID, receiverCredit, "call_earning", callerID); err != nil {
		return 0, 0, err
	}
	if err = tx.QueryRow(`SELECT balance FROM wallets WHERE user_id = ?`, callerID).Scan(&callerBalance); err != nil {
		return 0, 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}
	return callerBalance, receiverCredit, nil
}

func appendEntry(tx *sql.Tx, userID string, amount float64, kind, peerID string) error {
	_, err := tx.Exec(
		`INSERT INTO wallet_entries (user_id, amount, kind, peer_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, amount, kind, peerID, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) WalletEntries(userID string, limit int) ([]models.WalletEntry, error) {
	rows, err := s.conn.Query(
		`SELECT id, user_id, amount, kind, peer_id, created_at
		 FROM wallet_entries WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WalletEntry
	for rows.Next() {
		var e models.WalletEntry
		var created string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Kind, &e.PeerID, &created); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Call history ───────────────────────────────────────────────

func (s *Store) RecordCall(rec models.CallRecord) error {
	_, err := s.conn.Exec(
		`INSERT INTO calls (caller_id, callee_id, start_time, end_time, duration, status, ended_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CallerID, rec.CalleeID,
		rec.StartTime.UTC().Format(time.RFC3339),
		rec.EndTime.UTC().Format(time.RFC3339),
		rec.Duration, rec.Status, rec.EndedBy,
	)
	return err
}

func (s *Store) ListCalls(limit int) ([]models.CallRecord, error) {
	rows, err := s.conn.Query(
		`SELECT id, caller_id, callee_id, start_time, end_time, duration, status, ended_by
		 FROM calls ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		var start, end string
		if err := rows.Scan(&rec.ID, &rec.CallerID, &rec.CalleeID, &start, &end, &rec.Duration, &rec.Status, &rec.EndedBy); err != nil {
			return nil, err
		}
		rec.StartTime, _ = time.Parse(time.RFC3339, start)
		rec.EndTime, _ = time.Parse(time.RFC3339, end)
		out = append(out, rec)
	}
	return out, rows.Err()
}
