package contractdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Register relevant drivers.
)

const (
	// sqliteOptionPrefix is the string prefix sqlite uses to set
	// various options. This is used in the following format:
	//   * sqliteOptionPrefix || option_name = option_value.
	sqliteOptionPrefix = "_pragma"

	// sqliteTxLockImmediate is a dsn option used to ensure that write
	// transactions are started immediately.
	sqliteTxLockImmediate = "_txlock=immediate"
)

// createContractsTable is the v0 schema. Columns added later are
// nullable and applied as tolerant ALTERs below so that old databases
// keep working.
const createContractsTable = `
CREATE TABLE IF NOT EXISTS contracts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_pubkey TEXT NOT NULL,
	deposit_address TEXT NOT NULL,
	amount INTEGER NOT NULL,
	direction TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	tx_hex TEXT
);`

// schemaAdditions are backward compatible column additions. Each ALTER
// fails with a "duplicate column" error when the column already exists,
// which we treat as a no-op.
var schemaAdditions = []string{
	"ALTER TABLE contracts ADD COLUMN nonce TEXT",
	"ALTER TABLE contracts ADD COLUMN created_at TIMESTAMP " +
		"DEFAULT CURRENT_TIMESTAMP",
	"ALTER TABLE contracts ADD COLUMN block_height INTEGER",
}

// SqliteStore is the contract system of record, backed by a sqlite
// database file. No in-memory copy of a contract is authoritative:
// every read re-queries the store.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens (creating if needed) the contract database at
// dbPath and applies the schema.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	pragmas := [][2]string{
		{"foreign_keys", "on"},
		{"journal_mode", "WAL"},
		{"busy_timeout", "5000"},
	}
	options := make(url.Values)
	for _, pragma := range pragmas {
		options.Add(
			sqliteOptionPrefix,
			fmt.Sprintf("%v=%v", pragma[0], pragma[1]),
		)
	}

	dsn := fmt.Sprintf(
		"%v?%v&%v", dbPath, options.Encode(), sqliteTxLockImmediate,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(createContractsTable); err != nil {
		db.Close()
		return nil, err
	}
	for _, addition := range schemaAdditions {
		_, err := db.Exec(addition)
		if err != nil && !isDuplicateColumn(err) {
			db.Close()
			return nil, err
		}
	}

	log.Infof("Opened contract database at %v", dbPath)

	return &SqliteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func isDuplicateColumn(err error) bool {
	return err != nil &&
		strings.Contains(err.Error(), "duplicate column name")
}

// CreateContract inserts a new PENDING contract and returns its id.
func (s *SqliteStore) CreateContract(ctx context.Context,
	c *Contract) (int64, error) {

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (user_pubkey, deposit_address, amount,
			direction, status, nonce, block_height)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.UserPubKey, c.DepositAddress, c.Amount, string(c.Direction),
		string(StatusPending), c.Nonce, c.BlockHeight,
	)
	if err != nil {
		return 0, err
	}

	return result.LastInsertId()
}

const contractColumns = `id, user_pubkey, deposit_address, amount,
	direction, status, COALESCE(tx_hex, ''), COALESCE(nonce, ''),
	COALESCE(created_at, CURRENT_TIMESTAMP), COALESCE(block_height, 0)`

func scanContract(row interface{ Scan(...any) error }) (*Contract, error) {
	var (
		c         Contract
		direction string
		status    string
		createdAt string
	)
	err := row.Scan(
		&c.ID, &c.UserPubKey, &c.DepositAddress, &c.Amount,
		&direction, &status, &c.TxHex, &c.Nonce, &createdAt,
		&c.BlockHeight,
	)
	if err != nil {
		return nil, err
	}
	c.Direction = Direction(direction)
	c.Status = Status(status)
	c.CreatedAt = parseTimestamp(createdAt)

	return &c, nil
}

// parseTimestamp decodes the sqlite text timestamp formats we may find
// in the created_at column. An unparseable value degrades to the zero
// time rather than failing the read.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05", time.RFC3339, time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Contract fetches a single contract by id.
func (s *SqliteStore) Contract(ctx context.Context,
	id int64) (*Contract, error) {

	row := s.db.QueryRowContext(ctx, `
		SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id,
	)

	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}

	return c, nil
}

// ContractsByUser lists every contract created by the given user key,
// newest first.
func (s *SqliteStore) ContractsByUser(ctx context.Context,
	userPubKey string) ([]*Contract, error) {

	return s.queryContracts(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE user_pubkey = ? ORDER BY id DESC`, userPubKey,
	)
}

// SettleableContracts lists contracts the settlement sweep should
// visit: PENDING and WAITING_USER_SIG.
func (s *SqliteStore) SettleableContracts(
	ctx context.Context) ([]*Contract, error) {

	return s.queryContracts(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE status IN (?, ?) ORDER BY id`,
		string(StatusPending), string(StatusWaitingUserSig),
	)
}

// PendingContracts lists contracts still in PENDING.
func (s *SqliteStore) PendingContracts(
	ctx context.Context) ([]*Contract, error) {

	return s.queryContracts(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE status = ? ORDER BY id`, string(StatusPending),
	)
}

func (s *SqliteStore) queryContracts(ctx context.Context, query string,
	args ...any) ([]*Contract, error) {

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}

	return contracts, rows.Err()
}

// UpdateStatus advances a contract's status, persisting the constructed
// transaction alongside when txHex is non-empty.
func (s *SqliteStore) UpdateStatus(ctx context.Context, id int64,
	status Status, txHex string) error {

	var (
		result sql.Result
		err    error
	)
	if txHex != "" {
		result, err = s.db.ExecContext(ctx, `
			UPDATE contracts SET status = ?, tx_hex = ?
			WHERE id = ?`, string(status), txHex, id,
		)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE contracts SET status = ? WHERE id = ?`,
			string(status), id,
		)
	}
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrContractNotFound
	}

	log.Debugf("Contract %d advanced to %v", id, status)

	return nil
}

// DeleteContract removes a contract row outright. Only PENDING,
// never-funded contracts are safe to delete; the caller enforces that.
func (s *SqliteStore) DeleteContract(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(
		ctx, "DELETE FROM contracts WHERE id = ?", id,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrContractNotFound
	}

	return nil
}
