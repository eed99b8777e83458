package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	mysql "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         VARCHAR(36)  NOT NULL,
		name       VARCHAR(255) NOT NULL,
		role       VARCHAR(16)  NOT NULL,
		api_key    VARCHAR(64)  NOT NULL,
		created_at DATETIME(6)  NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uniq_users_api_key (api_key)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS instruments (
		ticker          VARCHAR(10)   NOT NULL,
		name            VARCHAR(255)  NOT NULL,
		type            VARCHAR(16)   NOT NULL,
		commission_rate DECIMAL(18,8) NOT NULL DEFAULT 0,
		is_listed       TINYINT(1)    NOT NULL DEFAULT 1,
		PRIMARY KEY (ticker)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS balances (
		user_id VARCHAR(36)   NOT NULL,
		ticker  VARCHAR(10)   NOT NULL,
		amount  DECIMAL(18,8) NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, ticker)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS orders (
		id         VARCHAR(36)   NOT NULL,
		user_id    VARCHAR(36)   NOT NULL,
		ticker     VARCHAR(10)   NOT NULL,
		side       VARCHAR(4)    NOT NULL,
		type       VARCHAR(8)    NOT NULL,
		quantity   DECIMAL(18,8) NOT NULL,
		price      DECIMAL(18,8) NULL,
		filled     DECIMAL(18,8) NOT NULL DEFAULT 0,
		status     VARCHAR(20)   NOT NULL,
		created_at DATETIME(6)   NOT NULL,
		updated_at DATETIME(6)   NOT NULL,
		PRIMARY KEY (id),
		KEY idx_orders_user (user_id),
		KEY idx_orders_ticker_status (ticker, status)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id            BIGINT        NOT NULL AUTO_INCREMENT,
		ticker        VARCHAR(10)   NOT NULL,
		price         DECIMAL(18,8) NOT NULL,
		quantity      DECIMAL(18,8) NOT NULL,
		buyer_id      VARCHAR(36)   NOT NULL,
		seller_id     VARCHAR(36)   NOT NULL,
		buy_order_id  VARCHAR(36)   NOT NULL,
		sell_order_id VARCHAR(36)   NOT NULL,
		executed_at   DATETIME(6)   NOT NULL,
		PRIMARY KEY (id),
		KEY idx_transactions_ticker (ticker, id)
	) ENGINE=InnoDB`,
}

const orderColumns = `id, user_id, ticker, side, type, quantity, price, filled, status, created_at, updated_at`

// MySQLStore is the durable backend. Hot-path statements are prepared once
// and bound to each transaction.
type MySQLStore struct {
	db *sql.DB

	insertOrderStmt   *sql.Stmt
	updateOrderStmt   *sql.Stmt
	selectOrderStmt   *sql.Stmt
	insertTradeStmt   *sql.Stmt
	selectBalanceStmt *sql.Stmt
	creditBalanceStmt *sql.Stmt
	debitBalanceStmt  *sql.Stmt
}

// uriToDSN converts a mysql:// URI to the driver's DSN format. Anything
// not starting with mysql:// is treated as a native DSN.
func uriToDSN(connectionString string) (string, error) {
	if !strings.HasPrefix(connectionString, "mysql://") {
		return connectionString, nil
	}

	u, err := url.Parse(connectionString)
	if err != nil {
		return "", errors.Wrap(err, "parse URI")
	}
	if u.Host == "" {
		return "", errors.New("host is required")
	}

	var userInfo string
	if u.User != nil {
		username := u.User.Username()
		if password, ok := u.User.Password(); ok {
			userInfo = username + ":" + password
		} else {
			userInfo = username
		}
	}

	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = "test"
	}

	dsn := fmt.Sprintf("%s@tcp(%s)/%s", userInfo, u.Host, database)
	if params := u.Query(); len(params) > 0 {
		dsn += "?" + params.Encode()
	}
	return dsn, nil
}

// normalizeDSN accepts either a mysql:// URI or a native DSN, validates it
// and forces parseTime so DATETIME columns scan into time.Time.
func normalizeDSN(raw string) (string, error) {
	dsn, err := uriToDSN(raw)
	if err != nil {
		return "", err
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse DSN")
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// OpenMySQL connects, verifies the connection, bootstraps the schema and
// prepares hot-path statements.
func OpenMySQL(ctx context.Context, rawDSN string) (*MySQLStore, error) {
	if rawDSN == "" {
		return nil, errors.New("empty MySQL DSN")
	}
	dsn, err := normalizeDSN(rawDSN)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)

	s := &MySQLStore{db: sqlDB}
	if err := s.ensureSchema(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := s.prepareStatements(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) ensureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}

func (s *MySQLStore) prepareStatements(ctx context.Context) error {
	prepare := func(dst **sql.Stmt, query, what string) error {
		stmt, err := s.db.PrepareContext(ctx, query)
		if err != nil {
			return errors.Wrapf(err, "prepare %s statement", what)
		}
		*dst = stmt
		return nil
	}

	if err := prepare(&s.insertOrderStmt, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, "insert order"); err != nil {
		return err
	}
	if err := prepare(&s.updateOrderStmt, `
		UPDATE orders SET filled = ?, status = ?, updated_at = ? WHERE id = ?
	`, "update order"); err != nil {
		return err
	}
	if err := prepare(&s.selectOrderStmt, `
		SELECT `+orderColumns+` FROM orders WHERE id = ?
	`, "select order"); err != nil {
		return err
	}
	if err := prepare(&s.insertTradeStmt, `
		INSERT INTO transactions (
			ticker, price, quantity, buyer_id, seller_id,
			buy_order_id, sell_order_id, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, "insert trade"); err != nil {
		return err
	}
	if err := prepare(&s.selectBalanceStmt, `
		SELECT amount FROM balances WHERE user_id = ? AND ticker = ?
	`, "select balance"); err != nil {
		return err
	}
	if err := prepare(&s.creditBalanceStmt, `
		INSERT INTO balances (user_id, ticker, amount) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE amount = amount + ?
	`, "credit balance"); err != nil {
		return err
	}
	// The guard in the WHERE clause is what keeps balances non-negative
	// under concurrency: a debit either applies fully or touches nothing.
	if err := prepare(&s.debitBalanceStmt, `
		UPDATE balances SET amount = amount - ?
		WHERE user_id = ? AND ticker = ? AND amount >= ?
	`, "debit balance"); err != nil {
		return err
	}
	return nil
}

// Atomic runs fn inside a database transaction.
func (s *MySQLStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&mysqlTx{s: s, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

// View runs fn inside a read-only transaction.
func (s *MySQLStore) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return errors.Wrap(err, "begin read-only transaction")
	}
	defer tx.Rollback()

	if err := fn(&mysqlTx{s: s, tx: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit read-only transaction")
}

// Close releases prepared statements and the connection pool.
func (s *MySQLStore) Close() error {
	stmts := []*sql.Stmt{
		s.insertOrderStmt,
		s.updateOrderStmt,
		s.selectOrderStmt,
		s.insertTradeStmt,
		s.selectBalanceStmt,
		s.creditBalanceStmt,
		s.debitBalanceStmt,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

type mysqlTx struct {
	s  *MySQLStore
	tx *sql.Tx
}

func (t *mysqlTx) CreateUser(u *models.User) error {
	_, err := t.tx.Exec(`
		INSERT INTO users (id, name, role, api_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Name, u.Role, u.APIKey, u.CreatedAt)
	if isDuplicateKey(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert user")
}

func (t *mysqlTx) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Name, &u.Role, &u.APIKey, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan user")
	}
	return &u, nil
}

func (t *mysqlTx) UserByID(id string) (*models.User, error) {
	return t.scanUser(t.tx.QueryRow(`
		SELECT id, name, role, api_key, created_at FROM users WHERE id = ?
	`, id))
}

func (t *mysqlTx) UserByAPIKey(key string) (*models.User, error) {
	return t.scanUser(t.tx.QueryRow(`
		SELECT id, name, role, api_key, created_at FROM users WHERE api_key = ?
	`, key))
}

func (t *mysqlTx) DeleteUser(id string) error {
	res, err := t.tx.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := t.tx.Exec(`DELETE FROM balances WHERE user_id = ?`, id); err != nil {
		return errors.Wrap(err, "delete user balances")
	}
	if _, err := t.tx.Exec(`DELETE FROM orders WHERE user_id = ?`, id); err != nil {
		return errors.Wrap(err, "delete user orders")
	}
	return nil
}

func (t *mysqlTx) CreateInstrument(in *models.Instrument) error {
	_, err := t.tx.Exec(`
		INSERT INTO instruments (ticker, name, type, commission_rate, is_listed)
		VALUES (?, ?, ?, ?, ?)
	`, in.Ticker, in.Name, in.Type, in.CommissionRate, in.IsListed)
	if isDuplicateKey(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert instrument")
}

func (t *mysqlTx) InstrumentByTicker(ticker string) (*models.Instrument, error) {
	var in models.Instrument
	err := t.tx.QueryRow(`
		SELECT ticker, name, type, commission_rate, is_listed
		FROM instruments WHERE ticker = ?
	`, ticker).Scan(&in.Ticker, &in.Name, &in.Type, &in.CommissionRate, &in.IsListed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan instrument")
	}
	return &in, nil
}

func (t *mysqlTx) ListInstruments() ([]models.Instrument, error) {
	rows, err := t.tx.Query(`
		SELECT ticker, name, type, commission_rate, is_listed
		FROM instruments ORDER BY ticker
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query instruments")
	}
	defer rows.Close()

	var out []models.Instrument
	for rows.Next() {
		var in models.Instrument
		if err := rows.Scan(&in.Ticker, &in.Name, &in.Type, &in.CommissionRate, &in.IsListed); err != nil {
			return nil, errors.Wrap(err, "scan instrument")
		}
		out = append(out, in)
	}
	return out, errors.Wrap(rows.Err(), "iterate instruments")
}

func (t *mysqlTx) DeleteInstrument(ticker string) error {
	res, err := t.tx.Exec(`DELETE FROM instruments WHERE ticker = ?`, ticker)
	if err != nil {
		return errors.Wrap(err, "delete instrument")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := t.tx.Exec(`DELETE FROM balances WHERE ticker = ?`, ticker); err != nil {
		return errors.Wrap(err, "delete instrument balances")
	}
	if _, err := t.tx.Exec(`DELETE FROM orders WHERE ticker = ?`, ticker); err != nil {
		return errors.Wrap(err, "delete instrument orders")
	}
	return nil
}

func (t *mysqlTx) Balance(userID, ticker string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := t.tx.Stmt(t.s.selectBalanceStmt).QueryRow(userID, ticker).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "scan balance")
	}
	return amount, nil
}

func (t *mysqlTx) AddBalance(userID, ticker string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	if delta.IsPositive() {
		_, err := t.tx.Stmt(t.s.creditBalanceStmt).Exec(userID, ticker, delta, delta)
		return errors.Wrap(err, "credit balance")
	}
	need := delta.Neg()
	res, err := t.tx.Stmt(t.s.debitBalanceStmt).Exec(need, userID, ticker, need)
	if err != nil {
		return errors.Wrap(err, "debit balance")
	}
	// Zero rows affected means the row is missing or too small; either
	// way the funds are not there.
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (t *mysqlTx) BalancesByUser(userID string) (map[string]decimal.Decimal, error) {
	rows, err := t.tx.Query(`SELECT ticker, amount FROM balances WHERE user_id = ?`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query balances")
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var ticker string
		var amount decimal.Decimal
		if err := rows.Scan(&ticker, &amount); err != nil {
			return nil, errors.Wrap(err, "scan balance")
		}
		out[ticker] = amount
	}
	return out, errors.Wrap(rows.Err(), "iterate balances")
}

func (t *mysqlTx) CreateOrder(o *models.Order) error {
	var price interface{}
	if o.Price != nil {
		price = *o.Price
	}
	_, err := t.tx.Stmt(t.s.insertOrderStmt).Exec(
		o.ID, o.UserID, o.Ticker, o.Side, o.Type,
		o.Quantity, price, o.Filled, o.Status, o.CreatedAt, o.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert order")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var price sql.NullString
	err := row.Scan(
		&o.ID, &o.UserID, &o.Ticker, &o.Side, &o.Type,
		&o.Quantity, &price, &o.Filled, &o.Status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if price.Valid {
		p, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, errors.Wrapf(err, "parse price of order %s", o.ID)
		}
		o.Price = &p
	}
	return &o, nil
}

func (t *mysqlTx) OrderByID(id string) (*models.Order, error) {
	o, err := scanOrder(t.tx.Stmt(t.s.selectOrderStmt).QueryRow(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan order")
	}
	return o, nil
}

func (t *mysqlTx) queryOrders(query string, args ...interface{}) ([]models.Order, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query orders")
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, *o)
	}
	return out, errors.Wrap(rows.Err(), "iterate orders")
}

func (t *mysqlTx) OrdersByUser(userID string) ([]models.Order, error) {
	return t.queryOrders(`
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? ORDER BY created_at ASC, id ASC
	`, userID)
}

func (t *mysqlTx) UpdateOrder(o *models.Order) error {
	_, err := t.tx.Stmt(t.s.updateOrderStmt).Exec(o.Filled, o.Status, o.UpdatedAt, o.ID)
	return errors.Wrap(err, "update order")
}

func (t *mysqlTx) ActiveOrders() ([]models.Order, error) {
	return t.queryOrders(`
		SELECT ` + orderColumns + ` FROM orders
		WHERE status IN ('OPEN', 'PARTIALLY_FILLED')
		ORDER BY created_at ASC, id ASC
	`)
}

func (t *mysqlTx) AppendTrade(tr *models.Trade) error {
	res, err := t.tx.Stmt(t.s.insertTradeStmt).Exec(
		tr.Ticker, tr.Price, tr.Quantity, tr.BuyerID, tr.SellerID,
		tr.BuyOrderID, tr.SellOrderID, tr.ExecutedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert trade")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "trade insert id")
	}
	tr.ID = id
	return nil
}

func (t *mysqlTx) TradesByTicker(ticker string, limit int) ([]models.Trade, error) {
	query := `
		SELECT id, ticker, price, quantity, buyer_id, seller_id,
		       buy_order_id, sell_order_id, executed_at
		FROM transactions
		WHERE ticker = ?
		ORDER BY executed_at DESC, id DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := t.tx.Query(query, ticker)
	if err != nil {
		return nil, errors.Wrap(err, "query trades")
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var tr models.Trade
		if err := rows.Scan(
			&tr.ID, &tr.Ticker, &tr.Price, &tr.Quantity, &tr.BuyerID,
			&tr.SellerID, &tr.BuyOrderID, &tr.SellOrderID, &tr.ExecutedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		out = append(out, tr)
	}
	return out, errors.Wrap(rows.Err(), "iterate trades")
}
