package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jogardn/chainfood/internal/ledger"
	"github.com/jogardn/chainfood/pkg/models"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Journal stores the ledger's write-ahead log in the ledger_journal table.
type Journal struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open connects with dsn and waits up to attempts*interval for the
// database to answer.
func Open(ctx context.Context, dsn string, attempts int, interval time.Duration, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for i := 0; ; i++ {
		err = db.PingContext(ctx)
		if err == nil {
			logger.Info("Database connection established")
			return db, nil
		}
		if i+1 >= attempts {
			break
		}
		logger.WithError(err).Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}

	db.Close()
	return nil, fmt.Errorf("database not reachable: %w", err)
}

func NewJournal(ctx context.Context, db *sql.DB, logger *logrus.Logger) (*Journal, error) {
	j := &Journal{db: db, logger: logger}
	if err := j.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create journal tables: %w", err)
	}
	return j, nil
}

func (j *Journal) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ledger_journal (
			seq BIGINT PRIMARY KEY,
			id UUID NOT NULL UNIQUE,
			method VARCHAR(64) NOT NULL,
			sender VARCHAR(42) NOT NULL,
			value NUMERIC(20,0) NOT NULL DEFAULT 0,
			args JSONB,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_journal_sender ON ledger_journal(sender)`,
		`ALTER TABLE ledger_journal ADD COLUMN IF NOT EXISTS nonce VARCHAR(64)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_journal_nonce ON ledger_journal(sender, nonce) WHERE nonce IS NOT NULL`,
	}

	for _, query := range queries {
		if _, err := j.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Append(ctx context.Context, tx ledger.Tx) error {
	query := `
		INSERT INTO ledger_journal (seq, id, method, sender, value, args, timestamp, nonce)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := j.db.ExecContext(ctx, query,
		int64(tx.Seq), tx.ID, tx.Call.Method, string(tx.Call.From),
		strconv.FormatUint(tx.Call.Value, 10), nullableArgs(tx.Call.Args), tx.Timestamp.UTC(),
		sql.NullString{String: tx.Call.Nonce, Valid: tx.Call.Nonce != ""},
	)
	if err != nil {
		j.logger.WithError(err).WithFields(logrus.Fields{
			"tx_id":  tx.ID,
			"seq":    tx.Seq,
			"method": tx.Call.Method,
		}).Error("Failed to append to journal")
		return fmt.Errorf("append tx %s: %w", tx.ID, err)
	}
	return nil
}

func (j *Journal) Load(ctx context.Context) ([]ledger.Tx, error) {
	query := `
		SELECT seq, id, method, sender, value, args, timestamp, nonce
		FROM ledger_journal ORDER BY seq
	`
	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []ledger.Tx
	for rows.Next() {
		var (
			seq    int64
			sender string
			value  string
			args   []byte
			nonce  sql.NullString
			tx     ledger.Tx
		)
		if err := rows.Scan(&seq, &tx.ID, &tx.Call.Method, &sender, &value, &args, &tx.Timestamp, &nonce); err != nil {
			return nil, err
		}
		if tx.Call.Value, err = strconv.ParseUint(value, 10, 64); err != nil {
			return nil, fmt.Errorf("journal seq %d: bad value %q", seq, value)
		}
		tx.Seq = uint64(seq)
		tx.Call.From = models.Address(sender)
		tx.Call.Args = decodeArgs(args)
		tx.Call.Nonce = nonce.String
		tx.Timestamp = tx.Timestamp.UTC()
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	j.logger.WithField("count", len(txs)).Info("Journal loaded")
	return txs, nil
}

func nullableArgs(args json.RawMessage) interface{} {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	return []byte(args)
}

func decodeArgs(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return json.RawMessage(raw)
}
