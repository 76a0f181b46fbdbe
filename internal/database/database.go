package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"postrelay/internal/ledger"
	"postrelay/internal/migrations"
	"postrelay/internal/models"
	"postrelay/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// QuotaStore persists ledger state in the account_quotas table
type QuotaStore struct {
	db *Database
}

var _ ledger.Store = (*QuotaStore)(nil)

// QuotaStore returns a ledger store backed by this database
func (d *Database) QuotaStore() *QuotaStore {
	return &QuotaStore{db: d}
}

// Load returns the persisted quotas, or nil when none were saved yet
func (s *QuotaStore) Load(ctx context.Context) ([]models.AccountQuota, error) {
	rows, err := s.db.db.QueryContext(ctx, SelectAccountQuotasQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query account quotas: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var quotas []models.AccountQuota
	for rows.Next() {
		var q models.AccountQuota
		var resetAt sql.NullTime
		if err := rows.Scan(&q.AccountID, &q.Remaining, &resetAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrCorruptState, err)
		}
		if q.Remaining < 0 {
			return nil, fmt.Errorf("%w: negative remaining for account %d", ledger.ErrCorruptState, q.AccountID)
		}
		if resetAt.Valid {
			t := resetAt.Time.UTC()
			q.WindowResetAt = &t
		}
		q.Available = q.Remaining > 0 || q.WindowResetAt == nil || !now.Before(*q.WindowResetAt)
		quotas = append(quotas, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read account quotas: %w", err)
	}

	return quotas, nil
}

// Save replaces the stored quotas in one transaction
func (s *QuotaStore) Save(ctx context.Context, quotas []models.AccountQuota) error {
	return retryableDBOperationNoReturn(ctx, func() error {
		tx, err := s.db.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, DeleteAccountQuotasQuery); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, q := range quotas {
			var resetAt interface{}
			if q.WindowResetAt != nil {
				resetAt = q.WindowResetAt.UTC()
			}
			if _, err := tx.ExecContext(ctx, InsertAccountQuotaQuery, q.AccountID, q.Remaining, resetAt, now); err != nil {
				return err
			}
		}

		return tx.Commit()
	}, "save account quotas")
}

// SavePending replaces the journal with items, preserving their order
func (d *Database) SavePending(ctx context.Context, items []*models.QueueItem) error {
	type row struct {
		id, kind, payload string
		enqueuedAt        time.Time
	}

	rows := make([]row, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to encode pending item %s: %w", item.ID, err)
		}
		payload, err := d.encryptor.Encrypt(string(raw))
		if err != nil {
			return fmt.Errorf("failed to encrypt pending item %s: %w", item.ID, err)
		}
		rows = append(rows, row{id: item.ID, kind: string(item.Kind), payload: payload, enqueuedAt: item.EnqueuedAt.UTC()})
	}

	return retryableDBOperationNoReturn(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, DeletePendingItemsQuery); err != nil {
			return err
		}
		for i, r := range rows {
			if _, err := tx.ExecContext(ctx, InsertPendingItemQuery, i, r.id, r.kind, r.payload, r.enqueuedAt); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, "save pending items")
}

// LoadPending returns the journaled items in their saved order
func (d *Database) LoadPending(ctx context.Context) ([]*models.QueueItem, error) {
	rows, err := d.db.QueryContext(ctx, SelectPendingItemsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		var id, kind, payload string
		if err := rows.Scan(&id, &kind, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan pending item: %w", err)
		}

		raw, err := d.encryptor.Decrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt pending item %s: %w", id, err)
		}

		var item models.QueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to decode pending item %s: %w", id, err)
		}
		if item.ID == "" {
			item.ID = id
		}
		if item.Kind == "" {
			item.Kind = models.ItemKind(kind)
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending items: %w", err)
	}

	return items, nil
}

func (d *Database) ClearPending(ctx context.Context) error {
	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, DeletePendingItemsQuery)
		return err
	}, "clear pending items")
}

func (d *Database) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, CountPendingItemsQuery).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return count, nil
}
