package database

// Account quota queries
const (
	SelectAccountQuotasQuery = `
		SELECT account_id, remaining, window_reset_at
		FROM account_quotas
		ORDER BY account_id
	`

	DeleteAccountQuotasQuery = `DELETE FROM account_quotas`

	InsertAccountQuotaQuery = `
		INSERT INTO account_quotas (account_id, remaining, window_reset_at, updated_at)
		VALUES (?, ?, ?, ?)
	`
)

// Pending item journal queries
const (
	SelectPendingItemsQuery = `
		SELECT item_id, kind, payload
		FROM pending_items
		ORDER BY position
	`

	DeletePendingItemsQuery = `DELETE FROM pending_items`

	InsertPendingItemQuery = `
		INSERT INTO pending_items (position, item_id, kind, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`

	CountPendingItemsQuery = `SELECT COUNT(*) FROM pending_items`
)
