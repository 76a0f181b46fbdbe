package migrations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInitialSchema_Embedded(t *testing.T) {
	originalDir := MigrationsDir
	MigrationsDir = filepath.Join(t.TempDir(), "nonexistent")
	defer func() { MigrationsDir = originalDir }()

	schema, err := GetInitialSchema()
	require.NoError(t, err)
	assert.Equal(t, EmbeddedSchema(), schema)
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS account_quotas")
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS pending_items")
	assert.Contains(t, schema, "CHECK (remaining >= 0)")
}

func TestGetInitialSchema_OverrideDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	override := "CREATE TABLE IF NOT EXISTS account_quotas (account_id INTEGER PRIMARY KEY);"
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, initialSchemaFile), []byte(override), 0o600))

	originalDir := MigrationsDir
	MigrationsDir = tmpDir
	defer func() { MigrationsDir = originalDir }()

	schema, err := GetInitialSchema()
	require.NoError(t, err)
	assert.Equal(t, override, schema)
}

func TestEmbeddedSchemaIsIdempotent(t *testing.T) {
	schema := EmbeddedSchema()
	assert.NotContains(t, schema, "CREATE TABLE account_quotas")
	assert.Contains(t, schema, "INSERT OR IGNORE INTO schema_migrations")
}
