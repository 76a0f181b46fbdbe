package migrations

import (
	_ "embed"
	"os"
	"path/filepath"
)

const initialSchemaFile = "001_initial_schema.sql"

var (
	// MigrationsDir can be overridden in tests or by the application
	MigrationsDir = "scripts/migrations"

	//go:embed schema/001_initial_schema.sql
	embeddedSchema string
)

// GetInitialSchema returns the initial database schema. A schema file under
// MigrationsDir takes precedence over the one compiled into the binary.
func GetInitialSchema() (string, error) {
	searchPaths := []string{
		filepath.Join(MigrationsDir, initialSchemaFile),
		filepath.Join("..", "..", MigrationsDir, initialSchemaFile),
		filepath.Join("..", MigrationsDir, initialSchemaFile),
	}

	for _, path := range searchPaths {
		schemaContent, err := os.ReadFile(path) // #nosec G304 - fixed file name under a configured directory
		if err == nil {
			return string(schemaContent), nil
		}
	}

	return embeddedSchema, nil
}

// EmbeddedSchema returns the schema compiled into the binary
func EmbeddedSchema() string {
	return embeddedSchema
}
