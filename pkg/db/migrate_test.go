package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db?sslmode=disable", migrateURL("postgres://u:p@h:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://u:p@h/db", migrateURL("postgresql://u:p@h/db"))
	assert.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}

func TestOperationOf(t *testing.T) {
	assert.Equal(t, "select", operationOf("\n\t\tSELECT 1"))
	assert.Equal(t, "delete", operationOf("DELETE FROM idempotency"))
	assert.Equal(t, "unknown", operationOf("   "))
}
