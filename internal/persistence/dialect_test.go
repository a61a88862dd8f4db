package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT id FROM t WHERE a = ? AND b IN (?, ?)"

	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "SELECT id FROM t WHERE a = $1 AND b IN ($2, $3)", Postgres.Rebind(q))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
