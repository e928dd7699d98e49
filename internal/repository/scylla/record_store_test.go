package scylla

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLSecondsRoundsUp(t *testing.T) {
	assert.Equal(t, 0, ttlSeconds(0))
	assert.Equal(t, 0, ttlSeconds(-time.Second))
	assert.Equal(t, 1, ttlSeconds(10*time.Millisecond))
	assert.Equal(t, 60, ttlSeconds(time.Minute))
	assert.Equal(t, 61, ttlSeconds(time.Minute+time.Millisecond))
}

func TestStatementsUseLightweightTransactions(t *testing.T) {
	st := newStatements()
	assert.Contains(t, st.InsertIfAbsent, "IF NOT EXISTS")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(st.CompareAndSet), "IF value = ?"))
	assert.Contains(t, st.CreateTable, recordsTable)
}
