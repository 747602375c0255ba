package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAll(t *testing.T) {
	all, err := All()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, "0001_stock.sql", all[0].Name)

	for _, table := range []string{"stock_aggregates", "stock_ledger_entries", "stock_outbox", "stock_outbox_dlq", "stock_snapshots"} {
		assert.True(t, strings.Contains(all[0].SQL, "CREATE TABLE IF NOT EXISTS "+table+" ("), table)
	}
}
