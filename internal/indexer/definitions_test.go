package indexer

import (
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDefinitionStoreLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"order_items.json": &fstest.MapFile{Data: []byte(`{
			"table": "idx_order_items",
			"entityType": "Order",
			"arrayRoot": "$.items",
			"columns": [{"name": "item_id", "jsonPath": "$.id"}]
		}`)},
		"totals.json": &fstest.MapFile{Data: []byte(`{
			"table": "idx_totals",
			"columns": [{"name": "total", "jsonPath": "$.total", "type": "decimal"}]
		}`)},
		"broken.json":    &fstest.MapFile{Data: []byte(`{nope`)},
		"bad_table.json": &fstest.MapFile{Data: []byte(`{"table": "idx; DROP", "columns": [{"name": "x", "jsonPath": "$.x"}]}`)},
		"empty.json":     &fstest.MapFile{Data: []byte(`{"table": "idx_empty"}`)},
		"readme.txt":     &fstest.MapFile{Data: []byte("not a definition")},
	}

	store := NewDefinitionStore(fsys, zerolog.Nop())
	require.NoError(t, store.Load())

	def, ok := store.ByTable("idx_order_items")
	require.True(t, ok)
	require.Equal(t, "Order", def.EntityType)
	require.Equal(t, "$.items", def.ArrayRoot)

	// Lookup is case-insensitive, like the metadata loader's.
	_, ok = store.ByTable("IDX_ORDER_ITEMS")
	require.True(t, ok)

	// Malformed, invalid, and column-less files were skipped, the rest
	// kept, ordered by table name.
	all := store.All()
	require.Len(t, all, 2)
	require.Equal(t, "idx_order_items", all[0].Table)
	require.Equal(t, "idx_totals", all[1].Table)
}
