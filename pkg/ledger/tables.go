package ledger

import (
	"fmt"

	"github.com/scylladb/gocqlx/v2/table"
)

// Table models for the two durable ledgers kept in the target database.

func ledgerTable(ks string) *table.Table {
	return table.New(table.Metadata{
		Name: ks + ".ledger",
		Columns: []string{
			"ks",
			"tbl",
			"tile",
			"ver",
			"load_status",
			"dt_load",
			"offload_status",
			"dt_offload",
			"location",
		},
		PartKey: []string{"ks", "tbl"},
		SortKey: []string{"tile", "ver"},
	})
}

func cdcLedgerTable(ks string) *table.Table {
	return table.New(table.Metadata{
		Name: ks + ".cdc_ledger",
		Columns: []string{
			"key",
			"tile",
			"backfill_completed",
			"backfill_ts",
			"max_ts",
			"last_processed_snapshot",
		},
		PartKey: []string{"key"},
		SortKey: []string{"tile"},
	})
}

// DDL returns the idempotent schema statements for the ledger keyspace.
func DDL(ks string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.ledger (
			ks text,
			tbl text,
			tile int,
			ver text,
			load_status text,
			dt_load timestamp,
			offload_status text,
			dt_offload timestamp,
			location text,
			PRIMARY KEY ((ks, tbl), tile, ver))`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.cdc_ledger (
			key text,
			tile int,
			backfill_completed boolean,
			backfill_ts bigint,
			max_ts bigint,
			last_processed_snapshot bigint,
			PRIMARY KEY (key, tile))`, ks),
	}
}
