// Package migrations holds the goose migrations for the Postgres store.
package migrations

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(upCreateQueueTables, downCreateQueueTables)
}

func upCreateQueueTables(tx *sql.Tx) error {
	_, err := tx.Exec(`
create table if not exists wm_queue_registry (
  name       text primary key,
  created_at timestamptz not null default now()
);
create table if not exists wm_work_items (
  id          bigserial primary key,
  queue       text not null,
  payload     bytea not null,
  enqueued_at timestamptz not null default now()
);
create index if not exists wm_work_items_queue_id on wm_work_items(queue, id);`)
	return err
}

func downCreateQueueTables(tx *sql.Tx) error {
	_, err := tx.Exec(`drop table if exists wm_work_items; drop table if exists wm_queue_registry;`)
	return err
}
