package storage

import (
	"context"
)

// ReconcileRegistry registers every queue that owns rows but has no registry
// entry, so the next Start reloads it. It returns the number of names added.
func (s *Store) ReconcileRegistry(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
insert into wm_queue_registry(name)
select distinct w.queue from wm_work_items w
 where not exists (select 1 from wm_queue_registry r where r.name = w.queue)
on conflict do nothing`)
	if err != nil {
		return 0, pgErr(ctx, err, "reconcile registry")
	}
	return tag.RowsAffected(), nil
}
