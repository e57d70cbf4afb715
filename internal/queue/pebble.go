package queue

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
)

// Key layout:
//
//	wq/{len:2}{name}/{seq:8}  - queued item, seq ascending
//	wr/{name}                 - registry entry
const (
	prefixItem     = "wq/"
	prefixRegistry = "wr/"
)

// PebbleOptions configures the embedded store.
type PebbleOptions struct {
	// Dir is the database directory.
	Dir string
	// FS overrides the filesystem; vfs.NewMem() gives an in-memory store.
	FS vfs.FS
	// Sync forces a WAL fsync on every commit.
	Sync bool
}

// PebbleStore persists queues in an embedded Pebble database. Items are keyed
// by a per-queue sequence number; head and tail are rebuilt from the keyspace
// when a queue is first opened.
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	mu     sync.Mutex
	queues map[string]*pebbleQueueState
}

type pebbleQueueState struct {
	head, tail uint64
	reserved   uint64
}

func OpenPebbleStore(opts PebbleOptions) (*PebbleStore, error) {
	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	if opts.Dir == "" {
		return nil, errors.New("pebble: Dir is required")
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, errors.Wrap(err, "open pebble")
	}
	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	return &PebbleStore{db: db, writeOpts: wo, queues: make(map[string]*pebbleQueueState)}, nil
}

func queuePrefix(name string) []byte {
	key := make([]byte, 0, len(prefixItem)+2+len(name)+1)
	key = append(key, prefixItem...)
	key = binary.BigEndian.AppendUint16(key, uint16(len(name)))
	key = append(key, name...)
	return append(key, '/')
}

func itemKey(name string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(queuePrefix(name), seq)
}

func registryKey(name string) []byte {
	return append([]byte(prefixRegistry), name...)
}

func upperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}

// state loads head/tail for name. Caller holds s.mu.
func (s *PebbleStore) state(name string) (*pebbleQueueState, error) {
	if st, ok := s.queues[name]; ok {
		return st, nil
	}
	if len(name) > math.MaxUint16 {
		return nil, errors.Wrapf(ErrInvalidQueueName, "name is %d bytes, limit %d", len(name), math.MaxUint16)
	}
	prefix := queuePrefix(name)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, errors.Wrap(err, "scan queue")
	}
	defer iter.Close()

	st := &pebbleQueueState{}
	if iter.First() {
		k := iter.Key()
		st.head = binary.BigEndian.Uint64(k[len(k)-8:])
		iter.Last()
		k = iter.Key()
		st.tail = binary.BigEndian.Uint64(k[len(k)-8:]) + 1
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "scan queue")
	}
	s.queues[name] = st
	return st, nil
}

type pebbleTx struct {
	s        *PebbleStore
	done     bool
	taken    map[string]uint64
	enqueued []memOp
	regAdd   []string
	regDel   []string
	drops    []string
}

func (s *PebbleStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}
	return &pebbleTx{s: s, taken: make(map[string]uint64)}, nil
}

func (s *PebbleStore) tx(tx Tx) (*pebbleTx, error) {
	t, ok := tx.(*pebbleTx)
	if !ok || t.s != s {
		return nil, ErrForeignTx
	}
	if t.done {
		return nil, ErrTxDone
	}
	return t, nil
}

func (s *PebbleStore) OpenQueue(ctx context.Context, name string) (Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.state(name); err != nil {
		return nil, err
	}
	return &pebbleQueue{s: s, name: name}, nil
}

func (s *PebbleStore) DropQueue(ctx context.Context, tx Tx, name string) error {
	t, err := s.tx(tx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(name)
	if err != nil {
		return err
	}
	if st.tail > st.head {
		return ErrQueueNotEmpty
	}
	t.drops = append(t.drops, name)
	return nil
}

func (s *PebbleStore) Registry() Registry { return pebbleRegistry{s} }

func (s *PebbleStore) Close() error { return s.db.Close() }

func (t *pebbleTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t.done = true

	b := s.db.NewBatch()
	defer b.Close()

	heads := make(map[string]uint64)
	tails := make(map[string]uint64)
	for name, n := range t.taken {
		st, err := s.state(name)
		if err != nil {
			t.release()
			return err
		}
		for seq := st.head; seq < st.head+n; seq++ {
			if err := b.Delete(itemKey(name, seq), nil); err != nil {
				t.release()
				return errors.Wrap(err, "batch delete")
			}
		}
		heads[name] = st.head + n
	}
	var dropped []string
	for _, name := range t.drops {
		st, err := s.state(name)
		if err != nil {
			t.release()
			return err
		}
		if st.tail > st.head || st.reserved > 0 {
			continue
		}
		prefix := queuePrefix(name)
		if err := b.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
			t.release()
			return errors.Wrap(err, "batch drop")
		}
		dropped = append(dropped, name)
	}
	for _, op := range t.enqueued {
		st, err := s.state(op.queue)
		if err != nil {
			t.release()
			return err
		}
		tail, ok := tails[op.queue]
		if !ok {
			tail = st.tail
		}
		if err := b.Set(itemKey(op.queue, tail), op.payload, nil); err != nil {
			t.release()
			return errors.Wrap(err, "batch set")
		}
		tails[op.queue] = tail + 1
	}
	for _, name := range t.regDel {
		if err := b.Delete(registryKey(name), nil); err != nil {
			t.release()
			return errors.Wrap(err, "batch registry delete")
		}
	}
	for _, name := range t.regAdd {
		if err := b.Set(registryKey(name), []byte{1}, nil); err != nil {
			t.release()
			return errors.Wrap(err, "batch registry set")
		}
	}

	if err := b.Commit(s.writeOpts); err != nil {
		t.release()
		return errors.Wrap(err, "commit batch")
	}

	for name, head := range heads {
		st := s.queues[name]
		st.reserved -= head - st.head
		st.head = head
	}
	for _, name := range dropped {
		delete(s.queues, name)
	}
	for name, tail := range tails {
		st, err := s.state(name)
		if err != nil {
			// The batch is durable; forget the cached state so the next
			// access rebuilds it from the keyspace.
			delete(s.queues, name)
			continue
		}
		st.tail = tail
	}
	return nil
}

// release returns reserved items. Caller holds s.mu.
func (t *pebbleTx) release() {
	for name, n := range t.taken {
		if st, ok := t.s.queues[name]; ok {
			st.reserved -= n
		}
	}
}

func (t *pebbleTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.done = true
	t.release()
	return nil
}

type pebbleQueue struct {
	s    *PebbleStore
	name string
}

func (q *pebbleQueue) Name() string { return q.name }

func (q *pebbleQueue) Enqueue(ctx context.Context, tx Tx, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	t, err := q.s.tx(tx)
	if err != nil {
		return err
	}
	t.enqueued = append(t.enqueued, memOp{queue: q.name, payload: append([]byte(nil), payload...)})
	return nil
}

func (q *pebbleQueue) TryDequeue(ctx context.Context, tx Tx) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, ctxErr(err)
	}
	t, err := q.s.tx(tx)
	if err != nil {
		return nil, false, err
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	st, err := q.s.state(q.name)
	if err != nil {
		return nil, false, err
	}
	seq := st.head + st.reserved
	if seq >= st.tail {
		return nil, false, nil
	}
	val, closer, err := q.s.db.Get(itemKey(q.name, seq))
	if err != nil {
		return nil, false, errors.Wrapf(err, "read item %d", seq)
	}
	payload := append([]byte(nil), val...)
	_ = closer.Close()
	st.reserved++
	t.taken[q.name]++
	return payload, true, nil
}

func (q *pebbleQueue) Count(ctx context.Context) (int64, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	st, err := q.s.state(q.name)
	if err != nil {
		return 0, err
	}
	return int64(st.tail - st.head), nil
}

type pebbleRegistry struct{ s *PebbleStore }

func (g pebbleRegistry) Contains(ctx context.Context, tx Tx, name string) (bool, error) {
	if _, err := g.s.tx(tx); err != nil {
		return false, err
	}
	_, closer, err := g.s.db.Get(registryKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "registry lookup")
	}
	_ = closer.Close()
	return true, nil
}

func (g pebbleRegistry) Add(ctx context.Context, tx Tx, name string) error {
	t, err := g.s.tx(tx)
	if err != nil {
		return err
	}
	t.regAdd = append(t.regAdd, name)
	return nil
}

func (g pebbleRegistry) Remove(ctx context.Context, tx Tx, name string) (bool, error) {
	ok, err := g.Contains(ctx, tx, name)
	if err != nil {
		return false, err
	}
	t, _ := g.s.tx(tx)
	t.regDel = append(t.regDel, name)
	return ok, nil
}

func (g pebbleRegistry) List(ctx context.Context) ([]string, error) {
	prefix := []byte(prefixRegistry)
	iter, err := g.s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, errors.Wrap(err, "registry list")
	}
	defer iter.Close()
	var names []string
	for ok := iter.First(); ok; ok = iter.Next() {
		names = append(names, string(iter.Key()[len(prefix):]))
	}
	return names, errors.Wrap(iter.Error(), "registry list")
}
