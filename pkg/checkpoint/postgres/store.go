// Package postgres persists iteration.Checkpoint in PostgreSQL.
//
// A checkpoint is a row of "deepff_checkpoint" and rows of "deepff_ledger",
// keyed by the name of the run. Save replaces them in a transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/opst/deepff/pkg/corpus"
	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/iteration"
)

type Store struct {
	pool *pgxpool.Pool
	name string

	mu sync.Mutex

	// connection holding the advisory lock.
	lockConn *pgxpool.Conn
}

var _ iteration.Store = &Store{}

// New connects to the database and upgrades the schema.
//
// args:
//   - url: connection string.
//   - name: name of the run. Runs with different names do not interfere.
func New(ctx context.Context, url string, name string) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return upgrade(ctx, tx)
	}); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, name: name}, nil
}

// Lock takes a session level advisory lock keyed by the name of the run.
func (s *Store) Lock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockConn != nil {
		return nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	var locked bool
	if err := conn.QueryRow(
		ctx, `SELECT pg_try_advisory_lock(hashtext('deepff:' || $1))`, s.name,
	).Scan(&locked); err != nil {
		conn.Release()
		if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) && pgerr.Code == pgerrcode.LockNotAvailable {
			return fmt.Errorf("%w: %s", xe.ErrConcurrentController, s.name)
		}
		return err
	}
	if !locked {
		conn.Release()
		return fmt.Errorf("%w: %s", xe.ErrConcurrentController, s.name)
	}
	s.lockConn = conn
	return nil
}

func (s *Store) Load(ctx context.Context) (iteration.Checkpoint, bool, error) {
	var (
		it, corpusSize, initial int
		stage                   string
		newData                 []int32
	)
	if err := s.pool.QueryRow(
		ctx,
		`SELECT "iteration", "stage", "corpus_size", "new_data", "initial_size"
		FROM "deepff_checkpoint" WHERE "name" = $1`,
		s.name,
	).Scan(&it, &stage, &corpusSize, &newData, &initial); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return iteration.Checkpoint{}, false, nil
		}
		return iteration.Checkpoint{}, false, err
	}

	st, err := iteration.AsStage(stage)
	if err != nil {
		return iteration.Checkpoint{}, false, fmt.Errorf("%w: %w", xe.ErrMalformedData, err)
	}
	nd := make([]int, len(newData))
	for i, n := range newData {
		nd[i] = int(n)
	}

	rows, err := s.pool.Query(
		ctx,
		`SELECT "iteration", "system", "count" FROM "deepff_ledger"
		WHERE "name" = $1 ORDER BY "iteration", "system"`,
		s.name,
	)
	if err != nil {
		return iteration.Checkpoint{}, false, err
	}
	defer rows.Close()

	entries := []corpus.Entry{}
	for rows.Next() {
		var e corpus.Entry
		if err := rows.Scan(&e.Iteration, &e.System, &e.Count); err != nil {
			return iteration.Checkpoint{}, false, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return iteration.Checkpoint{}, false, err
	}

	return iteration.Checkpoint{
		State:  iteration.State{Iteration: it, Stage: st, CorpusSize: corpusSize, NewData: nd},
		Ledger: corpus.Snapshot{Initial: initial, Entries: entries},
	}, true, nil
}

// Save stores the checkpoint.
//
// Ledger rows are append-only: a row already stored with a different count is
// rejected with ErrDuplicateRecord, and the previous checkpoint is kept.
func (s *Store) Save(ctx context.Context, cp iteration.Checkpoint) error {
	newData := make([]int32, len(cp.State.NewData))
	for i, n := range cp.State.NewData {
		newData[i] = int32(n)
	}

	return s.pool.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO "deepff_checkpoint"
				("name", "iteration", "stage", "corpus_size", "new_data", "initial_size")
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT ("name") DO UPDATE SET
				"iteration" = EXCLUDED."iteration",
				"stage" = EXCLUDED."stage",
				"corpus_size" = EXCLUDED."corpus_size",
				"new_data" = EXCLUDED."new_data",
				"initial_size" = EXCLUDED."initial_size",
				"updated_at" = now()`,
			s.name, cp.State.Iteration, string(cp.State.Stage), cp.State.CorpusSize,
			newData, cp.Ledger.Initial,
		); err != nil {
			return err
		}

		stored := map[[2]int]int{}
		rows, err := tx.Query(
			ctx,
			`SELECT "iteration", "system", "count" FROM "deepff_ledger" WHERE "name" = $1`,
			s.name,
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var it, sys, count int
			if err := rows.Scan(&it, &sys, &count); err != nil {
				rows.Close()
				return err
			}
			stored[[2]int{it, sys}] = count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range cp.Ledger.Entries {
			if c, ok := stored[[2]int{e.Iteration, e.System}]; ok {
				if c != e.Count {
					return fmt.Errorf(
						"%w: iteration %d, system %d is stored as %d, not %d",
						xe.ErrDuplicateRecord, e.Iteration, e.System, c, e.Count,
					)
				}
				continue
			}
			if _, err := tx.Exec(
				ctx,
				`INSERT INTO "deepff_ledger" ("name", "iteration", "system", "count")
				VALUES ($1, $2, $3, $4)`,
				s.name, e.Iteration, e.System, e.Count,
			); err != nil {
				if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) && pgerr.Code == pgerrcode.UniqueViolation {
					return fmt.Errorf(
						"%w: iteration %d, system %d", xe.ErrDuplicateRecord, e.Iteration, e.System,
					)
				}
				return err
			}
		}
		return nil
	})
}

// Close releases the lock and closes connections.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockConn != nil {
		_, err := s.lockConn.Exec(
			context.Background(), `SELECT pg_advisory_unlock(hashtext('deepff:' || $1))`, s.name,
		)
		s.lockConn.Release()
		s.lockConn = nil
		if err != nil {
			s.pool.Close()
			return err
		}
	}
	s.pool.Close()
	return nil
}
