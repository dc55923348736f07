package storage

import (
	"context"
	"fmt"
	"time"
)

const defaultPurgeBatchSize = 1000

// PurgeExecutions deletes finished executions whose finished_at is before
// the cutoff, batchSize rows per statement so no single delete holds locks
// for long. Executions that never finished are kept; a worker may still
// resume them. Returns the number of rows deleted.
func (db *DB) PurgeExecutions(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultPurgeBatchSize
	}

	var total int64
	for {
		tag, err := db.pool.Exec(ctx,
			`DELETE FROM executions
			 WHERE id IN (
			     SELECT id FROM executions
			     WHERE finished_at IS NOT NULL AND finished_at < $1
			     LIMIT $2
			 )`,
			before, batchSize,
		)
		if err != nil {
			return total, fmt.Errorf("storage: purge executions: %w", err)
		}
		n := tag.RowsAffected()
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
