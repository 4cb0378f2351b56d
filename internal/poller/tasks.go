package poller

import (
	"context"
	"fmt"

	"github.com/typevps/engine/internal/statecache"
)

// pollTasks publishes a change event for every task whose status
// differs from the last seen value. Classification into ok/failed/done
// happens on the consuming side; the poller just reports transitions.
func (p *Poller) pollTasks(ctx context.Context) error {
	tasks, err := p.hv.Tasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	for _, task := range tasks {
		if task.UPID == "" || task.Status == "" {
			continue
		}

		last, seen := p.lastTasks[task.UPID]
		if !seen || last != task.Status {
			if err := p.cache.PublishTaskChange(ctx, statecache.TaskChange{
				TaskID:    task.UPID,
				OldStatus: last,
				NewStatus: task.Status,
			}); err != nil {
				return err
			}
		}

		p.lastTasks[task.UPID] = task.Status
	}

	return nil
}
