package engine

import (
	"context"
	"time"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/repository/interfaces"
)

// cleanupBatchSize bounds how many instances one sweep removes.
const cleanupBatchSize = 500

func (e *Engine) cleanupLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			removed, err := e.CleanupExpired(context.Background())
			if err != nil {
				e.logger.Error("cleanup sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if removed > 0 {
				e.logger.Info("cleanup sweep finished", map[string]interface{}{"removed": removed})
			}
		}
	}
}

func listExpiredFilter(cutoff time.Time) interfaces.InstanceFilter {
	return interfaces.InstanceFilter{
		Statuses: []models.InstanceStatus{
			models.InstanceStatusCompleted,
			models.InstanceStatusFailed,
			models.InstanceStatusTerminated,
			models.InstanceStatusCancelled,
		},
		EndedBefore: &cutoff,
		Limit:       cleanupBatchSize,
	}
}

// CleanupExpired removes terminal instances that ended before the retention
// window, cascading their history, user tasks, and variables. Returns the
// number of instances removed.
func (e *Engine) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-e.config.InstanceRetention)
	expired, err := e.repo.Instances().ListWithFilter(ctx, listExpiredFilter(cutoff))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, inst := range expired {
		unlock := e.lockInstance(inst.ID)
		err := e.repo.Instances().DeleteCascade(ctx, inst.ID)
		unlock()
		if err != nil {
			e.logger.Warn("failed to remove expired instance", map[string]interface{}{
				"instance_id": inst.ID.String(),
				"error":       err.Error(),
			})
			continue
		}
		e.locks.Delete(inst.ID)
		removed++
	}
	if removed > 0 {
		e.metrics.IncrementCounter("workflow_instances_cleaned", float64(removed))
	}
	return removed, nil
}
