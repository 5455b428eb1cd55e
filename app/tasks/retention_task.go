package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/friend-mesh/app/database"
	"github.com/lysyi3m/friend-mesh/app/retention"
)

type EnforceRetentionTask struct {
	Task
	Feed     database.Feed
	relRepo  database.RelationshipRepository
	enforcer *retention.Enforcer
}

func NewEnforceRetentionTask(f database.Feed, relRepo database.RelationshipRepository,
	enforcer *retention.Enforcer) *EnforceRetentionTask {
	return &EnforceRetentionTask{
		Task:     NewTask(TaskTypeEnforceRetention, f.ID),
		Feed:     f,
		relRepo:  relRepo,
		enforcer: enforcer,
	}
}

func (t *EnforceRetentionTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rel, err := t.relRepo.GetByID(t.Feed.RelationshipID)
	if err != nil {
		return err
	}
	if rel == nil {
		return fmt.Errorf("relationship %s not found", t.Feed.RelationshipID)
	}

	pruned, err := t.enforcer.Run(&t.Feed, rel)
	if err != nil {
		return fmt.Errorf("failed to enforce retention: %w", err)
	}

	if pruned > 0 {
		slog.Info("Task completed",
			"type", "EnforceRetention",
			"feed", t.Feed.ID,
			"duration", t.GetDuration(),
			"pruned", pruned)
	}

	return nil
}
