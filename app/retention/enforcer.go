package retention

import (
	"log/slog"
	"time"

	"github.com/lysyi3m/friend-mesh/app/database"
)

// Limits is an effective retention policy. Zero disables a limit.
type Limits struct {
	MaxAgeDays int
	MaxCount   int
}

// Effective combines the global defaults with a relationship's overrides;
// the more restrictive value wins for each limit independently.
func Effective(global Limits, rel *database.Relationship) Limits {
	return Limits{
		MaxAgeDays: moreRestrictive(global.MaxAgeDays, rel.RetentionMaxAgeDays),
		MaxCount:   moreRestrictive(global.MaxCount, rel.RetentionMaxCount),
	}
}

func moreRestrictive(a, b int) int {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// Enforcer prunes stored items by age and count. It is a pure prune:
// tombstones of delete-ruled items are tracked separately and are never
// touched, so the delete-no-resurrection guarantee survives any sweep.
type Enforcer struct {
	itemRepo database.ItemRepository
	global   Limits
}

func NewEnforcer(itemRepo database.ItemRepository, global Limits) *Enforcer {
	return &Enforcer{itemRepo: itemRepo, global: global}
}

// Run enforces retention for one feed. Items beyond the limits are
// removed regardless of their visible/trashed flag; ordering is by
// published timestamp.
func (e *Enforcer) Run(feed *database.Feed, rel *database.Relationship) (int64, error) {
	limits := Effective(e.global, rel)

	var pruned int64

	if limits.MaxAgeDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -limits.MaxAgeDays)
		n, err := e.itemRepo.PruneOlderThan(feed.ID, cutoff)
		if err != nil {
			return pruned, err
		}
		pruned += n
	}

	if limits.MaxCount > 0 {
		n, err := e.itemRepo.PruneBeyondCount(feed.ID, limits.MaxCount)
		if err != nil {
			return pruned, err
		}
		pruned += n
	}

	if pruned > 0 {
		slog.Debug("Retention pruned items", "feed", feed.ID, "pruned", pruned)
	}

	return pruned, nil
}
