package reconcile

import (
	"context"

	"github.com/Ramsey-B/iris/pkg/models"
	"github.com/Ramsey-B/iris/pkg/tracing"
)

// merge demotes every colliding primary under plan.Primary and moves their secondaries along,
// so no secondary is left pointing at another secondary.
func (e *Engine) merge(ctx context.Context, plan Plan) error {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Engine.merge")
	defer span.End()

	retainedID := plan.Primary.ID
	for i := range plan.Demote {
		demoted := plan.Demote[i]

		if _, err := e.store.UpdateLink(ctx, demoted.ID, &retainedID, models.PrecedenceSecondary); err != nil {
			return wrapStore("update_link", err)
		}

		moved, err := e.store.RelinkGroup(ctx, demoted.ID, retainedID)
		if err != nil {
			return wrapStore("relink_group", err)
		}

		e.logger.WithContext(ctx).WithFields(map[string]any{
			"retained_id":     retainedID,
			"demoted_id":      demoted.ID,
			"moved_secondary": moved,
		}).Info("Merged identity groups")
	}
	return nil
}
