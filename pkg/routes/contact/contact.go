package contact

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/iris/pkg/models"
	"github.com/Ramsey-B/iris/pkg/reconcile"
	"github.com/Ramsey-B/iris/pkg/tracing"
	"github.com/Ramsey-B/iris/pkg/utils"
)

// Reader serves read-only contact queries
type Reader interface {
	Lookup(ctx context.Context, contactID int64) (*models.ConsolidatedView, error)
	Stats(ctx context.Context) (*models.ContactStats, error)
}

type identityParams struct {
	ID int64 `param:"id" validate:"required,gt=0"`
}

// Register registers contact routes
func Register(g *echo.Group) {
	g.GET("/stats", Stats)
	g.GET("/:id/identity", Identity)
}

// Stats returns contact counts for monitoring
func Stats(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "contact_handler.Stats")
	defer span.End()

	ctx, reader, err := ectoinject.GetContext[Reader](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	stats, err := reader.Stats(ctx)
	if err != nil {
		return reconcile.ToHTTPError(err)
	}

	return c.JSON(http.StatusOK, stats)
}

// Identity returns the consolidated view of the group a contact belongs to,
// in the same {"contact": ...} envelope as POST /identify
func Identity(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "contact_handler.Identity")
	defer span.End()

	params, err := utils.BindRequest[identityParams](c)
	if err != nil {
		return err
	}

	ctx, reader, err := ectoinject.GetContext[Reader](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	view, err := reader.Lookup(ctx, params.ID)
	if err != nil {
		return reconcile.ToHTTPError(err)
	}

	return c.JSON(http.StatusOK, models.IdentifyResponse{Contact: *view})
}
