package identify

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

// Identifier resolves an observation to its consolidated identity group
type Identifier interface {
	Identify(ctx context.Context, email, phone *string) (*models.ConsolidatedView, error)
}

// Register registers the identify route
func Register(g *echo.Group) {
	g.POST("/identify", Identify)
}

// Identify reconciles the posted email and phone number
func Identify(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "identify_handler.Identify")
	defer span.End()

	req, err := utils.BindRequest[models.IdentifyRequest](c)
	if err != nil {
		return err
	}

	ctx, engine, err := ectoinject.GetContext[Identifier](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	view, err := engine.Identify(ctx, req.Email, req.PhoneNumber.Value)
	if err != nil {
		return reconcile.ToHTTPError(err)
	}

	return c.JSON(http.StatusOK, models.IdentifyResponse{Contact: *view})
}
