package app

import (
	"context"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectoinject/ectocontainer"
	"github.com/Gobusters/ectoinject/loglevel"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/iris/pkg/reconcile"
	"github.com/Ramsey-B/iris/pkg/routes/contact"
	"github.com/Ramsey-B/iris/pkg/routes/identify"
)

// NewContainer registers the request-scoped services handlers resolve through ectoinject.
// Container ids are process-wide, so id must be unique.
func NewContainer(id string, logger ectologger.Logger, engine *reconcile.Engine) (ectocontainer.DIContainer, error) {
	container, err := ectoinject.NewDIContainer(ectocontainer.DIContainerConfig{
		ID:                       id,
		AllowCaptiveDependencies: true,
		AllowMissingDependencies: true,
		ConstructorFuncName:      "Constructor",
		InjectTagName:            "inject",
		LoggerConfig: &ectocontainer.DIContainerLoggerConfig{
			Prefix:   "ectoinject",
			LogLevel: loglevel.WARN,
			Enabled:  true,
			LogFunc: func(ctx context.Context, level, msg string) {
				entry := logger.WithContext(ctx).WithField("component", "ectoinject")
				if level == loglevel.WARN {
					entry.Warn(msg)
					return
				}
				entry.Debug(msg)
			},
		},
	})
	if err != nil {
		return nil, err
	}

	if err := ectoinject.RegisterInstance[ectologger.Logger](container, logger); err != nil {
		return nil, err
	}
	if err := ectoinject.RegisterInstance[identify.Identifier](container, engine); err != nil {
		return nil, err
	}
	if err := ectoinject.RegisterInstance[contact.Reader](container, engine); err != nil {
		return nil, err
	}

	return container, nil
}
