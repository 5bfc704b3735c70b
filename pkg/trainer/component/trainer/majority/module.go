package majority

import (
	"go.uber.org/fx"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/trainer"
)

// NewRegistration returns the Registration of the majority trainer.
func NewRegistration() trainer.Registration {
	return trainer.Registration{Name: Name, Build: New}
}

// Module contributes the majority trainer to the trainer registry.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewRegistration,
		fx.ResultTags(trainer.RegistrationGroup),
	)),
)
