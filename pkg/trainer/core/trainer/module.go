package trainer

import "go.uber.org/fx"

// Module provides the Registry. Trainer implementations contribute
// Registrations to RegistrationGroup from their own modules.
var Module = fx.Options(
	fx.Provide(NewRegistry),
)
