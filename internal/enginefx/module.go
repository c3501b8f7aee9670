package enginefx

import (
	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(NewCron),
	fx.Provide(ProgressRegistry),
	fx.Provide(HealthResolver),
	fx.Provide(BackupClassifier),
	fx.Provide(BackupService),
	fx.Provide(History),
	fx.Provide(Engine),
	fx.Invoke(RunSweeper),
	fx.Invoke(StartCron),
)
