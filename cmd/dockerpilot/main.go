package main

import (
	"time"

	"go.uber.org/fx"

	"github.com/dockerpilot/dockerpilot/internal/configfx"
	"github.com/dockerpilot/dockerpilot/internal/enginefx"
	"github.com/dockerpilot/dockerpilot/internal/hostsfx"
	"github.com/dockerpilot/dockerpilot/internal/loggerfx"
	"github.com/dockerpilot/dockerpilot/internal/serverfx"
	"github.com/dockerpilot/dockerpilot/internal/sqlfx"
)

func main() {
	logger := loggerfx.Logger()

	app := fx.New(
		fx.StartTimeout(15*time.Second),
		fx.StopTimeout(15*time.Second),

		fx.Logger(logger),

		loggerfx.Module,
		configfx.Module,
		sqlfx.Module,
		hostsfx.Module,
		enginefx.Module,
		serverfx.Module,
	)

	app.Run()
}
