package enginefx

import (
	"path/filepath"

	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"

	"github.com/dockerpilot/dockerpilot/internal/hostsfx"
	"github.com/dockerpilot/dockerpilot/pkg/backup"
	"github.com/dockerpilot/dockerpilot/pkg/engine"
	"github.com/dockerpilot/dockerpilot/pkg/health"
	"github.com/dockerpilot/dockerpilot/pkg/hosts"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
	"github.com/dockerpilot/dockerpilot/pkg/storage"
)

func NewCron() *cron.Cron {
	return cron.New()
}

func ProgressRegistry() *progress.Registry {
	return progress.NewRegistry()
}

func HealthResolver(root hostsfx.ConfigRoot) (*health.Resolver, error) {
	return health.NewResolver(string(root))
}

func BackupClassifier() *backup.Classifier {
	return backup.NewClassifier()
}

func BackupService(logger *logrus.Logger, root hostsfx.ConfigRoot) *backup.Service {
	return backup.NewService(logger, filepath.Join(string(root), "backups"))
}

func History(logger *logrus.Logger, root hostsfx.ConfigRoot, index *storage.HistoryRepository) *engine.History {
	return engine.NewHistory(logger, string(root), index)
}

func Engine(
	logger *logrus.Logger,
	registry *hosts.Registry,
	session *hosts.Session,
	progressRegistry *progress.Registry,
	resolver *health.Resolver,
	classifier *backup.Classifier,
	backupService *backup.Service,
	backupRepo engine.BackupRecorder,
	history *engine.History,
	root hostsfx.ConfigRoot,
) *engine.Engine {
	return engine.New(
		logger,
		registry,
		session,
		progressRegistry,
		resolver,
		classifier,
		backupService,
		backupRepo,
		history,
		engine.Options{ConfigRoot: string(root)},
	)
}

// RunSweeper evicts terminal progress records on a short periodic tick.
func RunSweeper(c *cron.Cron, registry *progress.Registry) error {
	return c.AddFunc("@every 1s", registry.Sweep)
}

func StartCron(c *cron.Cron) {
	c.Start()
}
