package hostsfx

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/dockerpilot/dockerpilot/pkg/hosts"
)

const (
	ConfigRootKey = "config.root"
)

// ConfigRoot is the directory holding servers.json, configs/, backups/
// and the resolver files.
type ConfigRoot string

func ConfigRootProvider(v *viper.Viper) (ConfigRoot, error) {
	if root := v.GetString(ConfigRootKey); root != "" {
		return ConfigRoot(root), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ConfigRoot("."), nil
	}

	return ConfigRoot(filepath.Join(home, ".dockerpilot")), nil
}

func HostRegistry(logger *logrus.Logger, root ConfigRoot) (*hosts.Registry, error) {
	if err := os.MkdirAll(string(root), 0o700); err != nil {
		return nil, err
	}

	return hosts.NewRegistry(logger, string(root))
}

func Session() *hosts.Session {
	return hosts.NewSession()
}
