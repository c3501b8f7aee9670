package engine

import (
	"context"
	"path"
	"strings"

	"github.com/docker/docker/api/types/mount"

	"github.com/dockerpilot/dockerpilot/pkg/deploy"
	"github.com/dockerpilot/dockerpilot/pkg/dockerapi"
	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

const copyHelperImage = "alpine:3.20"

// dbConfigPaths maps recognized database families to the config subtree
// that is additionally copied container-to-container during a blue-green
// data migration.
var dbConfigPaths = map[string]string{
	"db2":           "/database/config",
	"influxdb":      "/etc/influxdb2",
	"postgres":      "/var/lib/postgresql/data",
	"mysql":         "/etc/mysql",
	"mongodb":       "/data/configdb",
	"elasticsearch": "/usr/share/elasticsearch/config",
}

func inspectRunning(ctx context.Context, client dockerapi.Client, name string) (*deploy.Descriptor, error) {
	return deploy.Inspect(ctx, client, name)
}

// migrateSlotData copies data between the old and the new slot's storage
// wherever the descriptor moved to a distinct volume or host path.
// Matching sources are shared storage and need no copy.
func (op *operation) migrateSlotData(ctx context.Context, oldD, newD *deploy.Descriptor, oldName, newContainerID string) error {
	oldByPath := make(map[string]deploy.MountSpec, len(oldD.Volumes))
	for _, m := range oldD.Volumes {
		oldByPath[m.MountPath] = m
	}

	for _, m := range newD.Volumes {
		if err := op.checkCancel(); err != nil {
			return err
		}

		old, ok := oldByPath[m.MountPath]
		if !ok {
			continue
		}

		switch {
		case m.Kind == deploy.MountVolume && old.Kind == deploy.MountVolume && m.VolumeName != old.VolumeName:
			if err := op.copyVolume(ctx, old, m); err != nil {
				return err
			}
		case m.Kind == deploy.MountBind && old.Kind == deploy.MountBind && m.HostPath != old.HostPath:
			if err := op.copyVolume(ctx, old, m); err != nil {
				return err
			}
		}
	}

	if family := databaseFamily(newD.ImageTag); family != "" {
		if err := op.copyConfigSubtree(ctx, oldName, newContainerID, dbConfigPaths[family]); err != nil {
			// Config subtrees are a convenience on top of the volume copy;
			// their absence in the source is not fatal.
			if opserr.KindOf(err) == opserr.KindNotFound {
				op.logger.WithField("path", dbConfigPaths[family]).Debug("No config subtree to copy")
				return nil
			}
			return err
		}
	}

	return nil
}

// copyVolume clones one mount's content through an ephemeral helper with
// the source read-only and the target read-write.
func (op *operation) copyVolume(ctx context.Context, from, to deploy.MountSpec) error {
	mounts := []mount.Mount{
		mountFor(from, "/from", true),
		mountFor(to, "/to", false),
	}

	if to.Kind == deploy.MountVolume {
		if _, err := op.client.VolumeInspect(ctx, to.VolumeName); err != nil {
			if opserr.KindOf(err) != opserr.KindNotFound {
				return err
			}
			if _, err := op.client.VolumeCreate(ctx, to.VolumeName); err != nil {
				return err
			}
		}
	}

	_, err := op.client.RunEphemeral(ctx, dockerapi.EphemeralSpec{
		Image: copyHelperImage,
		Cmd:   []string{"sh", "-c", "cp -a /from/. /to/"},
		Mounts: mounts,
	})
	if err != nil {
		return opserr.Wrap(err, opserr.KindVolumeCopyFailed, "copy %s to %s failed", from.Identifier(), to.Identifier())
	}

	op.logger.WithField("from", from.Identifier()).WithField("to", to.Identifier()).Info("Volume data copied")

	return nil
}

// copyConfigSubtree streams a known config directory from the old
// container into the new one.
func (op *operation) copyConfigSubtree(ctx context.Context, fromContainer, toContainer, configPath string) error {
	stream, err := op.client.CopyFromContainer(ctx, fromContainer, configPath)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := op.client.CopyToContainer(ctx, toContainer, path.Dir(configPath), stream); err != nil {
		return err
	}

	op.logger.WithField("path", configPath).Info("Database config subtree copied")

	return nil
}

func mountFor(m deploy.MountSpec, target string, readOnly bool) mount.Mount {
	out := mount.Mount{Target: target, ReadOnly: readOnly}

	if m.Kind == deploy.MountVolume {
		out.Type = mount.TypeVolume
		out.Source = m.VolumeName
	} else {
		out.Type = mount.TypeBind
		out.Source = m.HostPath
	}

	return out
}

func databaseFamily(image string) string {
	lower := strings.ToLower(image)
	for family := range dbConfigPaths {
		if strings.Contains(lower, family) {
			return family
		}
	}
	return ""
}
