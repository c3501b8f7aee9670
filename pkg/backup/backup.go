package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/sirupsen/logrus"

	"github.com/dockerpilot/dockerpilot/pkg/appcontext"
	"github.com/dockerpilot/dockerpilot/pkg/deploy"
	"github.com/dockerpilot/dockerpilot/pkg/dockerapi"
	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

const helperImage = "alpine:3.20"

type RecordKind string

const (
	RecordVolume  RecordKind = "volume"
	RecordBind    RecordKind = "bind"
	RecordSkipped RecordKind = "skipped"
)

// Record describes one produced (or skipped) archive.
type Record struct {
	Kind        RecordKind
	Identifier  string
	ArchivePath string
	SizeBytes   int64
	SHA256      string
	CreatedAt   time.Time
	Reason      string
}

// Service executes mount backups. Archives land under ArchiveDir named
// <operation-key>-<mount>.tar.gz; re-running overwrites, so backups are
// idempotent by name.
type Service struct {
	logger logrus.FieldLogger

	ArchiveDir string
}

func NewService(logger logrus.FieldLogger, archiveDir string) *Service {
	return &Service{logger: logger, ArchiveDir: archiveDir}
}

// helperRunner is the slice of the Docker client archive execution
// needs.
type helperRunner interface {
	RunEphemeral(ctx context.Context, spec dockerapi.EphemeralSpec) (dockerapi.EphemeralResult, error)
}

// Backup archives one mount. elevationSecret is consulted only for
// privileged bind mounts and fed to sudo on stdin, never logged.
func (s *Service) Backup(ctx context.Context, client helperRunner, opKey string, m deploy.MountSpec, elevationSecret string) (Record, error) {
	logger := appcontext.LoggerFromContext(s.logger, ctx).WithField("mount", m.Identifier())

	if m.System() {
		logger.Warn("Skipping system path, not backupable")
		return Record{
			Kind:       RecordSkipped,
			Identifier: m.Identifier(),
			CreatedAt:  time.Now(),
			Reason:     "system path is not backupable",
		}, nil
	}

	if err := os.MkdirAll(s.ArchiveDir, 0o755); err != nil {
		return Record{}, opserr.Wrap(err, opserr.KindBackupFailed, "unable to create archive directory")
	}

	archive := filepath.Join(s.ArchiveDir, archiveName(opKey, m))

	var err error
	switch {
	case m.Kind == deploy.MountVolume:
		err = s.archiveViaHelper(ctx, client, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   m.VolumeName,
			Target:   "/volume",
			ReadOnly: true,
		}, archive)
	case m.Privileged():
		err = s.archivePrivileged(ctx, m.HostPath, archive, elevationSecret)
	default:
		err = s.archiveViaHelper(ctx, client, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   "/volume",
			ReadOnly: true,
		}, archive)
	}
	if err != nil {
		return Record{}, err
	}

	record := Record{
		Kind:        RecordVolume,
		Identifier:  m.Identifier(),
		ArchivePath: archive,
		CreatedAt:   time.Now(),
	}
	if m.Kind == deploy.MountBind {
		record.Kind = RecordBind
	}

	if info, err := os.Stat(archive); err == nil {
		record.SizeBytes = info.Size()
	}

	sum, err := fileSHA256(archive)
	if err != nil {
		return Record{}, opserr.Wrap(err, opserr.KindBackupFailed, "unable to checksum %s", archive)
	}
	record.SHA256 = sum

	logger.WithFields(logrus.Fields{"archive": archive, "size": record.SizeBytes}).Info("Mount backed up")

	return record, nil
}

// archiveViaHelper tars the mounted source inside an ephemeral alpine
// container and chowns the artifact to the invoking uid/gid.
func (s *Service) archiveViaHelper(ctx context.Context, client helperRunner, src mount.Mount, archive string) error {
	inner := fmt.Sprintf(
		"tar -czf /backup/%[1]s -C /volume . && chown %[2]d:%[3]d /backup/%[1]s",
		filepath.Base(archive), os.Getuid(), os.Getgid(),
	)

	_, err := client.RunEphemeral(ctx, dockerapi.EphemeralSpec{
		Image: helperImage,
		Cmd:   []string{"sh", "-c", inner},
		Mounts: []mount.Mount{
			src,
			{Type: mount.TypeBind, Source: s.ArchiveDir, Target: "/backup"},
		},
	})
	if err != nil {
		return opserr.Wrap(err, opserr.KindBackupFailed, "helper backup of %s failed", src.Source)
	}

	return nil
}

// archivePrivileged runs tar through the host's elevation command with
// the stored secret on stdin.
func (s *Service) archivePrivileged(ctx context.Context, hostPath, archive, elevationSecret string) error {
	if elevationSecret == "" {
		return opserr.New(opserr.KindElevationRequired, "backup of %s needs elevated credentials", hostPath)
	}

	tarCmd := exec.CommandContext(ctx, "sudo", "-S", "tar", "-czf", archive, "-C", hostPath, ".")
	tarCmd.Stdin = strings.NewReader(elevationSecret + "\n")
	if out, err := tarCmd.CombinedOutput(); err != nil {
		return opserr.Wrap(err, opserr.KindBackupFailed, "elevated tar of %s failed: %s", hostPath, firstLine(out))
	}

	owner := fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	chownCmd := exec.CommandContext(ctx, "sudo", "-S", "chown", owner, archive)
	chownCmd.Stdin = strings.NewReader(elevationSecret + "\n")
	if out, err := chownCmd.CombinedOutput(); err != nil {
		return opserr.Wrap(err, opserr.KindBackupFailed, "chown of %s failed: %s", archive, firstLine(out))
	}

	return nil
}

func archiveName(opKey string, m deploy.MountSpec) string {
	identifier := strings.Trim(strings.ReplaceAll(m.Identifier(), "/", "-"), "-")
	return fmt.Sprintf("%s-%s.tar.gz", opKey, identifier)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func firstLine(out []byte) string {
	text := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}
