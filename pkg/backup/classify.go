// Package backup snapshots a container's mounts into tar.gz archives:
// named volumes and plain bind mounts through an ephemeral helper
// container, privileged host paths through the host's elevation command.
package backup

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/dockerpilot/dockerpilot/pkg/deploy"
)

const (
	// largeMountBytes marks a mount as "large": the caller is expected to
	// warn the operator before starting a backup of this size.
	largeMountBytes = int64(500) << 30

	defaultWalkBudget = 10 * time.Second
)

// SizeUnknown is reported when a bind mount could not be measured within
// the walk budget; unknown sizes are treated as large.
const SizeUnknown = int64(-1)

// MountClass is the pre-flight verdict for one mount.
type MountClass struct {
	Mount      deploy.MountSpec
	SizeBytes  int64
	Privileged bool
	System     bool
	Large      bool
}

// Classification is the pre-flight summary the caller inspects before
// starting a data-preserving operation.
type Classification struct {
	RequiresSudo    bool
	TotalSizeBytes  int64
	Mounts          []MountClass
	LargeMounts     []MountClass
	PrivilegedPaths []string
	SkippedPaths    []string
}

// Classifier sizes and classifies descriptor mounts. WalkBudget bounds
// the stat-walk of bind mounts; on overrun the size is unknown.
type Classifier struct {
	WalkBudget time.Duration
}

func NewClassifier() *Classifier {
	return &Classifier{WalkBudget: defaultWalkBudget}
}

// volumeSizer is the slice of the Docker client the pre-flight needs.
type volumeSizer interface {
	VolumeSizes(ctx context.Context) (map[string]int64, error)
}

// Classify determines per-mount backupability and size for a descriptor.
func (c *Classifier) Classify(ctx context.Context, client volumeSizer, d *deploy.Descriptor) (Classification, error) {
	var result Classification

	volumeSizes, err := client.VolumeSizes(ctx)
	if err != nil {
		// Size data is advisory; classification still works without it.
		volumeSizes = nil
	}

	for _, m := range d.Volumes {
		class := MountClass{
			Mount:      m,
			Privileged: m.Privileged(),
			System:     m.System(),
			SizeBytes:  SizeUnknown,
		}

		switch {
		case class.System:
			result.SkippedPaths = append(result.SkippedPaths, m.HostPath)
		case m.Kind == deploy.MountVolume:
			if size, ok := volumeSizes[m.VolumeName]; ok {
				class.SizeBytes = size
			}
		default:
			class.SizeBytes = c.walkSize(ctx, m.HostPath)
		}

		if !class.System {
			class.Large = class.SizeBytes == SizeUnknown || class.SizeBytes >= largeMountBytes

			if class.SizeBytes > 0 {
				result.TotalSizeBytes += class.SizeBytes
			}
			if class.Large {
				result.LargeMounts = append(result.LargeMounts, class)
			}
			if class.Privileged {
				result.RequiresSudo = true
				result.PrivilegedPaths = append(result.PrivilegedPaths, m.HostPath)
			}
		}

		result.Mounts = append(result.Mounts, class)
	}

	return result, nil
}

// walkSize stat-walks a bind mount with the configured budget; SizeUnknown
// on timeout or error.
func (c *Classifier) walkSize(ctx context.Context, root string) int64 {
	budget := c.WalkBudget
	if budget <= 0 {
		budget = defaultWalkBudget
	}

	deadline := time.Now().Add(budget)
	var total int64

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// Unreadable subtrees (permissions) don't abort the estimate.
			return fs.SkipDir
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if entry.Type().IsRegular() {
			if info, err := entry.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return SizeUnknown
	}

	return total
}
