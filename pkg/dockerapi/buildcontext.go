package dockerapi

import (
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/pkg/archive"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

// BuildContext tars a Dockerfile directory for ImageBuild. The returned
// reader must be closed by the caller.
func BuildContext(dir string) (io.ReadCloser, error) {
	dockerfile := filepath.Join(dir, "Dockerfile")
	if _, err := os.Stat(dockerfile); err != nil {
		return nil, opserr.Wrap(err, opserr.KindMissingField, "no Dockerfile under %s", dir)
	}

	tar, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return nil, opserr.Wrap(err, opserr.KindIOError, "tar build context %s", dir)
	}

	return tar, nil
}
