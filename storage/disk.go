package storage

import (
	"fmt"

	"github.com/spf13/afero"
)

type DiskConfig struct {
	BasePath string `json:"basePath"`
}

// NewDisk returns a filesystem rooted at BasePath. Store file paths are
// resolved relative to it.
func NewDisk(c DiskConfig) (afero.Fs, error) {
	if c.BasePath == "" {
		return nil, fmt.Errorf("%w: disk base path is empty", ErrValidation)
	}
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(c.BasePath, 0755); err != nil {
		return nil, err
	}
	return afero.NewBasePathFs(osfs, c.BasePath), nil
}
