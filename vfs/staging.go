package vfs

import (
	"os"

	"github.com/google/uuid"

	"github.com/vrift/vrift/manifest"
)

// newStagingFile creates this process's private staging file for one write
// stream. Ownership stays with the process until Close hands the path to the
// daemon for promotion.
func (v *VFS) newStagingFile() (*os.File, error) {
	dir := manifest.StagingDir(v.projectRoot, os.Getpid())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(dir+string(os.PathSeparator)+uuid.New().String()+".tmp",
		os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
}
