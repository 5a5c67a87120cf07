package blob

import (
	"prefabcore/internal/infra/blob/fs"
)

// NewFilesystem returns a filesystem-backed Store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}
