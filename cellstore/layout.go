// Package cellstore persists the cells and metadata of an index and reads them back, from a
// local directory, a cloud bucket or a web server.
package cellstore

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/lodcloud/lod"
)

// MetadataFileName is the name of the metadata document at the root of an index.
const MetadataFileName = "metadata.json"

// ErrNotFound is wrapped by errors for cells or metadata that do not exist.
var ErrNotFound = errors.New("not found")

// HierarchyKey is the slash separated directory of hierarchy h relative to the index root.
func HierarchyKey(h uint32) string {
	return fmt.Sprintf("h_%d", h)
}

// CellKey is the slash separated path of a cell file relative to the index root.
func CellKey(id lod.CellID) string {
	return path.Join(HierarchyKey(id.Hierarchy), fmt.Sprintf("c_%d_%d_%d.bin", id.Index[0], id.Index[1], id.Index[2]))
}

// CellPath is the file path of a cell under root.
func CellPath(root string, id lod.CellID) string {
	return filepath.Join(root, filepath.FromSlash(CellKey(id)))
}

// HierarchyPath is the directory of hierarchy h under root.
func HierarchyPath(root string, h uint32) string {
	return filepath.Join(root, HierarchyKey(h))
}

// MetadataPath is the metadata file under root.
func MetadataPath(root string) string {
	return filepath.Join(root, MetadataFileName)
}

// ParseCellFileName returns the cell of hierarchy h stored in a file named like the last element
// of CellKey. ok is false for any other name.
func ParseCellFileName(h uint32, name string) (id lod.CellID, ok bool) {
	coords, ok := strings.CutPrefix(name, "c_")
	if !ok {
		return lod.CellID{}, false
	}
	if coords, ok = strings.CutSuffix(coords, ".bin"); !ok {
		return lod.CellID{}, false
	}
	parts := strings.Split(coords, "_")
	if len(parts) != 3 {
		return lod.CellID{}, false
	}
	id.Hierarchy = h
	for i, part := range parts {
		v, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return lod.CellID{}, false
		}
		id.Index[i] = int32(v)
	}
	// Only the canonical spelling names a cell.
	if path.Base(CellKey(id)) != name {
		return lod.CellID{}, false
	}
	return id, true
}
