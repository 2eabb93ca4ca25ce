package cellstore

import (
	"bytes"
	"context"
	"os"

	"github.com/pkg/errors"

	"go.viam.com/lodcloud/lod"
	"go.viam.com/lodcloud/logging"
	"go.viam.com/lodcloud/utils"
)

// DirStore reads and writes an index in a local directory.
type DirStore struct {
	root   string
	logger logging.Logger
}

// NewDirStore returns a store rooted at root, creating the directory if needed.
func NewDirStore(root string, logger logging.Logger) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errors.Wrapf(err, "creating index directory %q", root)
	}
	return &DirStore{root: root, logger: logger}, nil
}

// Root is the index directory.
func (s *DirStore) Root() string {
	return s.root
}

func (s *DirStore) String() string {
	return "file://" + s.root
}

// EnsureHierarchy creates the directory holding the cells of hierarchy h.
func (s *DirStore) EnsureHierarchy(h uint32) error {
	return os.MkdirAll(HierarchyPath(s.root, h), 0o750)
}

// LoadCell reads the cell stored for id. A missing file is reported as ErrNotFound.
func (s *DirStore) LoadCell(ctx context.Context, id lod.CellID, subGridDimension uint32) (*lod.Cell, error) {
	fn := CellPath(s.root, id)
	//nolint:gosec
	data, err := os.ReadFile(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "cell %s", id)
		}
		return nil, errors.Wrapf(err, "reading cell %s", id)
	}
	return decodeCell(data, id, subGridDimension, s.logger)
}

// ListCells returns the ids of the cells stored for hierarchy h. Files that are not cells are
// skipped.
func (s *DirStore) ListCells(h uint32) ([]lod.CellID, error) {
	entries, err := os.ReadDir(HierarchyPath(s.root, h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]lod.CellID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := ParseCellFileName(h, e.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// SaveCell writes the cell for id, replacing any previous version.
func (s *DirStore) SaveCell(id lod.CellID, c *lod.Cell) error {
	var buf bytes.Buffer
	if err := lod.WriteCell(&buf, c); err != nil {
		return errors.Wrapf(err, "encoding cell %s", id)
	}
	if err := s.EnsureHierarchy(id.Hierarchy); err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(CellPath(s.root, id), buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "writing cell %s", id)
	}
	return nil
}

// LoadMetadata reads the index metadata. A missing file is reported as ErrNotFound.
func (s *DirStore) LoadMetadata(ctx context.Context) (*lod.Metadata, error) {
	//nolint:gosec
	data, err := os.ReadFile(MetadataPath(s.root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "metadata in %q", s.root)
		}
		return nil, err
	}
	return lod.UnmarshalMetadata(data)
}

// SaveMetadata writes the index metadata.
func (s *DirStore) SaveMetadata(md *lod.Metadata) error {
	data, err := md.MarshalIndented()
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(MetadataPath(s.root), append(data, '\n'), 0o644)
}

// Close is a no-op; it lets DirStore serve as a Source.
func (s *DirStore) Close() error {
	return nil
}

func decodeCell(data []byte, id lod.CellID, subGridDimension uint32, logger logging.Logger) (*lod.Cell, error) {
	c, err := lod.ReadCell(bytes.NewReader(data), subGridDimension)
	if err != nil {
		logger.Errorw("cannot decode cell", "cell", id.String(), "bytes", len(data), "error", err)
		return nil, errors.Wrapf(err, "decoding cell %s", id)
	}
	return c, nil
}
