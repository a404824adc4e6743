package features

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

// ArtifactStore keeps artifacts extracted from task containers
type ArtifactStore interface {
	// Put copies src, a file or directory tree, and returns the bytes stored
	Put(ctx context.Context, taskID string, runID int, name, src string, typ types.ArtifactType) (int64, error)
}

// LocalArtifactStore stores artifacts under <root>/<taskId>/<runId>/<name>
type LocalArtifactStore struct {
	root string
}

// NewLocalArtifactStore creates a store rooted at root
func NewLocalArtifactStore(root string) (*LocalArtifactStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	return &LocalArtifactStore{root: root}, nil
}

// Path returns where an artifact is stored
func (s *LocalArtifactStore) Path(taskID string, runID int, name string) (string, error) {
	clean := filepath.Clean(name)
	if name == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(s.root, taskID, strconv.Itoa(runID), clean), nil
}

func (s *LocalArtifactStore) Put(ctx context.Context, taskID string, runID int, name, src string, typ types.ArtifactType) (int64, error) {
	dst, err := s.Path(taskID, runID, name)
	if err != nil {
		return 0, err
	}

	if typ == types.ArtifactTypeFile {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return 0, err
		}
		return copyFile(src, dst)
	}

	var total int64
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type().IsRegular():
			n, err := copyFile(path, target)
			total += n
			return err
		default:
			// symlinks and devices may point outside the container root
			return nil
		}
	})
	return total, err
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
