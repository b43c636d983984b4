package bundlemanager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/codalab/bundlecore/pkg/types"
)

// BundleRoot resolves a bundle to the absolute directory its contents live
// under. It is the one piece of make-bundle assembly that's genuinely
// backend-dependent: disk bundles, blob-backed bundles staged to a local
// cache, and bundles on a shared filesystem all resolve differently. The
// path-containment checks and the copy itself are local filesystem work and
// live directly in this package, the way pkg/depcache keeps cache-directory
// bookkeeping local and defers only the remote fetch.
type BundleRoot interface {
	Root(ctx context.Context, bundle types.Bundle) (string, error)
}

// DiskAssembler implements Assembler by copying each dependency's resolved
// contents into the make-bundle's directory on a local or mounted
// filesystem. Every dependency's source and destination path is checked
// against its bundle's root before anything is touched.
type DiskAssembler struct {
	roots BundleRoot
}

// NewDiskAssembler returns a DiskAssembler that resolves bundle roots
// through roots.
func NewDiskAssembler(roots BundleRoot) *DiskAssembler {
	return &DiskAssembler{roots: roots}
}

// Assemble materializes bundle's contents from parents: for exactly one
// dependency whose child_path is the bundle root, the parent's resolved
// source is copied in directly; otherwise a directory is created and each
// dependency is copied under its own child_path. Every copy follows
// symlinks into neither its source's nor its destination's parent
// directory, and preserves any symlink encountered as a symlink rather than
// dereferencing it.
func (a *DiskAssembler) Assemble(ctx context.Context, bundle types.Bundle, parents map[string]types.Bundle) (int64, error) {
	childRoot, err := a.roots.Root(ctx, bundle)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve bundle root for %s: %w", bundle.UUID, err)
	}
	childRoot = filepath.Clean(childRoot)

	type resolvedDep struct {
		src  string
		dst  string
		root bool
	}
	deps := make([]resolvedDep, 0, len(bundle.Dependencies))
	for _, dep := range bundle.Dependencies {
		parent, ok := parents[dep.ParentUUID]
		if !ok {
			return 0, fmt.Errorf("missing parent bundle %s for dependency", dep.ParentUUID)
		}

		parentRoot, err := a.roots.Root(ctx, parent)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve bundle root for parent %s: %w", parent.UUID, err)
		}
		src, err := containedJoin(parentRoot, dep.ParentPath)
		if err != nil {
			return 0, fmt.Errorf("invalid dependency %s/%s: %w", dep.ParentUUID, dep.ParentPath, err)
		}
		if _, err := os.Lstat(src); err != nil {
			return 0, fmt.Errorf("invalid dependency %s/%s: %w", dep.ParentUUID, dep.ParentPath, err)
		}

		dst, err := containedJoin(childRoot, dep.ChildPath)
		if err != nil {
			return 0, fmt.Errorf("invalid key for dependency %s: %w", dep.ChildPath, err)
		}

		deps = append(deps, resolvedDep{src: src, dst: dst, root: dst == childRoot})
	}

	if err := os.RemoveAll(childRoot); err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", childRoot, err)
	}

	if len(deps) == 1 && deps[0].root {
		if err := copyTree(deps[0].src, childRoot); err != nil {
			return 0, fmt.Errorf("failed to assemble %s: %w", bundle.UUID, err)
		}
	} else {
		if err := os.MkdirAll(childRoot, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create %s: %w", childRoot, err)
		}
		for _, dep := range deps {
			if err := os.MkdirAll(filepath.Dir(dep.dst), 0o755); err != nil {
				return 0, fmt.Errorf("failed to create parent of %s: %w", dep.dst, err)
			}
			if err := copyTree(dep.src, dep.dst); err != nil {
				return 0, fmt.Errorf("failed to assemble %s: %w", bundle.UUID, err)
			}
		}
	}

	size, err := dirSize(childRoot)
	if err != nil {
		return 0, fmt.Errorf("failed to measure assembled size of %s: %w", bundle.UUID, err)
	}
	return size, nil
}

// containedJoin joins subpath onto root and asserts the result stays inside
// root (or equals it, for subpath == ""). A dependency whose parent_path or
// child_path normalizes to something outside its bundle's root, e.g. via
// "../", is rejected rather than followed.
func containedJoin(root, subpath string) (string, error) {
	root = filepath.Clean(root)
	joined := root
	if subpath != "" {
		joined = filepath.Clean(filepath.Join(root, subpath))
	}
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root %s", subpath, root)
	}
	return joined, nil
}

// copyTree copies src to dst without dereferencing any symlink it
// encounters: a symlink is recreated as a symlink at dst, never followed
// into whatever it points at.
func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		return copyFile(src, dst, info.Mode())
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// dirSize sums the apparent size of every regular file under root. Symlinks
// are not followed and contribute nothing.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
