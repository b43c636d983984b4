package bundlemanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/codalab/bundlecore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dirBundleRoot struct {
	base string
}

func (r *dirBundleRoot) Root(ctx context.Context, bundle types.Bundle) (string, error) {
	return filepath.Join(r.base, bundle.UUID), nil
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestDiskAssemblerSingleDependencyAtRootCopiesDirectly(t *testing.T) {
	base := t.TempDir()
	parent := types.Bundle{UUID: "p1"}
	writeFile(t, filepath.Join(base, parent.UUID, "data.txt"), "hello")

	child := types.Bundle{
		UUID:         "c1",
		Dependencies: []types.Dependency{{ParentUUID: "p1", ChildPath: ""}},
	}

	a := NewDiskAssembler(&dirBundleRoot{base: base})
	size, err := a.Assemble(context.Background(), child, map[string]types.Bundle{"p1": parent})
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	got, err := os.ReadFile(filepath.Join(base, "c1", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestDiskAssemblerMultipleDependenciesNestUnderChildPath(t *testing.T) {
	base := t.TempDir()
	p1 := types.Bundle{UUID: "p1"}
	p2 := types.Bundle{UUID: "p2"}
	writeFile(t, filepath.Join(base, p1.UUID, "a.txt"), "aaa")
	writeFile(t, filepath.Join(base, p2.UUID, "b.txt"), "bb")

	child := types.Bundle{
		UUID: "c1",
		Dependencies: []types.Dependency{
			{ParentUUID: "p1", ChildPath: "first"},
			{ParentUUID: "p2", ChildPath: "second"},
		},
	}

	a := NewDiskAssembler(&dirBundleRoot{base: base})
	size, err := a.Assemble(context.Background(), child, map[string]types.Bundle{"p1": p1, "p2": p2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	gotA, err := os.ReadFile(filepath.Join(base, "c1", "first", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(base, "c1", "second", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bb", string(gotB))
}

func TestDiskAssemblerRejectsParentPathEscapingParentRoot(t *testing.T) {
	base := t.TempDir()
	parent := types.Bundle{UUID: "p1"}
	writeFile(t, filepath.Join(base, parent.UUID, "data.txt"), "hello")
	writeFile(t, filepath.Join(base, "secret.txt"), "top secret")

	child := types.Bundle{
		UUID:         "c1",
		Dependencies: []types.Dependency{{ParentUUID: "p1", ParentPath: "../secret.txt", ChildPath: ""}},
	}

	a := NewDiskAssembler(&dirBundleRoot{base: base})
	_, err := a.Assemble(context.Background(), child, map[string]types.Bundle{"p1": parent})
	assert.Error(t, err)
}

func TestDiskAssemblerRejectsChildPathEscapingChildRoot(t *testing.T) {
	base := t.TempDir()
	parent := types.Bundle{UUID: "p1"}
	writeFile(t, filepath.Join(base, parent.UUID, "data.txt"), "hello")

	child := types.Bundle{
		UUID: "c1",
		Dependencies: []types.Dependency{
			{ParentUUID: "p1", ChildPath: "ok"},
			{ParentUUID: "p1", ChildPath: "../escape"},
		},
	}

	a := NewDiskAssembler(&dirBundleRoot{base: base})
	_, err := a.Assemble(context.Background(), child, map[string]types.Bundle{"p1": parent})
	assert.Error(t, err)
}

func TestDiskAssemblerPreservesSymlinksWithoutFollowing(t *testing.T) {
	base := t.TempDir()
	parent := types.Bundle{UUID: "p1"}
	parentRoot := filepath.Join(base, parent.UUID)
	writeFile(t, filepath.Join(parentRoot, "real.txt"), "contents")
	require.NoError(t, os.Symlink("real.txt", filepath.Join(parentRoot, "link.txt")))
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(parentRoot, "outside.txt")))

	child := types.Bundle{
		UUID:         "c1",
		Dependencies: []types.Dependency{{ParentUUID: "p1", ChildPath: ""}},
	}

	a := NewDiskAssembler(&dirBundleRoot{base: base})
	_, err := a.Assemble(context.Background(), child, map[string]types.Bundle{"p1": parent})
	require.NoError(t, err)

	linkTarget, err := os.Readlink(filepath.Join(base, "c1", "link.txt"))
	require.NoError(t, err)
	assert.Equal(t, "real.txt", linkTarget)

	outsideTarget, err := os.Readlink(filepath.Join(base, "c1", "outside.txt"))
	require.NoError(t, err)
	assert.Equal(t, "/etc/passwd", outsideTarget)
}

func TestDiskAssemblerMissingDependencySourceFails(t *testing.T) {
	base := t.TempDir()
	parent := types.Bundle{UUID: "p1"}
	require.NoError(t, os.MkdirAll(filepath.Join(base, parent.UUID), 0o755))

	child := types.Bundle{
		UUID:         "c1",
		Dependencies: []types.Dependency{{ParentUUID: "p1", ParentPath: "missing.txt", ChildPath: ""}},
	}

	a := NewDiskAssembler(&dirBundleRoot{base: base})
	_, err := a.Assemble(context.Background(), child, map[string]types.Bundle{"p1": parent})
	assert.Error(t, err)
}

func TestDiskAssemblerMissingParentBundleFails(t *testing.T) {
	base := t.TempDir()

	child := types.Bundle{
		UUID:         "c1",
		Dependencies: []types.Dependency{{ParentUUID: "missing"}},
	}

	a := NewDiskAssembler(&dirBundleRoot{base: base})
	_, err := a.Assemble(context.Background(), child, map[string]types.Bundle{})
	assert.Error(t, err)
}
