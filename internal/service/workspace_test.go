package service_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yohan020/my-bucket-editor/internal/domain"
	"github.com/yohan020/my-bucket-editor/internal/service"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func names(nodes []domain.FileNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

func TestWorkspace_Tree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "zeta.txt"), "z")
	writeFile(t, filepath.Join(root, "Alpha.md"), "a")
	writeFile(t, filepath.Join(root, ".env"), "secret")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref")
	writeFile(t, filepath.Join(root, "node_modules", "x", "index.js"), "")
	writeFile(t, filepath.Join(root, "dist", "bundle.js"), "")
	writeFile(t, filepath.Join(root, "out", "main.js"), "")
	writeFile(t, filepath.Join(root, "src", "b.go"), "")
	writeFile(t, filepath.Join(root, "src", "a.go"), "")
	writeFile(t, filepath.Join(root, "docs", "guide.md"), "")

	ws, err := service.NewWorkspace(root)
	require.NoError(t, err)

	tree, err := ws.Tree()
	require.NoError(t, err)

	assert.Equal(t, []string{"docs", "src", "Alpha.md", "zeta.txt"}, names(tree))
	assert.True(t, tree[0].IsDirectory)
	assert.Equal(t, []string{"a.go", "b.go"}, names(tree[1].Children))
	assert.Equal(t, filepath.Join(ws.Root(), "src", "a.go"), tree[1].Children[0].Path)
	assert.False(t, tree[2].IsDirectory)
}

func TestWorkspace_TreeOnMissingRoot(t *testing.T) {
	root := t.TempDir()
	ws, err := service.NewWorkspace(root)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(root))

	_, err = ws.Tree()
	assert.Error(t, err)
}

func TestWorkspace_ResolveRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.txt"), "s")
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	ws, err := service.NewWorkspace(root)
	require.NoError(t, err)

	for _, p := range []string{
		"../secret.txt",
		filepath.Join(outside, "secret.txt"),
		"link/secret.txt",
		filepath.Join(ws.Root(), "..", "x"),
	} {
		_, err := ws.Resolve(p)
		assert.ErrorIs(t, err, service.ErrPathOutsideRoot, p)
	}

	full, err := ws.Resolve("sub/new.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root(), "sub", "new.txt"), full)

	_, err = ws.Resolve("")
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}

func TestWorkspace_ReadWrite(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "readme.md"), "hello")
	ws, err := service.NewWorkspace(root)
	require.NoError(t, err)

	full, content, err := ws.ReadFile(filepath.Join(ws.Root(), "readme.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", content)

	require.NoError(t, ws.WriteFile(full, "changed"))
	_, content, err = ws.ReadFile("readme.md")
	require.NoError(t, err)
	assert.Equal(t, "changed", content)

	_, _, err = ws.ReadFile("src")
	assert.Error(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))
	_, _, err = ws.ReadFile("dir")
	assert.ErrorIs(t, err, service.ErrNotAFile)
}

func TestNewWorkspace_RequiresDirectory(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "f.txt")
	writeFile(t, file, "x")

	_, err := service.NewWorkspace(file)
	assert.Error(t, err)
	_, err = service.NewWorkspace(filepath.Join(root, "missing"))
	assert.Error(t, err)
}
