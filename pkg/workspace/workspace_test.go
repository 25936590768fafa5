package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T) (*Workspace, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, MarkerDirName), 0755))
	ws, err := New(root)
	require.NoError(t, err)
	return ws, ws.Root()
}

func TestDetect(t *testing.T) {
	ws, root := newTestWorkspace(t)

	nested := filepath.Join(root, "src", "deep")
	require.NoError(t, os.MkdirAll(nested, 0755))

	detected, err := Detect(nested)
	require.NoError(t, err)
	assert.Equal(t, ws.Root(), detected.Root())
}

func TestDetectNoMarker(t *testing.T) {
	dir := t.TempDir()
	_, err := Detect(dir)
	assert.ErrorIs(t, err, ErrNoWorkspace)
}

func TestDetectReadsProjectInfo(t *testing.T) {
	_, root := newTestWorkspace(t)
	projectJSON := `{"name": "demo", "description": "test project"}`
	require.NoError(t, os.WriteFile(
		filepath.Join(root, MarkerDirName, "project.json"), []byte(projectJSON), 0644))

	ws, err := Detect(root)
	require.NoError(t, err)
	require.NotNil(t, ws.Project())
	assert.Equal(t, "demo", ws.Project().Name)
}

func TestResolveRelative(t *testing.T) {
	ws, root := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))

	abs, err := ws.Resolve("a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a.txt"), abs)
}

func TestResolveNewFile(t *testing.T) {
	ws, root := newTestWorkspace(t)

	abs, err := ws.Resolve("sub/new.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "new.txt"), abs)
}

func TestResolveEscape(t *testing.T) {
	ws, _ := newTestWorkspace(t)

	tests := []struct {
		name string
		path string
	}{
		{"dotdot", "../outside.txt"},
		{"nested dotdot", "a/../../outside.txt"},
		{"absolute outside", "/etc/passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ws.Resolve(tt.path)
			assert.ErrorIs(t, err, ErrPathEscape)
		})
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	ws, root := newTestWorkspace(t)
	outside := t.TempDir()
	link := filepath.Join(root, "sneaky")
	require.NoError(t, os.Symlink(outside, link))

	_, err := ws.Resolve("sneaky/file.txt")
	assert.ErrorIs(t, err, ErrPathEscape)
	assert.False(t, ws.IsWithinWorkspace("sneaky/file.txt"))
}

func TestRelForwardSlashes(t *testing.T) {
	ws, root := newTestWorkspace(t)

	rel, err := ws.Rel(filepath.Join(root, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", rel)
}

func TestRelOutsideRoot(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	_, err := ws.Rel("/somewhere/else")
	assert.Error(t, err)
}

func TestIsWithinWorkspaceRoot(t *testing.T) {
	ws, root := newTestWorkspace(t)
	assert.True(t, ws.IsWithinWorkspace(root))
	assert.True(t, ws.IsWithinWorkspace("."))
}
