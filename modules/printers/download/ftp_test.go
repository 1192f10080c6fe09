package download

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/printers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport serves an in-memory directory tree.
type fakeTransport struct {
	files map[string][]byte // remote path -> content
	lists map[string][]printers.RemoteFile
}

func (f *fakeTransport) Available() bool { return true }

func (f *fakeTransport) List(ctx context.Context, dir string) ([]printers.RemoteFile, error) {
	entries, ok := f.lists[dir]
	if !ok {
		return nil, engine.Kind(engine.ErrNotFound, "no such directory %s", dir)
	}
	return entries, nil
}

func (f *fakeTransport) Retrieve(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	data, ok := f.files[remotePath]
	if !ok {
		return 0, engine.Kind(engine.ErrNotFound, "no such file %s", remotePath)
	}
	n, err := w.Write(data)
	return int64(n), err
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		files: map[string][]byte{},
		lists: map[string][]printers.RemoteFile{},
	}
}

func TestFTPStrategyDirectPath(t *testing.T) {
	transport := newFakeTransport()
	transport.files["cache/part.3mf"] = []byte("3mf-content")

	strategy := NewFTPStrategy(transport)
	localPath := filepath.Join(t.TempDir(), "part.3mf")
	result, err := strategy.Download(context.Background(), Options{Filename: "part.3mf", LocalPath: localPath})
	require.NoError(t, err)

	assert.Equal(t, "cache/part.3mf", result.RemotePath)
	assert.Equal(t, int64(len("3mf-content")), result.BytesWritten)
	content, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, "3mf-content", string(content))
}

func TestFTPStrategyCaseInsensitiveDiscovery(t *testing.T) {
	transport := newFakeTransport()
	transport.files["model/Part.3MF"] = []byte("found-me")
	transport.lists["model"] = []printers.RemoteFile{
		{Name: "Part.3MF", Path: "model/Part.3MF"},
	}

	strategy := NewFTPStrategy(transport)
	localPath := filepath.Join(t.TempDir(), "part.3mf")
	result, err := strategy.Download(context.Background(), Options{Filename: "part.3mf", LocalPath: localPath})
	require.NoError(t, err)
	assert.Equal(t, "model/Part.3MF", result.RemotePath)
}

func TestFTPStrategyFuzzyRanking(t *testing.T) {
	transport := newFakeTransport()
	transport.files["cache/benchy_v2_final.3mf"] = []byte("best")
	transport.files["cache/benchy_v2_final.gcode"] = []byte("second")
	transport.files["cache/old_benchy_v2_final_backup.stl"] = []byte("worst")
	transport.lists["cache"] = []printers.RemoteFile{
		{Name: "old_benchy_v2_final_backup.stl", Path: "cache/old_benchy_v2_final_backup.stl"},
		{Name: "benchy_v2_final.gcode", Path: "cache/benchy_v2_final.gcode"},
		{Name: "benchy_v2_final.3mf", Path: "cache/benchy_v2_final.3mf"},
	}

	strategy := NewFTPStrategy(transport)
	localPath := filepath.Join(t.TempDir(), "out.3mf")
	result, err := strategy.Download(context.Background(), Options{
		Filename:  "benchy_v2_final.obj", // no direct match anywhere
		LocalPath: localPath,
	})
	require.NoError(t, err)

	// 3mf beats gcode, prefix matches beat substring matches.
	assert.Equal(t, "cache/benchy_v2_final.3mf", result.RemotePath)
}

func TestFTPStrategyNotFound(t *testing.T) {
	transport := newFakeTransport()
	transport.lists["cache"] = []printers.RemoteFile{{Name: "other.3mf", Path: "cache/other.3mf"}}

	strategy := NewFTPStrategy(transport)
	_, err := strategy.Download(context.Background(), Options{
		Filename:  "missing.3mf",
		LocalPath: filepath.Join(t.TempDir(), "missing.3mf"),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFTPStrategyAuthIsFatal(t *testing.T) {
	strategy := NewFTPStrategy(&authFailTransport{})
	_, err := strategy.Download(context.Background(), Options{
		Filename:  "a.3mf",
		LocalPath: filepath.Join(t.TempDir(), "a.3mf"),
	})
	var fatalErr *FatalError
	assert.ErrorAs(t, err, &fatalErr)
}

type authFailTransport struct{}

func (a *authFailTransport) Available() bool { return true }
func (a *authFailTransport) List(ctx context.Context, dir string) ([]printers.RemoteFile, error) {
	return nil, engine.Kind(engine.ErrAuth, "530 login incorrect")
}
func (a *authFailTransport) Retrieve(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	return 0, engine.Kind(engine.ErrAuth, "530 login incorrect")
}
