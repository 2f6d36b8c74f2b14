package fileops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/apex/log/handlers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcm2nnunet/pkg/dataset"
)

func testLogger() log.Interface {
	return &log.Logger{Handler: discard.New(), Level: log.InfoLevel}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCopyFileCreatesParents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	writeFile(t, src, "hello")

	dst := filepath.Join(dir, "a", "b", "dst.txt")
	copied, err := CopyFile(src, dst, testLogger())
	require.NoError(t, err)
	assert.True(t, copied)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestCopyFileMissingSource(t *testing.T) {
	_, err := CopyFile(filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "x"), testLogger())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestCopyFilePermissionSkipped verifies a permission failure is logged and not returned
func TestCopyFilePermissionSkipped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "secret.txt")
	writeFile(t, src, "x")
	require.NoError(t, os.Chmod(src, 0000))
	t.Cleanup(func() { os.Chmod(src, 0644) })

	handler := memory.New()
	logger := &log.Logger{Handler: handler, Level: log.InfoLevel}
	copied, err := CopyFile(src, filepath.Join(dir, "out.txt"), logger)
	assert.NoError(t, err)
	assert.False(t, copied)
	require.Len(t, handler.Entries, 1)
	assert.Equal(t, log.WarnLevel, handler.Entries[0].Level)
}

func TestRemoveAndMakeDirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	writeFile(t, filepath.Join(dir, "stale.txt"), "old")

	require.NoError(t, RemoveAndMakeDirs(dir))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCopyDataset(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "images", "case_01", "image.nii.gz"), "i1")
	writeFile(t, filepath.Join(root, "images", "case_02", "image.nii.gz"), "i2")
	writeFile(t, filepath.Join(root, "labels", "Task001", "case_01.nii.gz"), "l1")
	writeFile(t, filepath.Join(root, "labels", "Task001", "case_02.nii.gz"), "l2")

	out := filepath.Join(root, "Dataset001")
	n, err := CopyDataset(CopyOptions{
		ImageGlob: filepath.Join(root, "images", "*", "image.nii.gz"),
		LabelGlob: filepath.Join(root, "labels", "Task001", "*"),
		Labels:    []dataset.Label{{Name: "Brainstem", ID: 1}, {Name: "Eye_L", ID: 2}},
		OutDir:    out,
	}, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(out, "imagesTr", "case_02_0000.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, "i2", string(data))
	assert.FileExists(t, filepath.Join(out, "labelsTr", "case_01.nii.gz"))

	var doc struct {
		Labels      map[string]int `json:"labels"`
		NumTraining int            `json:"numTraining"`
	}
	raw, err := os.ReadFile(filepath.Join(out, dataset.ManifestName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 2, doc.NumTraining)
	assert.Equal(t, map[string]int{"Brainstem": 1, "Eye_L": 2, "background": 0}, doc.Labels)
}

func TestCopyDatasetNoFiles(t *testing.T) {
	root := t.TempDir()
	_, err := CopyDataset(CopyOptions{
		ImageGlob: filepath.Join(root, "*.nii.gz"),
		LabelGlob: filepath.Join(root, "*.nii.gz"),
		OutDir:    filepath.Join(root, "out"),
	}, nil, testLogger())
	assert.ErrorIs(t, err, ErrNoFiles)
}
