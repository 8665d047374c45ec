package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicLeavesOnlyTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "virustotal_report_x.json")

	require.NoError(t, writeFileAtomic(path, []byte(`{"data":{}}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"data":{}}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteFileAtomicFailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	// a non-empty directory at the target makes the rename fail
	path := filepath.Join(dir, "virustotal_report_x.json")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "busy"), 0o755))

	require.Error(t, writeFileAtomic(path, []byte(`{}`)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].IsDir())
}
