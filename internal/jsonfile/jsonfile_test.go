package jsonfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/hubfeed-agent/internal/jsonfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func TestWriteRead_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")

	require.NoError(t, jsonfile.Write(path, doc{Name: "a", Items: []string{"x"}}))

	var got doc
	found, err := jsonfile.Read(path, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, []string{"x"}, got.Items)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRead_MissingFile(t *testing.T) {
	var got doc
	found, err := jsonfile.Read(filepath.Join(t.TempDir(), "missing.json"), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRead_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	var got doc
	_, err := jsonfile.Read(path, &got)
	assert.Error(t, err)
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	require.NoError(t, jsonfile.Write(path, doc{Name: "one"}))
	require.NoError(t, jsonfile.Write(path, doc{Name: "two"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.json", entries[0].Name())
}
