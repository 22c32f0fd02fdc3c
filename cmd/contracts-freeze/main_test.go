// Copyright 2025 James Ross
package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectSchemasHashesEachFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "HIPPO_ENCODE.schema.json"), []byte(`{"type":"object"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-a-schema.txt"), []byte("ignore me"), 0o644))

	entries, err := collectSchemas(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "HIPPO_ENCODE", entries[0].Topic)
	require.NotEmpty(t, entries[0].SHA256)
}

func TestCollectSchemasMissingDirIsNotAnError(t *testing.T) {
	entries, err := collectSchemas(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.Nil(t, entries)
}

func TestRunCreateWritesManifestAndLatestAlias(t *testing.T) {
	schemaDir := t.TempDir()
	outDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "SAFETY_ALERT.schema.json"), []byte(`{"type":"object"}`), 0o644))

	require.NoError(t, runCreate(schemaDir, outDir, "v1"))

	require.FileExists(t, filepath.Join(outDir, "freeze-v1.json"))
	require.FileExists(t, filepath.Join(outDir, "sha-index-v1.json"))
	require.FileExists(t, filepath.Join(outDir, "freeze-latest.json"))
	require.FileExists(t, filepath.Join(outDir, "sha-index-latest.json"))
}

func TestRunListReportsNothingForMissingDir(t *testing.T) {
	err := runList(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
}
