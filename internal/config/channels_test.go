package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadChannels_SortsByFilenameAndParsesBothFormats(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b-second.yaml"), []byte(`
id: c2
name: Second
enabled: true
source:
  metaDataId: 0
  name: Source
destinations:
  - metaDataId: 1
    name: Dest
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-first.json"), []byte(`{
"id": "c1", "name": "First", "enabled": true,
"source": {"metaDataId": 0, "name": "Source"},
"destinations": [{"metaDataId": 1, "name": "Dest"}]
}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	channels, err := LoadChannels(dir)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "c1", channels[0].ID)
	assert.Equal(t, "c2", channels[1].ID)
}

func TestLoadChannels_MissingDirReturnsEmpty(t *testing.T) {
	channels, err := LoadChannels(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Nil(t, channels)
}

func TestLoadChannels_EmptyPathReturnsEmpty(t *testing.T) {
	channels, err := LoadChannels("")
	require.NoError(t, err)
	assert.Nil(t, channels)
}
