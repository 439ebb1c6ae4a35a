package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hcengine/integration-engine/internal/model"
)

func TestDiffMetaDataColumns_AddModifyDrop(t *testing.T) {
	declared := []model.MetaDataColumn{
		{Name: "B", Type: model.MetaDataNumber},
		{Name: "C", Type: model.MetaDataBoolean},
	}
	existing := []existingColumn{
		{Name: "message_id", Type: model.MetaDataNumber},
		{Name: "metadata_id", Type: model.MetaDataNumber},
		{Name: "a", Type: model.MetaDataString},
		{Name: "b", Type: model.MetaDataString}, // type changed, same name case-insensitive
	}

	diff := diffMetaDataColumns(declared, existing)

	assert.ElementsMatch(t, []string{"a"}, diff.Drop)
	assert.Len(t, diff.Add, 1)
	assert.Equal(t, "C", diff.Add[0].Name)
	assert.Len(t, diff.Modify, 1)
	assert.Equal(t, "B", diff.Modify[0].Name)
}

func TestDiffMetaDataColumns_CaseInsensitiveMatchNoChange(t *testing.T) {
	declared := []model.MetaDataColumn{{Name: "Status", Type: model.MetaDataString}}
	existing := []existingColumn{{Name: "status", Type: model.MetaDataString}}

	diff := diffMetaDataColumns(declared, existing)

	assert.Empty(t, diff.Add)
	assert.Empty(t, diff.Modify)
	assert.Empty(t, diff.Drop)
}

func TestSanitizeChannelID(t *testing.T) {
	if _, err := sanitizeChannelID("valid_channel1"); err != nil {
		t.Fatalf("expected valid id to pass: %v", err)
	}
	if _, err := sanitizeChannelID("bad id; DROP TABLE"); err == nil {
		t.Fatal("expected invalid id to be rejected")
	}
}
