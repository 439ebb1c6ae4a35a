package store

import (
	"strings"

	"github.com/hcengine/integration-engine/internal/model"
)

// builtinMCMColumns are the fixed MCM columns that never participate in
// the declared-column diff (spec §4.1).
var builtinMCMColumns = map[string]bool{
	"message_id":  true,
	"metadata_id": true,
}

// columnDiff is the result of comparing a channel's declared metadata
// columns against what currently exists on MCM.
type columnDiff struct {
	Add    []model.MetaDataColumn
	Modify []model.MetaDataColumn
	Drop   []string
}

// existingColumn is a column already present on MCM, as reported by the
// database's information schema.
type existingColumn struct {
	Name string
	Type model.MetaDataColumnType
}

// diffMetaDataColumns resolves Open Question #3: column existence is
// matched case-insensitively (so redeploying with "Status" when "status"
// already exists is a no-op/modify, not a duplicate add), but the column
// is created using the declared, case-preserved name the first time it
// is added, and the type comparison that decides ADD vs MODIFY vs no-op
// is also case-insensitive on the name.
func diffMetaDataColumns(declared []model.MetaDataColumn, existing []existingColumn) columnDiff {
	existingByLower := make(map[string]existingColumn, len(existing))
	for _, e := range existing {
		if builtinMCMColumns[strings.ToLower(e.Name)] {
			continue
		}
		existingByLower[strings.ToLower(e.Name)] = e
	}

	var diff columnDiff
	declaredLower := make(map[string]bool, len(declared))
	for _, d := range declared {
		key := strings.ToLower(d.Name)
		declaredLower[key] = true
		if ex, ok := existingByLower[key]; !ok {
			diff.Add = append(diff.Add, d)
		} else if ex.Type != d.Type {
			diff.Modify = append(diff.Modify, d)
		}
	}
	for lower, ex := range existingByLower {
		if !declaredLower[lower] {
			diff.Drop = append(diff.Drop, ex.Name)
		}
	}
	return diff
}

// sqlColumnType maps a declared metadata column type to its SQL column
// type (spec §4.1).
func sqlColumnType(t model.MetaDataColumnType) string {
	switch t {
	case model.MetaDataNumber:
		return "NUMERIC(20,6)"
	case model.MetaDataBoolean:
		return "SMALLINT"
	case model.MetaDataTimestamp:
		return "TIMESTAMP"
	default:
		return "VARCHAR(1024)"
	}
}
