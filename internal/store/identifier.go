package store

import (
	"regexp"
	"strings"

	"github.com/hcengine/integration-engine/internal/engineerr"
)

var identifierSegment = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// sanitizeChannelID rejects any channel identifier containing characters
// outside [A-Za-z0-9_], since the identifier is interpolated directly
// into per-channel table names (spec §4.1: "reject any non-alphanumeric/
// underscore in identifier segments used in table names").
func sanitizeChannelID(channelID string) (string, error) {
	if channelID == "" || !identifierSegment.MatchString(channelID) {
		return "", engineerr.Configuration("channel id must match [A-Za-z0-9_]+ to be used in a table name").
			WithDetail("channelId", channelID)
	}
	return channelID, nil
}

// tableName builds the deterministic per-channel table name for suffix
// (M, MM, MC, MCM, MA, SEQ; spec §4.1).
func tableName(channelID, suffix string) (string, error) {
	id, err := sanitizeChannelID(channelID)
	if err != nil {
		return "", err
	}
	return "ch_" + strings.ToLower(id) + "_" + suffix, nil
}
