package model

// Status is the lifecycle state of a ConnectorMessage (spec §3).
type Status string

const (
	StatusReceived    Status = "RECEIVED"
	StatusFiltered    Status = "FILTERED"
	StatusTransformed Status = "TRANSFORMED"
	StatusSent        Status = "SENT"
	StatusQueued      Status = "QUEUED"
	StatusError       Status = "ERROR"
	StatusPending     Status = "PENDING"
)

// Terminal reports whether the status ends the connector message's
// processing for the purposes of "wait for previous" ordering (spec §4.3).
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusError, StatusQueued, StatusFiltered:
		return true
	default:
		return false
	}
}

// ContentType distinguishes the serialized forms kept per connector
// message (spec §3, GLOSSARY).
type ContentType string

const (
	ContentRaw                  ContentType = "RAW"
	ContentProcessedRaw         ContentType = "PROCESSED_RAW"
	ContentTransformed          ContentType = "TRANSFORMED"
	ContentEncoded              ContentType = "ENCODED"
	ContentSent                 ContentType = "SENT"
	ContentResponse             ContentType = "RESPONSE"
	ContentResponseTransformed  ContentType = "RESPONSE_TRANSFORMED"
	ContentProcessingError      ContentType = "PROCESSING_ERROR"
	ContentResponseError        ContentType = "RESPONSE_ERROR"
	ContentPostprocessorError   ContentType = "POSTPROCESSOR_ERROR"
	ContentSourceMap            ContentType = "SOURCE_MAP_CONTENT"
	ContentChannelMap           ContentType = "CHANNEL_MAP_CONTENT"
	ContentResponseMap          ContentType = "RESPONSE_MAP_CONTENT"
)

// SourceMetaDataID is reserved for the source connector message (spec §3).
const SourceMetaDataID = 0

// MetaDataColumnType is the declared type of a user metadata column (spec §4.1).
type MetaDataColumnType string

const (
	MetaDataString    MetaDataColumnType = "STRING"
	MetaDataNumber    MetaDataColumnType = "NUMBER"
	MetaDataBoolean   MetaDataColumnType = "BOOLEAN"
	MetaDataTimestamp MetaDataColumnType = "TIMESTAMP"
)
