package model

import "time"

// Message is the root entity scoped to one channel (spec §3). The
// messageId is allocated by the SequenceAllocator and is monotonically
// non-decreasing within a channel.
type Message struct {
	ChannelID string
	ID        int64
	ServerID  string
	ReceivedAt time.Time
	Processed bool
}

// ConnectorMessage is a message's state within one connector, source
// (MetaDataID 0) or a destination (spec §3).
type ConnectorMessage struct {
	ChannelID string
	MessageID int64
	MetaDataID int
	Status    Status
	SendAttempts int
	SendDate  *time.Time
	ResponseDate *time.Time
	ErrorCode string
	ProcessingError string
	ChainID   string
	OrderID   int

	Content  map[ContentType]*Content
	CustomMetaData map[string]interface{}
}

// Content is one serialized form of a connector message (spec §3).
type Content struct {
	ContentType ContentType
	DataType    string
	Value       string
	Encrypted   bool
}

// NewConnectorMessage builds a connector message in PENDING status with
// an empty content set, ready for the pipeline to populate.
func NewConnectorMessage(channelID string, messageID int64, metaDataID int) *ConnectorMessage {
	return &ConnectorMessage{
		ChannelID:      channelID,
		MessageID:      messageID,
		MetaDataID:     metaDataID,
		Status:         StatusPending,
		Content:        make(map[ContentType]*Content),
		CustomMetaData: make(map[string]interface{}),
	}
}

// SetContent stores content of type ct. It does not set Encrypted;
// encryption, when enabled, happens in the store layer at write time
// (spec §4.1).
func (cm *ConnectorMessage) SetContent(ct ContentType, dataType, value string) {
	cm.Content[ct] = &Content{ContentType: ct, DataType: dataType, Value: value}
}

// Attachment is opaque content-addressed bytes referenced by messages
// via ${ATTACH:id} tokens (spec §3).
type Attachment struct {
	ChannelID    string
	MessageID    int64
	AttachmentID string // sha256 hex digest of Data
	MimeType     string
	Data         []byte
}
