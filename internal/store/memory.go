package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hcengine/integration-engine/internal/model"
)

// MemoryStore is an in-process Store used for unit tests and single-node
// development deployments (no DSN configured), mirroring the teacher's
// cmd/appserver fallback to in-memory storage when dsn == "".
type MemoryStore struct {
	mu sync.Mutex

	channels map[string]*model.Channel
	sequences map[string]int64

	messages  map[string]map[int64]*model.Message
	connMsgs  map[string]map[connMsgKey]*model.ConnectorMessage

	attachments map[string]map[string]*model.Attachment // channelID -> attachmentID -> attachment

	queues map[string][]QueueEntry // key: channelID|destination
	queuePos map[string]int64

	leases map[string]*Lease

	events   []ClusterEvent
	nextEventID int64

	mapCells map[string]map[string]*mapCell // scope -> key -> cell

	servers map[string]time.Time
}

type connMsgKey struct {
	messageID  int64
	metaDataID int
}

type mapCell struct {
	value   string
	version int64
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:    make(map[string]*model.Channel),
		sequences:   make(map[string]int64),
		messages:    make(map[string]map[int64]*model.Message),
		connMsgs:    make(map[string]map[connMsgKey]*model.ConnectorMessage),
		attachments: make(map[string]map[string]*model.Attachment),
		queues:      make(map[string][]QueueEntry),
		queuePos:    make(map[string]int64),
		leases:      make(map[string]*Lease),
		mapCells:    make(map[string]map[string]*mapCell),
		servers:     make(map[string]time.Time),
	}
}

func (m *MemoryStore) EnsureCoreSchema(ctx context.Context) error { return nil }

func (m *MemoryStore) DeployChannel(ctx context.Context, ch *model.Channel) error {
	if _, err := sanitizeChannelID(ch.ID); err != nil {
		return err
	}
	if err := ch.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch
	if _, ok := m.sequences[ch.ID]; !ok {
		m.sequences[ch.ID] = 1
	}
	if _, ok := m.messages[ch.ID]; !ok {
		m.messages[ch.ID] = make(map[int64]*model.Message)
	}
	if _, ok := m.connMsgs[ch.ID]; !ok {
		m.connMsgs[ch.ID] = make(map[connMsgKey]*model.ConnectorMessage)
	}
	if _, ok := m.attachments[ch.ID]; !ok {
		m.attachments[ch.ID] = make(map[string]*model.Attachment)
	}
	return nil
}

func (m *MemoryStore) AllocateSequenceBlock(ctx context.Context, channelID string, blockSize int64) (int64, int64, error) {
	if blockSize <= 0 {
		blockSize = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	start := m.sequences[channelID]
	if start == 0 {
		start = 1
	}
	end := start + blockSize
	m.sequences[channelID] = end
	return start, end, nil
}

func (m *MemoryStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.messages[msg.ChannelID]
	if !ok {
		ch = make(map[int64]*model.Message)
		m.messages[msg.ChannelID] = ch
	}
	cp := *msg
	ch[msg.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkMessageProcessed(ctx context.Context, channelID string, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.messages[channelID]; ok {
		if msg, ok := ch[messageID]; ok {
			msg.Processed = true
		}
	}
	return nil
}

func (m *MemoryStore) UpsertConnectorMessage(ctx context.Context, cm *model.ConnectorMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chMap, ok := m.connMsgs[cm.ChannelID]
	if !ok {
		chMap = make(map[connMsgKey]*model.ConnectorMessage)
		m.connMsgs[cm.ChannelID] = chMap
	}
	key := connMsgKey{cm.MessageID, cm.MetaDataID}
	cp := *cm
	cp.Content = cloneContent(cm.Content)
	cp.CustomMetaData = cloneMeta(cm.CustomMetaData)
	chMap[key] = &cp
	return nil
}

func (m *MemoryStore) GetConnectorMessage(ctx context.Context, channelID string, messageID int64, metaDataID int) (*model.ConnectorMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chMap, ok := m.connMsgs[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cm, ok := chMap[connMsgKey{messageID, metaDataID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cm
	cp.Content = cloneContent(cm.Content)
	cp.CustomMetaData = cloneMeta(cm.CustomMetaData)
	return &cp, nil
}

func (m *MemoryStore) MarkInFlightHalted(ctx context.Context, channelID, errorCode string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chMap, ok := m.connMsgs[channelID]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, cm := range chMap {
		if cm.Status.Terminal() {
			continue
		}
		cm.Status = model.StatusError
		cm.ErrorCode = errorCode
		n++
	}
	return n, nil
}

func (m *MemoryStore) WriteContent(ctx context.Context, channelID string, messageID int64, metaDataID int, content *model.Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chMap, ok := m.connMsgs[channelID]
	if !ok {
		return ErrNotFound
	}
	cm, ok := chMap[connMsgKey{messageID, metaDataID}]
	if !ok {
		return ErrNotFound
	}
	cp := *content
	cm.Content[content.ContentType] = &cp
	return nil
}

func (m *MemoryStore) ReadContent(ctx context.Context, channelID string, messageID int64, metaDataID int, ct model.ContentType) (*model.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chMap, ok := m.connMsgs[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cm, ok := chMap[connMsgKey{messageID, metaDataID}]
	if !ok {
		return nil, ErrNotFound
	}
	c, ok := cm.Content[ct]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) WriteCustomMetaData(ctx context.Context, channelID string, messageID int64, metaDataID int, values map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chMap, ok := m.connMsgs[channelID]
	if !ok {
		return ErrNotFound
	}
	cm, ok := chMap[connMsgKey{messageID, metaDataID}]
	if !ok {
		return ErrNotFound
	}
	for k, v := range values {
		cm.CustomMetaData[k] = v
	}
	return nil
}

func (m *MemoryStore) InsertAttachment(ctx context.Context, att *model.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chMap, ok := m.attachments[att.ChannelID]
	if !ok {
		chMap = make(map[string]*model.Attachment)
		m.attachments[att.ChannelID] = chMap
	}
	cp := *att
	chMap[att.AttachmentID] = &cp
	return nil
}

func (m *MemoryStore) GetAttachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (*model.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chMap, ok := m.attachments[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	att, ok := chMap[attachmentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *att
	return &cp, nil
}

func queueKey(channelID, destinationName string) string { return channelID + "|" + destinationName }

func (m *MemoryStore) EnqueueEntry(ctx context.Context, entry QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := queueKey(entry.ChannelID, entry.DestinationName)
	m.queuePos[key]++
	entry.Position = m.queuePos[key]
	entry.EnqueuedAt = time.Now()
	m.queues[key] = append(m.queues[key], entry)
	return nil
}

func (m *MemoryStore) DequeueHead(ctx context.Context, channelID, destinationName string) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := queueKey(channelID, destinationName)
	q := m.queues[key]
	if len(q) == 0 {
		return nil, ErrNotFound
	}
	head := q[0]
	return &head, nil
}

func (m *MemoryStore) RemoveEntry(ctx context.Context, channelID, destinationName string, messageID int64, metaDataID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := queueKey(channelID, destinationName)
	q := m.queues[key]
	for i, e := range q {
		if e.MessageID == messageID && e.MetaDataID == metaDataID {
			m.queues[key] = append(q[:i], q[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) RotateToTail(ctx context.Context, channelID, destinationName string, messageID int64, metaDataID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := queueKey(channelID, destinationName)
	q := m.queues[key]
	for i, e := range q {
		if e.MessageID == messageID && e.MetaDataID == metaDataID {
			q = append(q[:i], q[i+1:]...)
			e.Attempts = 0
			m.queuePos[key]++
			e.Position = m.queuePos[key]
			q = append(q, e)
			m.queues[key] = q
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) UpdateEntryAttempts(ctx context.Context, channelID, destinationName string, messageID int64, metaDataID int, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := queueKey(channelID, destinationName)
	q := m.queues[key]
	for i := range q {
		if q[i].MessageID == messageID && q[i].MetaDataID == metaDataID {
			q[i].Attempts = attempts
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) QueueDepth(ctx context.Context, channelID, destinationName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queueKey(channelID, destinationName)]), nil
}

func (m *MemoryStore) TryAcquireLease(ctx context.Context, channelID, serverID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	l, ok := m.leases[channelID]
	if ok && l.ExpiresAt.After(now) && l.ServerID != serverID {
		return false, nil
	}
	m.leases[channelID] = &Lease{
		ChannelID: channelID, ServerID: serverID,
		AcquiredAt: now, RenewedAt: now, ExpiresAt: now.Add(ttl),
	}
	return true, nil
}

func (m *MemoryStore) RenewLease(ctx context.Context, channelID, serverID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[channelID]
	if !ok || l.ServerID != serverID {
		return false, nil
	}
	now := time.Now()
	l.RenewedAt = now
	l.ExpiresAt = now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) ReadLease(ctx context.Context, channelID string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) InsertClusterEvent(ctx context.Context, channel string, data []byte, serverID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	ev := ClusterEvent{ID: m.nextEventID, Channel: channel, Data: append([]byte(nil), data...), CreatedAt: time.Now(), ServerID: serverID}
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *MemoryStore) PollClusterEvents(ctx context.Context, sinceID int64, excludeServerID string) ([]ClusterEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ClusterEvent
	for _, ev := range m.events {
		if ev.ID > sinceID && ev.ServerID != excludeServerID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func mapKey(scope, key string) string { return scope + "\x00" + key }

func (m *MemoryStore) GetMapValue(ctx context.Context, scope, key string) (string, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cells, ok := m.mapCells[scope]
	if !ok {
		return "", 0, false, nil
	}
	c, ok := cells[key]
	if !ok {
		return "", 0, false, nil
	}
	return c.value, c.version, true, nil
}

func (m *MemoryStore) GetAllMapValues(ctx context.Context, scope string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, c := range m.mapCells[scope] {
		out[k] = c.value
	}
	return out, nil
}

func (m *MemoryStore) SetMapValue(ctx context.Context, scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cells, ok := m.mapCells[scope]
	if !ok {
		cells = make(map[string]*mapCell)
		m.mapCells[scope] = cells
	}
	if c, ok := cells[key]; ok {
		c.value = value
		c.version++
	} else {
		cells[key] = &mapCell{value: value, version: 0}
	}
	return nil
}

func (m *MemoryStore) SetMapValueIfVersion(ctx context.Context, scope, key, value string, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cells, ok := m.mapCells[scope]
	if !ok {
		cells = make(map[string]*mapCell)
		m.mapCells[scope] = cells
	}
	c, ok := cells[key]
	if !ok {
		if expectedVersion != -1 {
			return false, nil
		}
		cells[key] = &mapCell{value: value, version: 0}
		return true, nil
	}
	if c.version != expectedVersion {
		return false, nil
	}
	c.value = value
	c.version++
	return true, nil
}

func (m *MemoryStore) DeleteMapValue(ctx context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cells, ok := m.mapCells[scope]; ok {
		delete(cells, key)
	}
	return nil
}

func (m *MemoryStore) RegisterServer(ctx context.Context, serverID, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[serverID] = time.Now()
	return nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[serverID] = time.Now()
	return nil
}

func cloneContent(in map[model.ContentType]*model.Content) map[model.ContentType]*model.Content {
	out := make(map[model.ContentType]*model.Content, len(in))
	for k, v := range in {
		cp := *v
		out[k] = &cp
	}
	return out
}

func cloneMeta(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
