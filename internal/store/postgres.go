package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/hcengine/integration-engine/internal/crypto"
	"github.com/hcengine/integration-engine/internal/engineerr"
	"github.com/hcengine/integration-engine/internal/model"
)

// PostgresStore is the clustered-deployment Store backed by PostgreSQL
// (spec §4.1). Per-channel tables are created on first deploy with names
// deterministically derived from the channel id.
type PostgresStore struct {
	db        *sqlx.DB
	encryptor crypto.Encryptor
}

// Open connects to dsn and applies the core-table migrations.
func Open(ctx context.Context, dsn string, encryptor crypto.Encryptor) (*PostgresStore, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, engineerr.SchemaWrap("open postgres connection", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, engineerr.SchemaWrap("ping postgres", err)
	}
	if err := applyCoreMigrations(sqlDB); err != nil {
		return nil, err
	}
	if encryptor == nil {
		encryptor = crypto.NoopEncryptor{}
	}
	return &PostgresStore{db: sqlx.NewDb(sqlDB, "postgres"), encryptor: encryptor}, nil
}

func (s *PostgresStore) EnsureCoreSchema(ctx context.Context) error {
	return applyCoreMigrations(s.db.DB)
}

// DeployChannel creates the per-channel tables (idempotent) and
// synchronizes the MCM metadata columns to the declared set (spec §4.1).
func (s *PostgresStore) DeployChannel(ctx context.Context, ch *model.Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	names, err := channelTableNames(ch.ID)
	if err != nil {
		return err
	}

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			server_id VARCHAR(64),
			received_at TIMESTAMP NOT NULL DEFAULT now(),
			processed BOOLEAN NOT NULL DEFAULT FALSE
		)`, names.M),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT NOT NULL,
			metadata_id INTEGER NOT NULL,
			status VARCHAR(32) NOT NULL,
			send_attempts INTEGER NOT NULL DEFAULT 0,
			send_date TIMESTAMP,
			response_date TIMESTAMP,
			error_code VARCHAR(64),
			processing_error TEXT,
			chain_id VARCHAR(64),
			order_id INTEGER,
			PRIMARY KEY (message_id, metadata_id)
		)`, names.MM),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT NOT NULL,
			metadata_id INTEGER NOT NULL,
			content_type VARCHAR(32) NOT NULL,
			content TEXT,
			data_type VARCHAR(32),
			encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (message_id, metadata_id, content_type)
		)`, names.MC),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT NOT NULL,
			metadata_id INTEGER NOT NULL,
			PRIMARY KEY (message_id, metadata_id)
		)`, names.MCM),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT NOT NULL,
			attachment_id VARCHAR(64) NOT NULL,
			mime_type VARCHAR(128),
			data BYTEA,
			PRIMARY KEY (message_id, attachment_id)
		)`, names.MA),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id SMALLINT PRIMARY KEY DEFAULT 1,
			next_id BIGINT NOT NULL DEFAULT 1,
			CHECK (id = 1)
		)`, names.SEQ),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			channel_id VARCHAR(255) NOT NULL,
			destination_name VARCHAR(255) NOT NULL,
			message_id BIGINT NOT NULL,
			metadata_id INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			position BIGINT NOT NULL,
			enqueued_at TIMESTAMP NOT NULL DEFAULT now(),
			PRIMARY KEY (channel_id, destination_name, message_id, metadata_id)
		)`, names.Queue),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return engineerr.SchemaWrap("create per-channel tables", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, next_id) VALUES (1, 1) ON CONFLICT (id) DO NOTHING`, names.SEQ)); err != nil {
		return engineerr.SchemaWrap("seed sequence row", err)
	}

	if err := s.syncMetaDataColumns(ctx, names.MCM, ch.MetaDataColumns); err != nil {
		return err
	}

	body, _ := json.Marshal(ch)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channel (id, name, revision, body, enabled) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET name=$2, revision=$3, body=$4, enabled=$5`,
		ch.ID, ch.Name, ch.Revision, string(body), ch.Enabled)
	if err != nil {
		return engineerr.SchemaWrap("upsert channel row", err)
	}
	return nil
}

type channelTables struct {
	M, MM, MC, MCM, MA, SEQ, Queue string
}

func channelTableNames(channelID string) (channelTables, error) {
	var t channelTables
	var err error
	if t.M, err = tableName(channelID, "M"); err != nil {
		return t, err
	}
	t.MM, _ = tableName(channelID, "MM")
	t.MC, _ = tableName(channelID, "MC")
	t.MCM, _ = tableName(channelID, "MCM")
	t.MA, _ = tableName(channelID, "MA")
	t.SEQ, _ = tableName(channelID, "SEQ")
	t.Queue, _ = tableName(channelID, "QUEUE")
	return t, nil
}

// syncMetaDataColumns diffs the declared columns against information_schema
// and issues ADD/ALTER/DROP statements (spec §4.1, Open Question #3).
func (s *PostgresStore) syncMetaDataColumns(ctx context.Context, mcmTable string, declared []model.MetaDataColumn) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1`,
		mcmTable)
	if err != nil {
		return engineerr.SchemaWrap("inspect MCM columns", err)
	}
	defer rows.Close()

	var existing []existingColumn
	for rows.Next() {
		var name, dtype string
		if err := rows.Scan(&name, &dtype); err != nil {
			return engineerr.SchemaWrap("scan MCM column", err)
		}
		existing = append(existing, existingColumn{Name: name, Type: sqlTypeToMetaDataType(dtype)})
	}

	diff := diffMetaDataColumns(declared, existing)
	for _, col := range diff.Add {
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, mcmTable, quoteIdent(col.Name), sqlColumnType(col.Type))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return engineerr.SchemaWrap("add MCM column "+col.Name, err)
		}
	}
	for _, col := range diff.Modify {
		stmt := fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s`,
			mcmTable, quoteIdent(col.Name), sqlColumnType(col.Type), quoteIdent(col.Name), sqlColumnType(col.Type))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return engineerr.SchemaWrap("modify MCM column "+col.Name, err)
		}
	}
	for _, name := range diff.Drop {
		stmt := fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, mcmTable, quoteIdent(name))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return engineerr.SchemaWrap("drop MCM column "+name, err)
		}
	}
	return nil
}

func quoteIdent(name string) string { return `"` + name + `"` }

func sqlTypeToMetaDataType(dtype string) model.MetaDataColumnType {
	switch dtype {
	case "numeric":
		return model.MetaDataNumber
	case "smallint":
		return model.MetaDataBoolean
	case "timestamp without time zone", "timestamp":
		return model.MetaDataTimestamp
	default:
		return model.MetaDataString
	}
}

func (s *PostgresStore) AllocateSequenceBlock(ctx context.Context, channelID string, blockSize int64) (int64, int64, error) {
	if blockSize <= 0 {
		blockSize = 1
	}
	names, err := channelTableNames(channelID)
	if err != nil {
		return 0, 0, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, engineerr.TransportWrap("begin sequence tx", err)
	}
	defer tx.Rollback()

	var start int64
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT next_id FROM %s WHERE id = 1 FOR UPDATE`, names.SEQ))
	if err := row.Scan(&start); err != nil {
		return 0, 0, engineerr.TransportWrap("lock sequence row", err)
	}
	end := start + blockSize
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET next_id = $1 WHERE id = 1`, names.SEQ), end); err != nil {
		return 0, 0, engineerr.TransportWrap("advance sequence", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, engineerr.TransportWrap("commit sequence tx", err)
	}
	return start, end, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	names, err := channelTableNames(msg.ChannelID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, server_id, received_at, processed) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO NOTHING`, names.M),
		msg.ID, msg.ServerID, msg.ReceivedAt, msg.Processed)
	if err != nil {
		return engineerr.IntegrityWrap("insert message row", err)
	}
	return nil
}

func (s *PostgresStore) MarkMessageProcessed(ctx context.Context, channelID string, messageID int64) error {
	names, err := channelTableNames(channelID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET processed = TRUE WHERE id = $1`, names.M), messageID)
	return err
}

func (s *PostgresStore) UpsertConnectorMessage(ctx context.Context, cm *model.ConnectorMessage) error {
	names, err := channelTableNames(cm.ChannelID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (message_id, metadata_id, status, send_attempts, send_date, response_date, error_code, processing_error, chain_id, order_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (message_id, metadata_id) DO UPDATE SET
			status=$3, send_attempts=$4, send_date=$5, response_date=$6, error_code=$7, processing_error=$8, chain_id=$9, order_id=$10
	`, names.MM),
		cm.MessageID, cm.MetaDataID, string(cm.Status), cm.SendAttempts, cm.SendDate, cm.ResponseDate,
		cm.ErrorCode, cm.ProcessingError, cm.ChainID, cm.OrderID)
	if err != nil {
		return engineerr.IntegrityWrap("upsert connector message", err)
	}
	for _, content := range cm.Content {
		if err := s.WriteContent(ctx, cm.ChannelID, cm.MessageID, cm.MetaDataID, content); err != nil {
			return err
		}
	}
	if len(cm.CustomMetaData) > 0 {
		if err := s.WriteCustomMetaData(ctx, cm.ChannelID, cm.MessageID, cm.MetaDataID, cm.CustomMetaData); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetConnectorMessage(ctx context.Context, channelID string, messageID int64, metaDataID int) (*model.ConnectorMessage, error) {
	names, err := channelTableNames(channelID)
	if err != nil {
		return nil, err
	}
	cm := model.NewConnectorMessage(channelID, messageID, metaDataID)
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT status, send_attempts, send_date, response_date, error_code, processing_error, chain_id, order_id
		FROM %s WHERE message_id=$1 AND metadata_id=$2`, names.MM), messageID, metaDataID)
	var status string
	if err := row.Scan(&status, &cm.SendAttempts, &cm.SendDate, &cm.ResponseDate, &cm.ErrorCode, &cm.ProcessingError, &cm.ChainID, &cm.OrderID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, engineerr.IntegrityWrap("read connector message", err)
	}
	cm.Status = model.Status(status)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT content_type, content, data_type, encrypted FROM %s WHERE message_id=$1 AND metadata_id=$2`, names.MC),
		messageID, metaDataID)
	if err != nil {
		return nil, engineerr.IntegrityWrap("read content rows", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ctype, value, dtype string
		var encrypted bool
		if err := rows.Scan(&ctype, &value, &dtype, &encrypted); err != nil {
			return nil, engineerr.IntegrityWrap("scan content row", err)
		}
		plain := value
		if encrypted {
			plain, err = s.encryptor.Decrypt(value)
			if err != nil {
				return nil, engineerr.IntegrityWrap("decrypt content", err)
			}
		}
		cm.Content[model.ContentType(ctype)] = &model.Content{ContentType: model.ContentType(ctype), DataType: dtype, Value: plain, Encrypted: encrypted}
	}
	return cm, nil
}

func (s *PostgresStore) MarkInFlightHalted(ctx context.Context, channelID, errorCode string) (int, error) {
	names, err := channelTableNames(channelID)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status='ERROR', error_code=$1
		 WHERE status NOT IN ('SENT','ERROR','QUEUED','FILTERED')`, names.MM), errorCode)
	if err != nil {
		return 0, engineerr.IntegrityWrap("mark in-flight connector messages halted", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) WriteContent(ctx context.Context, channelID string, messageID int64, metaDataID int, content *model.Content) error {
	names, err := channelTableNames(channelID)
	if err != nil {
		return err
	}
	stored := content.Value
	encrypted := s.encryptor.Enabled()
	if encrypted {
		stored, err = s.encryptor.Encrypt(content.Value)
		if err != nil {
			return engineerr.IntegrityWrap("encrypt content", err)
		}
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (message_id, metadata_id, content_type, content, data_type, encrypted)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (message_id, metadata_id, content_type) DO UPDATE SET content=$4, data_type=$5, encrypted=$6
	`, names.MC), messageID, metaDataID, string(content.ContentType), stored, content.DataType, encrypted)
	if err != nil {
		return engineerr.IntegrityWrap("write content", err)
	}
	return nil
}

func (s *PostgresStore) ReadContent(ctx context.Context, channelID string, messageID int64, metaDataID int, ct model.ContentType) (*model.Content, error) {
	names, err := channelTableNames(channelID)
	if err != nil {
		return nil, err
	}
	var value, dtype string
	var encrypted bool
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT content, data_type, encrypted FROM %s WHERE message_id=$1 AND metadata_id=$2 AND content_type=$3`, names.MC),
		messageID, metaDataID, string(ct))
	if err := row.Scan(&value, &dtype, &encrypted); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, engineerr.IntegrityWrap("read content", err)
	}
	plain := value
	if encrypted {
		plain, err = s.encryptor.Decrypt(value)
		if err != nil {
			return nil, engineerr.IntegrityWrap("decrypt content", err)
		}
	}
	return &model.Content{ContentType: ct, DataType: dtype, Value: plain, Encrypted: encrypted}, nil
}

func (s *PostgresStore) WriteCustomMetaData(ctx context.Context, channelID string, messageID int64, metaDataID int, values map[string]interface{}) error {
	names, err := channelTableNames(channelID)
	if err != nil {
		return err
	}
	// Ensure a row exists, then set each declared column by name. Column
	// existence is guaranteed by DeployChannel's syncMetaDataColumns.
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (message_id, metadata_id) VALUES ($1,$2) ON CONFLICT (message_id, metadata_id) DO NOTHING`, names.MCM),
		messageID, metaDataID)
	if err != nil {
		return engineerr.IntegrityWrap("ensure MCM row", err)
	}
	for col, val := range values {
		stmt := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE message_id=$2 AND metadata_id=$3`, names.MCM, quoteIdent(col))
		if _, err := s.db.ExecContext(ctx, stmt, val, messageID, metaDataID); err != nil {
			return engineerr.IntegrityWrap("set MCM column "+col, err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, att *model.Attachment) error {
	names, err := channelTableNames(att.ChannelID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (message_id, attachment_id, mime_type, data) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (message_id, attachment_id) DO NOTHING`, names.MA),
		att.MessageID, att.AttachmentID, att.MimeType, att.Data)
	if err != nil {
		return engineerr.IntegrityWrap("insert attachment", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (*model.Attachment, error) {
	names, err := channelTableNames(channelID)
	if err != nil {
		return nil, err
	}
	att := &model.Attachment{ChannelID: channelID, MessageID: messageID, AttachmentID: attachmentID}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT mime_type, data FROM %s WHERE message_id=$1 AND attachment_id=$2`, names.MA), messageID, attachmentID)
	if err := row.Scan(&att.MimeType, &att.Data); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, engineerr.IntegrityWrap("read attachment", err)
	}
	return att, nil
}

func (s *PostgresStore) EnqueueEntry(ctx context.Context, entry QueueEntry) error {
	names, err := channelTableNames(entry.ChannelID)
	if err != nil {
		return err
	}
	var pos int64
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COALESCE(MAX(position),0)+1 FROM %s WHERE channel_id=$1 AND destination_name=$2`, names.Queue),
		entry.ChannelID, entry.DestinationName)
	if err := row.Scan(&pos); err != nil {
		return engineerr.IntegrityWrap("compute queue position", err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (channel_id, destination_name, message_id, metadata_id, attempts, position, enqueued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (channel_id, destination_name, message_id, metadata_id) DO UPDATE SET position=$6
	`, names.Queue), entry.ChannelID, entry.DestinationName, entry.MessageID, entry.MetaDataID, entry.Attempts, pos, time.Now())
	if err != nil {
		return engineerr.IntegrityWrap("enqueue entry", err)
	}
	return nil
}

func (s *PostgresStore) DequeueHead(ctx context.Context, channelID, destinationName string) (*QueueEntry, error) {
	names, err := channelTableNames(channelID)
	if err != nil {
		return nil, err
	}
	e := &QueueEntry{ChannelID: channelID, DestinationName: destinationName}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT message_id, metadata_id, attempts, position, enqueued_at FROM %s
		 WHERE channel_id=$1 AND destination_name=$2 ORDER BY position ASC LIMIT 1`, names.Queue),
		channelID, destinationName)
	if err := row.Scan(&e.MessageID, &e.MetaDataID, &e.Attempts, &e.Position, &e.EnqueuedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, engineerr.IntegrityWrap("dequeue head", err)
	}
	return e, nil
}

func (s *PostgresStore) RemoveEntry(ctx context.Context, channelID, destinationName string, messageID int64, metaDataID int) error {
	names, err := channelTableNames(channelID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE channel_id=$1 AND destination_name=$2 AND message_id=$3 AND metadata_id=$4`, names.Queue),
		channelID, destinationName, messageID, metaDataID)
	return err
}

func (s *PostgresStore) RotateToTail(ctx context.Context, channelID, destinationName string, messageID int64, metaDataID int) error {
	names, err := channelTableNames(channelID)
	if err != nil {
		return err
	}
	var maxPos int64
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COALESCE(MAX(position),0)+1 FROM %s WHERE channel_id=$1 AND destination_name=$2`, names.Queue),
		channelID, destinationName)
	if err := row.Scan(&maxPos); err != nil {
		return engineerr.IntegrityWrap("compute rotate position", err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET position=$1, attempts=0 WHERE channel_id=$2 AND destination_name=$3 AND message_id=$4 AND metadata_id=$5`,
		names.Queue), maxPos, channelID, destinationName, messageID, metaDataID)
	return err
}

func (s *PostgresStore) UpdateEntryAttempts(ctx context.Context, channelID, destinationName string, messageID int64, metaDataID int, attempts int) error {
	names, err := channelTableNames(channelID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET attempts=$1 WHERE channel_id=$2 AND destination_name=$3 AND message_id=$4 AND metadata_id=$5`,
		names.Queue), attempts, channelID, destinationName, messageID, metaDataID)
	return err
}

func (s *PostgresStore) QueueDepth(ctx context.Context, channelID, destinationName string) (int, error) {
	names, err := channelTableNames(channelID)
	if err != nil {
		return 0, err
	}
	var n int
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE channel_id=$1 AND destination_name=$2`, names.Queue), channelID, destinationName)
	err = row.Scan(&n)
	return n, err
}

func (s *PostgresStore) TryAcquireLease(ctx context.Context, channelID, serverID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO polling_leases (channel_id, server_id, acquired_at, renewed_at, expires_at)
		VALUES ($1,$2,$3,$3,$4)
		ON CONFLICT (channel_id) DO UPDATE SET server_id=$2, acquired_at=$3, renewed_at=$3, expires_at=$4
		WHERE polling_leases.expires_at < $3 OR polling_leases.server_id = $2
	`, channelID, serverID, now, now.Add(ttl))
	if err != nil {
		return false, engineerr.TransportWrap("acquire lease", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) RenewLease(ctx context.Context, channelID, serverID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE polling_leases SET renewed_at=$1, expires_at=$2 WHERE channel_id=$3 AND server_id=$4`,
		now, now.Add(ttl), channelID, serverID)
	if err != nil {
		return false, engineerr.TransportWrap("renew lease", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) ReadLease(ctx context.Context, channelID string) (*Lease, error) {
	l := &Lease{ChannelID: channelID}
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, acquired_at, renewed_at, expires_at FROM polling_leases WHERE channel_id=$1`, channelID)
	if err := row.Scan(&l.ServerID, &l.AcquiredAt, &l.RenewedAt, &l.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, engineerr.IntegrityWrap("read lease", err)
	}
	return l, nil
}

func (s *PostgresStore) InsertClusterEvent(ctx context.Context, channel string, data []byte, serverID string) (int64, error) {
	var id int64
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO cluster_events (channel, data, server_id) VALUES ($1,$2,$3) RETURNING id`,
		channel, data, serverID)
	if err := row.Scan(&id); err != nil {
		return 0, engineerr.IntegrityWrap("insert cluster event", err)
	}
	return id, nil
}

func (s *PostgresStore) PollClusterEvents(ctx context.Context, sinceID int64, excludeServerID string) ([]ClusterEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, data, created_at, server_id FROM cluster_events
		WHERE id > $1 AND server_id != $2 ORDER BY id ASC`, sinceID, excludeServerID)
	if err != nil {
		return nil, engineerr.IntegrityWrap("poll cluster events", err)
	}
	defer rows.Close()
	var out []ClusterEvent
	for rows.Next() {
		var ev ClusterEvent
		if err := rows.Scan(&ev.ID, &ev.Channel, &ev.Data, &ev.CreatedAt, &ev.ServerID); err != nil {
			return nil, engineerr.IntegrityWrap("scan cluster event", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *PostgresStore) GetMapValue(ctx context.Context, scope, key string) (string, int64, bool, error) {
	var value string
	var version int64
	row := s.db.QueryRowContext(ctx, `SELECT value, version FROM global_map WHERE scope=$1 AND key=$2`, scope, key)
	if err := row.Scan(&value, &version); err != nil {
		if err == sql.ErrNoRows {
			return "", 0, false, nil
		}
		return "", 0, false, engineerr.IntegrityWrap("get map value", err)
	}
	return value, version, true, nil
}

func (s *PostgresStore) GetAllMapValues(ctx context.Context, scope string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM global_map WHERE scope=$1`, scope)
	if err != nil {
		return nil, engineerr.IntegrityWrap("get all map values", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (s *PostgresStore) SetMapValue(ctx context.Context, scope, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO global_map (scope, key, value, version, updated_at) VALUES ($1,$2,$3,0,now())
		ON CONFLICT (scope, key) DO UPDATE SET value=$3, version=global_map.version+1, updated_at=now()`,
		scope, key, value)
	return err
}

func (s *PostgresStore) SetMapValueIfVersion(ctx context.Context, scope, key, value string, expectedVersion int64) (bool, error) {
	if expectedVersion == -1 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO global_map (scope, key, value, version, updated_at) VALUES ($1,$2,$3,0,now())
			ON CONFLICT (scope, key) DO NOTHING`, scope, key, value)
		if err != nil {
			return false, engineerr.IntegrityWrap("insert-if-absent map value", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE global_map SET value=$1, version=version+1, updated_at=now()
		WHERE scope=$2 AND key=$3 AND version=$4`, value, scope, key, expectedVersion)
	if err != nil {
		return false, engineerr.IntegrityWrap("CAS map value", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) DeleteMapValue(ctx context.Context, scope, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM global_map WHERE scope=$1 AND key=$2`, scope, key)
	return err
}

func (s *PostgresStore) RegisterServer(ctx context.Context, serverID, hostname string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (server_id, hostname, started_at, last_heartbeat) VALUES ($1,$2,now(),now())
		ON CONFLICT (server_id) DO UPDATE SET hostname=$2, last_heartbeat=now()`, serverID, hostname)
	return err
}

func (s *PostgresStore) Heartbeat(ctx context.Context, serverID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE servers SET last_heartbeat=now() WHERE server_id=$1`, serverID)
	return err
}

var _ Store = (*PostgresStore)(nil)
