package cassandra

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"consultlink-backend/internal/database"
	"consultlink-backend/internal/domain"
)

// MessageRepository handles message storage in Cassandra
//
// Appointment chats are partitioned by appointment, direct chats by the
// sorted participant pair. message_keys maps a client idempotency key to the
// stored message so a resent frame never creates a second row.
//
//	messages_by_appointment ((appointment_id), created_at DESC, message_id)
//	messages_by_pair        ((pair_key), created_at DESC, message_id)
//	message_keys            ((client_message_id)) -> message_id, created_at
type MessageRepository struct {
	db     *database.CassandraDB
	writer messageWriter
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(db *database.CassandraDB) *MessageRepository {
	return &MessageRepository{db: db, writer: cqlMessageWriter{db: db}}
}

// messageWriter is the write path of Save
type messageWriter interface {
	// ReserveKey claims the client key; when taken it reports the stored id and time
	ReserveKey(ctx context.Context, message *domain.Message) (applied bool, storedID uuid.UUID, storedAt time.Time, err error)
	RowExists(ctx context.Context, message *domain.Message) (bool, error)
	InsertRow(ctx context.Context, message *domain.Message) error
}

const messageColumns = `message_id, client_message_id, sender_id, receiver_id, content, kind, attachment_ref, is_read, created_at`

func cqlUUID(id uuid.UUID) gocql.UUID {
	return gocql.UUID(id)
}

// PairKey is the partition key of a direct conversation; order independent
func PairKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if x > y {
		x, y = y, x
	}
	return x + ":" + y
}

// Save inserts a message. When the client key was already used, message is
// rewritten with the stored id and timestamp and created is false.
//
// A key whose message row is missing belongs to an earlier attempt that
// failed after the reservation; that attempt is completed under the reserved
// id and reported as created.
func (r *MessageRepository) Save(ctx context.Context, message *domain.Message) (bool, error) {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	if message.ClientMessageID != uuid.Nil {
		applied, storedID, storedAt, err := r.writer.ReserveKey(ctx, message)
		if err != nil {
			return false, fmt.Errorf("failed to reserve message key: %w", err)
		}
		if !applied {
			if storedID != uuid.Nil {
				message.ID = storedID
			}
			if !storedAt.IsZero() {
				message.CreatedAt = storedAt
			}
			exists, err := r.writer.RowExists(ctx, message)
			if err != nil {
				return false, fmt.Errorf("failed to check message: %w", err)
			}
			if exists {
				return false, nil
			}
		}
	}

	if err := r.writer.InsertRow(ctx, message); err != nil {
		return false, fmt.Errorf("failed to save message: %w", err)
	}
	return true, nil
}

type cqlMessageWriter struct {
	db *database.CassandraDB
}

func (w cqlMessageWriter) ReserveKey(ctx context.Context, message *domain.Message) (bool, uuid.UUID, time.Time, error) {
	existing := make(map[string]interface{})
	applied, err := w.db.QueryWithContext(ctx,
		`INSERT INTO message_keys (client_message_id, message_id, created_at) VALUES (?, ?, ?) IF NOT EXISTS`,
		cqlUUID(message.ClientMessageID), cqlUUID(message.ID), message.CreatedAt,
	).MapScanCAS(existing)
	if err != nil || applied {
		return applied, uuid.Nil, time.Time{}, err
	}

	var (
		storedID uuid.UUID
		storedAt time.Time
	)
	if id, ok := existing["message_id"].(gocql.UUID); ok {
		storedID = uuid.UUID(id)
	}
	if at, ok := existing["created_at"].(time.Time); ok {
		storedAt = at
	}
	return false, storedID, storedAt, nil
}

func (w cqlMessageWriter) RowExists(ctx context.Context, message *domain.Message) (bool, error) {
	var (
		q  *gocql.Query
		id gocql.UUID
	)
	if message.AppointmentID != nil {
		q = w.db.QueryWithContext(ctx,
			`SELECT message_id FROM messages_by_appointment WHERE appointment_id = ? AND created_at = ? AND message_id = ?`,
			cqlUUID(*message.AppointmentID), message.CreatedAt, cqlUUID(message.ID),
		)
	} else {
		q = w.db.QueryWithContext(ctx,
			`SELECT message_id FROM messages_by_pair WHERE pair_key = ? AND created_at = ? AND message_id = ?`,
			PairKey(message.SenderID, message.ReceiverID), message.CreatedAt, cqlUUID(message.ID),
		)
	}
	if err := q.Scan(&id); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (w cqlMessageWriter) InsertRow(ctx context.Context, message *domain.Message) error {
	if message.AppointmentID != nil {
		return w.db.ExecWithContext(ctx,
			`INSERT INTO messages_by_appointment (appointment_id, `+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cqlUUID(*message.AppointmentID), cqlUUID(message.ID), cqlUUID(message.ClientMessageID),
			cqlUUID(message.SenderID), cqlUUID(message.ReceiverID), message.Content,
			string(message.Kind), message.AttachmentRef, message.IsRead, message.CreatedAt,
		)
	}
	return w.db.ExecWithContext(ctx,
		`INSERT INTO messages_by_pair (pair_key, `+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		PairKey(message.SenderID, message.ReceiverID), cqlUUID(message.ID), cqlUUID(message.ClientMessageID),
		cqlUUID(message.SenderID), cqlUUID(message.ReceiverID), message.Content,
		string(message.Kind), message.AttachmentRef, message.IsRead, message.CreatedAt,
	)
}

// ByAppointment returns the latest limit messages of an appointment, oldest first
func (r *MessageRepository) ByAppointment(ctx context.Context, appointmentID uuid.UUID, limit int) ([]*domain.Message, error) {
	iter := r.db.QueryWithContext(ctx,
		`SELECT `+messageColumns+` FROM messages_by_appointment WHERE appointment_id = ? LIMIT ?`,
		cqlUUID(appointmentID), limit,
	).Iter()

	messages, err := scanMessages(iter)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		id := appointmentID
		m.AppointmentID = &id
	}
	return messages, nil
}

// ByPair returns the latest limit direct messages between a and b, oldest first
func (r *MessageRepository) ByPair(ctx context.Context, a, b uuid.UUID, limit int) ([]*domain.Message, error) {
	iter := r.db.QueryWithContext(ctx,
		`SELECT `+messageColumns+` FROM messages_by_pair WHERE pair_key = ? LIMIT ?`,
		PairKey(a, b), limit,
	).Iter()
	return scanMessages(iter)
}

// MarkReadByAppointment marks every unread message addressed to readerID as read
func (r *MessageRepository) MarkReadByAppointment(ctx context.Context, appointmentID, readerID uuid.UUID) (int, error) {
	iter := r.db.QueryWithContext(ctx,
		`SELECT created_at, message_id, receiver_id, is_read FROM messages_by_appointment WHERE appointment_id = ?`,
		cqlUUID(appointmentID),
	).Iter()

	keys, err := unreadKeys(iter, readerID)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := r.db.ExecWithContext(ctx,
			`UPDATE messages_by_appointment SET is_read = true WHERE appointment_id = ? AND created_at = ? AND message_id = ?`,
			cqlUUID(appointmentID), k.createdAt, k.messageID,
		); err != nil {
			return 0, fmt.Errorf("failed to mark message read: %w", err)
		}
	}
	return len(keys), nil
}

// MarkReadByPair marks direct messages from counterpartID to readerID as read
func (r *MessageRepository) MarkReadByPair(ctx context.Context, readerID, counterpartID uuid.UUID) (int, error) {
	pair := PairKey(readerID, counterpartID)
	iter := r.db.QueryWithContext(ctx,
		`SELECT created_at, message_id, receiver_id, is_read FROM messages_by_pair WHERE pair_key = ?`,
		pair,
	).Iter()

	keys, err := unreadKeys(iter, readerID)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := r.db.ExecWithContext(ctx,
			`UPDATE messages_by_pair SET is_read = true WHERE pair_key = ? AND created_at = ? AND message_id = ?`,
			pair, k.createdAt, k.messageID,
		); err != nil {
			return 0, fmt.Errorf("failed to mark message read: %w", err)
		}
	}
	return len(keys), nil
}

type rowKey struct {
	createdAt time.Time
	messageID gocql.UUID
}

func unreadKeys(iter *gocql.Iter, readerID uuid.UUID) ([]rowKey, error) {
	var (
		keys     []rowKey
		k        rowKey
		receiver gocql.UUID
		isRead   bool
	)
	for iter.Scan(&k.createdAt, &k.messageID, &receiver, &isRead) {
		if !isRead && uuid.UUID(receiver) == readerID {
			keys = append(keys, k)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch unread messages: %w", err)
	}
	return keys, nil
}

func scanMessages(iter *gocql.Iter) ([]*domain.Message, error) {
	var messages []*domain.Message
	for {
		var (
			id, clientID, sender, receiver gocql.UUID
			kind                           string
		)
		m := &domain.Message{}
		if !iter.Scan(&id, &clientID, &sender, &receiver, &m.Content, &kind, &m.AttachmentRef, &m.IsRead, &m.CreatedAt) {
			break
		}
		m.ID = uuid.UUID(id)
		m.ClientMessageID = uuid.UUID(clientID)
		m.SenderID = uuid.UUID(sender)
		m.ReceiverID = uuid.UUID(receiver)
		m.Kind = domain.MessageKind(kind)
		messages = append(messages, m)
	}
	if err := iter.Close(); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	// rows come back newest first
	slices.Reverse(messages)
	return messages, nil
}
