package chat

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// SQLBackend implements Backend on PostgreSQL through database/sql and lib/pq.
type SQLBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLBackend)(nil)

// NewSQLBackend creates a new SQLBackend.
func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errors.Wrap(err, "chat.Open")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "chat.Open.Ping")
	}
	return db, nil
}

// Migrate applies the embedded schema: tables, indexes and the RPC
// functions. Safe to run repeatedly.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "chat.Migrate")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const participantColumns = `id, conversation_id, user_id, joined_at, last_read_at, hidden_for_user, hidden_at, messages_hidden_since`

func (s *SQLBackend) Participant(ctx context.Context, conversationID, userID string) (*Participant, error) {
	query := `SELECT ` + participantColumns + `
		FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2`

	var (
		p                            Participant
		lastRead, hiddenAt, cutoffAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(
		&p.ID, &p.ConversationID, &p.UserID, &p.JoinedAt, &lastRead, &p.HiddenForUser, &hiddenAt, &cutoffAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrParticipantNotFound
		}
		return nil, errors.Wrap(err, "chat.SQLBackend.Participant")
	}
	p.LastReadAt = timePtr(lastRead)
	p.HiddenAt = timePtr(hiddenAt)
	p.MessagesHiddenSince = timePtr(cutoffAt)
	return &p, nil
}

// InsertParticipantIfAbsent adds the participant unless the row exists. A
// direct conversation that already has its two participants refuses anyone
// else with ErrNotParticipant.
func (s *SQLBackend) InsertParticipantIfAbsent(ctx context.Context, conversationID, userID string) (bool, error) {
	var found, existed, inserted bool
	err := s.db.QueryRowContext(ctx, `
		WITH c AS (
			SELECT id, is_group FROM conversations WHERE id = $1
		), existing AS (
			SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2
		), ins AS (
			INSERT INTO conversation_participants (conversation_id, user_id)
			SELECT c.id, $2::uuid FROM c
			 WHERE NOT EXISTS (SELECT 1 FROM existing)
			   AND (c.is_group OR (SELECT count(*) FROM conversation_participants WHERE conversation_id = $1) < 2)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
			RETURNING 1
		)
		SELECT EXISTS (SELECT 1 FROM c), EXISTS (SELECT 1 FROM existing), EXISTS (SELECT 1 FROM ins)
	`, conversationID, userID).Scan(&found, &existed, &inserted)
	if err != nil {
		return false, errors.Wrap(err, "chat.SQLBackend.InsertParticipantIfAbsent")
	}
	switch {
	case !found:
		return false, ErrConversationNotFound
	case inserted:
		return true, nil
	case existed:
		return false, nil
	default:
		return false, ErrNotParticipant
	}
}

// UpdateParticipant stamps with the database clock so read cursors and
// cutoffs compare cleanly with messages.created_at.
func (s *SQLBackend) UpdateParticipant(ctx context.Context, conversationID, userID string, upd ParticipantUpdate) error {
	var sets []string
	if upd.MarkRead {
		sets = append(sets, "last_read_at = GREATEST(COALESCE(last_read_at, now()), now())")
	}
	if upd.Hide {
		sets = append(sets, "hidden_for_user = true, hidden_at = now(), messages_hidden_since = now()")
	}
	if len(sets) == 0 {
		return nil
	}

	query := `UPDATE conversation_participants SET ` + strings.Join(sets, ", ") +
		` WHERE conversation_id = $1 AND user_id = $2`
	res, err := s.db.ExecContext(ctx, query, conversationID, userID)
	if err != nil {
		return errors.Wrap(err, "chat.SQLBackend.UpdateParticipant")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "chat.SQLBackend.UpdateParticipant.RowsAffected")
	}
	if n == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.created_at, m.updated_at,
	m.is_edited, m.is_deleted, p.id, p.username, p.display_name, p.avatar_url`

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                      Message
		senderID, username     sql.NullString
		displayName, avatarURL sql.NullString
	)
	if err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.UpdatedAt,
		&m.IsEdited, &m.IsDeleted, &senderID, &username, &displayName, &avatarURL,
	); err != nil {
		return Message{}, err
	}
	if senderID.Valid {
		m.Sender = &Profile{
			ID:          senderID.String,
			Username:    username.String,
			DisplayName: stringPtr(displayName),
			AvatarURL:   stringPtr(avatarURL),
		}
	}
	return m, nil
}

func (s *SQLBackend) Messages(ctx context.Context, q MessageQuery) ([]Message, error) {
	if q.ViewerID != "" {
		var member bool
		err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2
			)
		`, q.ConversationID, q.ViewerID).Scan(&member)
		if err != nil {
			return nil, errors.Wrap(err, "chat.SQLBackend.Messages.Viewer")
		}
		if !member {
			return nil, ErrNotParticipant
		}
	}

	query := `SELECT ` + messageColumns + `
		FROM messages m
		LEFT JOIN profiles p ON p.id = m.sender_id
		WHERE m.conversation_id = $1
			AND ($2::timestamptz IS NULL OR m.created_at < $2)
			AND ($3::timestamptz IS NULL OR m.created_at > $3)
		ORDER BY m.created_at DESC
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, q.ConversationID, nullable(q.Before), nullable(q.After), q.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "chat.SQLBackend.Messages")
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "chat.SQLBackend.Messages.Scan")
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "chat.SQLBackend.Messages.Rows")
	}
	return msgs, nil
}

// InsertMessage stores the message only when the sender is a participant.
func (s *SQLBackend) InsertMessage(ctx context.Context, nm NewMessage) (Message, error) {
	query := `
		WITH m AS (
			INSERT INTO messages (conversation_id, sender_id, content)
			SELECT $1::uuid, $2::uuid, $3::text
			 WHERE EXISTS (
				SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2
			 )
			RETURNING *
		)
		SELECT ` + messageColumns + `
		FROM m
		LEFT JOIN profiles p ON p.id = m.sender_id`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, nm.ConversationID, nm.SenderID, nm.Content))
	if err != nil {
		if err == sql.ErrNoRows {
			return Message{}, ErrNotParticipant
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return Message{}, ErrConversationNotFound
		}
		return Message{}, errors.Wrap(err, "chat.SQLBackend.InsertMessage")
	}
	return m, nil
}

// UpdateMessageContent edits a message only for its sender.
func (s *SQLBackend) UpdateMessageContent(ctx context.Context, messageID, senderID, content string) (Message, error) {
	query := `
		WITH m AS (
			UPDATE messages
			SET content = $3, is_edited = true, updated_at = clock_timestamp()
			WHERE id = $1 AND sender_id = $2
			RETURNING *
		)
		SELECT ` + messageColumns + `
		FROM m
		LEFT JOIN profiles p ON p.id = m.sender_id`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID, senderID, content))
	if err != nil {
		if err == sql.ErrNoRows {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, errors.Wrap(err, "chat.SQLBackend.UpdateMessageContent")
	}
	return m, nil
}

func (s *SQLBackend) LatestMessageContent(ctx context.Context, conversationID string) (*string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, conversationID).Scan(&content)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "chat.SQLBackend.LatestMessageContent")
	}
	return &content, nil
}

func (s *SQLBackend) CountMessages(ctx context.Context, q CountQuery) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND created_at > $3
	`, q.ConversationID, q.ExcludeSenderID, q.After).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "chat.SQLBackend.CountMessages")
	}
	return n, nil
}

func (s *SQLBackend) UpdateConversation(ctx context.Context, conversationID string, upd ConversationUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_preview = $2, last_message_at = $3, updated_at = $3
		WHERE id = $1
	`, conversationID, upd.LastMessagePreview, upd.LastMessageAt)
	if err != nil {
		return errors.Wrap(err, "chat.SQLBackend.UpdateConversation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "chat.SQLBackend.UpdateConversation.RowsAffected")
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLBackend) MissingProfiles(ctx context.Context, userIDs []string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT want.id::text
		FROM unnest($1::uuid[]) AS want(id)
		WHERE NOT EXISTS (SELECT 1 FROM profiles p WHERE p.id = want.id)
	`, pq.Array(userIDs))
	if err != nil {
		return nil, errors.Wrap(err, "chat.SQLBackend.MissingProfiles")
	}
	defer rows.Close()

	var missing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "chat.SQLBackend.MissingProfiles.Scan")
		}
		missing = append(missing, id)
	}
	return missing, errors.Wrap(rows.Err(), "chat.SQLBackend.MissingProfiles.Rows")
}

func (s *SQLBackend) GroupMembers(ctx context.Context, conversationID string) ([]GroupMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gm.id, gm.conversation_id, gm.user_id, p.username, gm.role, gm.joined_at
		FROM group_members gm
		JOIN profiles p ON p.id = gm.user_id
		WHERE gm.conversation_id = $1
		ORDER BY gm.joined_at, gm.user_id
	`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "chat.SQLBackend.GroupMembers")
	}
	defer rows.Close()

	var members []GroupMember
	for rows.Next() {
		var gm GroupMember
		if err := rows.Scan(&gm.ID, &gm.ConversationID, &gm.UserID, &gm.Username, &gm.Role, &gm.JoinedAt); err != nil {
			return nil, errors.Wrap(err, "chat.SQLBackend.GroupMembers.Scan")
		}
		members = append(members, gm)
	}
	return members, errors.Wrap(rows.Err(), "chat.SQLBackend.GroupMembers.Rows")
}

func (s *SQLBackend) GetUserConversations(ctx context.Context, userID string) ([]ConversationRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM get_user_conversations($1)`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "chat.SQLBackend.GetUserConversations")
	}
	defer rows.Close()

	var out []ConversationRow
	for rows.Next() {
		var (
			r                                           ConversationRow
			lastMessageAt, lastRead, hiddenAt, cutoffAt sql.NullTime
			preview                                     sql.NullString
		)
		if err := rows.Scan(
			&r.ConversationID, &r.CreatedAt, &r.UpdatedAt, &lastMessageAt, &preview,
			&r.Participant.ID, &r.Participant.UserID, &r.Participant.Username, &r.Participant.JoinedAt,
			&lastRead, &r.Participant.HiddenForUser, &hiddenAt, &cutoffAt,
		); err != nil {
			return nil, errors.Wrap(err, "chat.SQLBackend.GetUserConversations.Scan")
		}
		r.LastMessageAt = timePtr(lastMessageAt)
		r.LastMessagePreview = stringPtr(preview)
		r.Participant.ConversationID = r.ConversationID
		r.Participant.LastReadAt = timePtr(lastRead)
		r.Participant.HiddenAt = timePtr(hiddenAt)
		r.Participant.MessagesHiddenSince = timePtr(cutoffAt)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "chat.SQLBackend.GetUserConversations.Rows")
}

func (s *SQLBackend) GetOrCreateDirectConversation(ctx context.Context, userAID, userBID string) (string, error) {
	if userAID == userBID {
		return "", ErrSelfConversation
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT get_or_create_direct_conversation($1, $2)`, userAID, userBID).Scan(&id)
	if err != nil {
		return "", errors.Wrap(err, "chat.SQLBackend.GetOrCreateDirectConversation")
	}
	return id, nil
}

func (s *SQLBackend) CreateGroupChat(ctx context.Context, g NewGroup) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT create_group_chat($1, $2, $3, $4, $5, $6)`,
		g.CreatorID, g.Name, nullable(g.Description), nullable(g.AvatarURL), nullable(g.Emoji), pq.Array(g.MemberIDs),
	).Scan(&id)
	if err != nil {
		return "", errors.Wrap(err, "chat.SQLBackend.CreateGroupChat")
	}
	return id, nil
}

func (s *SQLBackend) AddGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT add_group_member($1, $2, $3)`, conversationID, actorID, userID).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "chat.SQLBackend.AddGroupMember")
	}
	return ok, nil
}

func (s *SQLBackend) RemoveGroupMember(ctx context.Context, conversationID, actorID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT remove_group_member($1, $2, $3)`, conversationID, actorID, userID).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "chat.SQLBackend.RemoveGroupMember")
	}
	return ok, nil
}

func (s *SQLBackend) GetUserGroupConversations(ctx context.Context, userID string) ([]GroupConversationRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM get_user_group_conversations($1)`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "chat.SQLBackend.GetUserGroupConversations")
	}
	defer rows.Close()

	var out []GroupConversationRow
	for rows.Next() {
		var (
			r                             GroupConversationRow
			description, avatarURL, emoji sql.NullString
			preview, senderUsername       sql.NullString
			lastMessageAt                 sql.NullTime
		)
		if err := rows.Scan(
			&r.ConversationID, &r.GroupName, &description, &avatarURL, &emoji, &r.CreatedBy,
			&r.CreatedAt, &r.UpdatedAt, &lastMessageAt, &preview, &senderUsername, &r.MemberCount,
		); err != nil {
			return nil, errors.Wrap(err, "chat.SQLBackend.GetUserGroupConversations.Scan")
		}
		r.GroupDescription = stringPtr(description)
		r.GroupAvatarURL = stringPtr(avatarURL)
		r.GroupEmoji = stringPtr(emoji)
		r.LastMessageAt = timePtr(lastMessageAt)
		r.LastMessagePreview = stringPtr(preview)
		r.LastMessageSenderUsername = stringPtr(senderUsername)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "chat.SQLBackend.GetUserGroupConversations.Rows")
}

func (s *SQLBackend) UnhideConversationForAllParticipants(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `SELECT unhide_conversation_for_all_participants($1)`, conversationID); err != nil {
		return errors.Wrap(err, "chat.SQLBackend.UnhideConversationForAllParticipants")
	}
	return nil
}

func (s *SQLBackend) ClearMessageCutoffForUser(ctx context.Context, conversationID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `SELECT clear_message_cutoff_for_user($1, $2)`, conversationID, userID); err != nil {
		return errors.Wrap(err, "chat.SQLBackend.ClearMessageCutoffForUser")
	}
	return nil
}

// nullable hands the driver either nil or the pointed-to value.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
