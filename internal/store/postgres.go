package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"niyya/api/internal/common"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const audioColumns = `id, content_hash, storage_key, url, format, bitrate, duration_seconds, size_bytes, name, reference_count, pending_deletion, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudioFile(row rowScanner, extra ...any) (AudioFile, error) {
	var (
		f        AudioFile
		bitrate  sql.NullInt64
		duration sql.NullFloat64
		size     sql.NullInt64
	)
	dest := []any{
		&f.ID, &f.ContentHash, &f.StorageKey, &f.URL, &f.Format,
		&bitrate, &duration, &size, &f.Name, &f.ReferenceCount, &f.PendingDeletion, &f.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return AudioFile{}, err
	}
	if bitrate.Valid {
		v := int(bitrate.Int64)
		f.Bitrate = &v
	}
	if duration.Valid {
		v := duration.Float64
		f.DurationSeconds = &v
	}
	if size.Valid {
		v := size.Int64
		f.SizeBytes = &v
	}
	return f, nil
}

func (s *PostgresStore) getAudioFileBy(ctx context.Context, column, value string) (AudioFile, error) {
	query := `SELECT ` + audioColumns + ` FROM audio_files WHERE ` + column + `=$1`
	f, err := scanAudioFile(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return AudioFile{}, fmt.Errorf("audio file %s=%s: %w", column, value, common.ErrNotFound)
	}
	if err != nil {
		return AudioFile{}, fmt.Errorf("get audio file by %s: %w", column, err)
	}
	return f, nil
}

func (s *PostgresStore) GetAudioFile(ctx context.Context, id string) (AudioFile, error) {
	return s.getAudioFileBy(ctx, "id", id)
}

func (s *PostgresStore) FindAudioFileByHash(ctx context.Context, contentHash string) (AudioFile, error) {
	return s.getAudioFileBy(ctx, "content_hash", contentHash)
}

func (s *PostgresStore) FindAudioFileByURL(ctx context.Context, url string) (AudioFile, error) {
	return s.getAudioFileBy(ctx, "url", url)
}

func (s *PostgresStore) FindAudioFileByStorageKey(ctx context.Context, key string) (AudioFile, error) {
	return s.getAudioFileBy(ctx, "storage_key", key)
}

// UpsertAudioFile inserts f with reference_count=delta, or, when a record
// with the same content hash already exists, adds delta to it and backfills
// an empty name. The returned bool reports whether a new row was inserted.
func (s *PostgresStore) UpsertAudioFile(ctx context.Context, f AudioFile, delta int64) (AudioFile, bool, error) {
	query := `
		INSERT INTO audio_files (id, content_hash, storage_key, url, format, bitrate, duration_seconds, size_bytes, name, reference_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (content_hash) DO UPDATE SET
			reference_count = audio_files.reference_count + EXCLUDED.reference_count,
			name = CASE WHEN audio_files.name = '' THEN EXCLUDED.name ELSE audio_files.name END
		RETURNING ` + audioColumns + `, (xmax = 0) AS inserted`
	var inserted bool
	out, err := scanAudioFile(s.db.QueryRowContext(ctx, query,
		f.ID, f.ContentHash, f.StorageKey, f.URL, f.Format,
		nullInt(f.Bitrate), nullFloat(f.DurationSeconds), nullInt64(f.SizeBytes),
		f.Name, delta,
	), &inserted)
	if err != nil {
		return AudioFile{}, false, fmt.Errorf("upsert audio file: %w", err)
	}
	return out, inserted, nil
}

func (s *PostgresStore) IncrementAudioFile(ctx context.Context, id string, delta int64, name string) (AudioFile, error) {
	query := `
		UPDATE audio_files SET
			reference_count = reference_count + $2,
			name = CASE WHEN name = '' THEN $3 ELSE name END
		WHERE id = $1
		RETURNING ` + audioColumns
	f, err := scanAudioFile(s.db.QueryRowContext(ctx, query, id, delta, name))
	if errors.Is(err, sql.ErrNoRows) {
		return AudioFile{}, fmt.Errorf("audio file %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return AudioFile{}, fmt.Errorf("increment audio file: %w", err)
	}
	return f, nil
}

// DecrementAudioFile lowers the count by one, never below zero.
func (s *PostgresStore) DecrementAudioFile(ctx context.Context, id string) (AudioFile, error) {
	query := `
		UPDATE audio_files SET reference_count = GREATEST(reference_count - 1, 0)
		WHERE id = $1
		RETURNING ` + audioColumns
	f, err := scanAudioFile(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return AudioFile{}, fmt.Errorf("audio file %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return AudioFile{}, fmt.Errorf("decrement audio file: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) DeleteAudioFileIfUnreferenced(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audio_files WHERE id = $1 AND reference_count = 0`, id)
	if err != nil {
		return false, fmt.Errorf("delete audio file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete audio file rows: %w", err)
	}
	return n == 1, nil
}

// ClaimAudioFileForDeletion flags an unreferenced record as pending deletion
// and reports whether it did.
func (s *PostgresStore) ClaimAudioFileForDeletion(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE audio_files SET pending_deletion = TRUE WHERE id = $1 AND reference_count = 0`, id)
	if err != nil {
		return false, fmt.Errorf("claim audio file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim audio file rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) SetAudioFilePending(ctx context.Context, id string, pending bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE audio_files SET pending_deletion = $2 WHERE id = $1`, id, pending); err != nil {
		return fmt.Errorf("set pending deletion: %w", err)
	}
	return nil
}

// SetAudioFileReferenceCount overwrites the count only if it still equals
// expected, and reports whether it did.
func (s *PostgresStore) SetAudioFileReferenceCount(ctx context.Context, id string, expected, count int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE audio_files SET reference_count = $3 WHERE id = $1 AND reference_count = $2`, id, expected, count)
	if err != nil {
		return false, fmt.Errorf("set reference count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set reference count rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) AudioFileStats(ctx context.Context) (AudioStats, error) {
	var st AudioStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(reference_count), 0),
			COALESCE(SUM(size_bytes), 0),
			COUNT(*) FILTER (WHERE reference_count = 0),
			COUNT(*) FILTER (WHERE pending_deletion)
		FROM audio_files
	`).Scan(&st.TotalFiles, &st.TotalReferences, &st.TotalSizeBytes, &st.UnreferencedCount, &st.PendingCount)
	if err != nil {
		return AudioStats{}, fmt.Errorf("audio stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) listAudioFiles(ctx context.Context, where string, args ...any) ([]AudioFile, error) {
	query := `SELECT ` + audioColumns + ` FROM audio_files ` + where + ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audio files: %w", err)
	}
	defer rows.Close()

	var out []AudioFile
	for rows.Next() {
		f, err := scanAudioFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audio file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListUnreferencedAudioFiles(ctx context.Context, createdBefore time.Time) ([]AudioFile, error) {
	return s.listAudioFiles(ctx, `WHERE reference_count = 0 AND created_at < $1`, createdBefore)
}

func (s *PostgresStore) ListPendingAudioFiles(ctx context.Context) ([]AudioFile, error) {
	return s.listAudioFiles(ctx, `WHERE pending_deletion`)
}

func (s *PostgresStore) ListAudioFiles(ctx context.Context) ([]AudioFile, error) {
	return s.listAudioFiles(ctx, ``)
}

// AudioReferenceCounts counts live referrer links per audio file, broken
// down by referrer kind. Files with no links are absent from the map.
func (s *PostgresStore) AudioReferenceCounts(ctx context.Context) (map[string]ReferenceBreakdown, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audio_file_id, 'messages' AS kind, COUNT(*) FROM message_renders GROUP BY audio_file_id
		UNION ALL
		SELECT audio_file_id, 'playlists' AS kind, COUNT(*) FROM playlist_entries GROUP BY audio_file_id
	`)
	if err != nil {
		return nil, fmt.Errorf("count audio references: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ReferenceBreakdown)
	for rows.Next() {
		var (
			id, kind string
			n        int64
		)
		if err := rows.Scan(&id, &kind, &n); err != nil {
			return nil, fmt.Errorf("scan audio reference count: %w", err)
		}
		if out[id] == nil {
			out[id] = ReferenceBreakdown{}
		}
		out[id][kind] += n
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateThread(ctx context.Context, thread Thread, owner ThreadMember) (Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Thread{}, fmt.Errorf("begin create thread: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO threads (id, title, description, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, thread.ID, thread.Title, thread.Description, thread.CreatedBy).Scan(&thread.CreatedAt, &thread.UpdatedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO thread_members (thread_id, user_id, display_name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING joined_at
	`, thread.ID, owner.UserID, owner.DisplayName, owner.Role).Scan(&owner.JoinedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("insert thread owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Thread{}, fmt.Errorf("commit create thread: %w", err)
	}
	thread.Members = []ThreadMember{owner}
	return thread, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, created_by, created_at, updated_at FROM threads WHERE id = $1
	`, id).Scan(&t.ID, &t.Title, &t.Description, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, fmt.Errorf("thread %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	if t.Members, err = s.ThreadMembers(ctx, id); err != nil {
		return Thread{}, err
	}
	if t.Invitations, err = s.threadInvitations(ctx, id); err != nil {
		return Thread{}, err
	}
	return t, nil
}

func (s *PostgresStore) ThreadMembers(ctx context.Context, threadID string) ([]ThreadMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, display_name, role, joined_at FROM thread_members
		WHERE thread_id = $1 ORDER BY joined_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread members: %w", err)
	}
	defer rows.Close()

	var members []ThreadMember
	for rows.Next() {
		var m ThreadMember
		if err := rows.Scan(&m.UserID, &m.DisplayName, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan thread member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) threadInvitations(ctx context.Context, threadID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, user_id, invited_by, status, created_at FROM thread_invitations
		WHERE thread_id = $1 ORDER BY created_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread invitations: %w", err)
	}
	defer rows.Close()

	var out []Invitation
	for rows.Next() {
		var inv Invitation
		if err := rows.Scan(&inv.ThreadID, &inv.UserID, &inv.InvitedBy, &inv.Status, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread invitation: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// AddThreadMember is a no-op when the user already belongs to the thread.
func (s *PostgresStore) AddThreadMember(ctx context.Context, threadID string, member ThreadMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_members (thread_id, user_id, display_name, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id, user_id) DO NOTHING
	`, threadID, member.UserID, member.DisplayName, member.Role)
	if err != nil {
		return fmt.Errorf("add thread member: %w", err)
	}
	return nil
}

// ThreadRole returns the member role of userID, "invitee" for a pending
// invitation, or "" when the user has no relation to the thread.
func (s *PostgresStore) ThreadRole(ctx context.Context, threadID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM thread_members WHERE thread_id = $1 AND user_id = $2
		UNION ALL
		SELECT 'invitee' FROM thread_invitations WHERE thread_id = $1 AND user_id = $2 AND status = 'pending'
		LIMIT 1
	`, threadID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("thread role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO thread_invitations (thread_id, user_id, invited_by, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (thread_id, user_id) DO UPDATE SET invited_by = EXCLUDED.invited_by, status = 'pending'
		WHERE thread_invitations.status <> 'accepted'
		RETURNING status, created_at
	`, inv.ThreadID, inv.UserID, inv.InvitedBy).Scan(&inv.Status, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Invitation{}, fmt.Errorf("invitation already accepted: %w", common.ErrConflict)
	}
	if err != nil {
		return Invitation{}, fmt.Errorf("create invitation: %w", err)
	}
	return inv, nil
}

// AcceptInvitation flips a pending invitation to accepted and adds the user
// as a member in one transaction.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, threadID, userID, displayName string) (Invitation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Invitation{}, fmt.Errorf("begin accept invitation: %w", err)
	}
	defer tx.Rollback()

	inv := Invitation{ThreadID: threadID, UserID: userID, Status: InvitationAccepted}
	err = tx.QueryRowContext(ctx, `
		UPDATE thread_invitations SET status = 'accepted'
		WHERE thread_id = $1 AND user_id = $2 AND status = 'pending'
		RETURNING invited_by, created_at
	`, threadID, userID).Scan(&inv.InvitedBy, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Invitation{}, fmt.Errorf("pending invitation for %s: %w", userID, common.ErrNotFound)
	}
	if err != nil {
		return Invitation{}, fmt.Errorf("accept invitation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_members (thread_id, user_id, display_name, role)
		VALUES ($1, $2, $3, 'member')
		ON CONFLICT (thread_id, user_id) DO NOTHING
	`, threadID, userID, displayName); err != nil {
		return Invitation{}, fmt.Errorf("add accepted member: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Invitation{}, fmt.Errorf("commit accept invitation: %w", err)
	}
	return inv, nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m Message) (Message, error) {
	metadata, err := json.Marshal(orEmpty(m.Metadata))
	if err != nil {
		return Message{}, fmt.Errorf("marshal message metadata: %w", err)
	}
	var snapshot any
	if len(m.Snapshot) > 0 {
		snapshot = []byte(m.Snapshot)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin create message: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, thread_id, user_id, recipient_id, body, metadata, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, m.ID, nullString(m.ThreadID), m.UserID, nullString(m.RecipientID), m.Body, metadata, snapshot).Scan(&m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	m.RenderIDs = uniqueIDs(m.RenderIDs)
	for _, renderID := range m.RenderIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_renders (message_id, audio_file_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, m.ID, renderID); err != nil {
			return Message{}, fmt.Errorf("insert message render: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit create message: %w", err)
	}
	return m, nil
}

const messageColumns = `id, COALESCE(thread_id, ''), user_id, COALESCE(recipient_id, ''), body, metadata, snapshot, created_at`

func scanMessage(row rowScanner) (Message, error) {
	var (
		m        Message
		metadata []byte
		snapshot []byte
	)
	if err := row.Scan(&m.ID, &m.ThreadID, &m.UserID, &m.RecipientID, &m.Body, &metadata, &snapshot, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return Message{}, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	if len(snapshot) > 0 {
		m.Snapshot = json.RawMessage(snapshot)
	}
	return m, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	if m.RenderIDs, err = s.messageRenders(ctx, s.db, id); err != nil {
		return Message{}, err
	}
	return m, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) messageRenders(ctx context.Context, q queryer, messageID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT audio_file_id FROM message_renders WHERE message_id = $1 ORDER BY audio_file_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list message renders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message render: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteMessage removes the message and returns the audio ids it rendered,
// so the caller can release them.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete message: %w", err)
	}
	defer tx.Rollback()

	renders, err := s.messageRenders(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("message %s: %w", id, common.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete message: %w", err)
	}
	return renders, nil
}

// DirectHistory returns up to limit direct messages exchanged between a and
// b, newest first.
func (s *PostgresStore) DirectHistory(ctx context.Context, a, b string, limit int) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE thread_id IS NULL
			AND ((user_id = $1 AND recipient_id = $2) OR (user_id = $2 AND recipient_id = $1))
		ORDER BY created_at DESC
		LIMIT $3
	`, a, b, limit)
}

func (s *PostgresStore) ThreadMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE thread_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, threadID, limit)
}

func (s *PostgresStore) listMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddPlaylistEntry reports false when the entry already existed.
func (s *PostgresStore) AddPlaylistEntry(ctx context.Context, entry PlaylistEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO playlist_entries (user_id, audio_file_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, audio_file_id) DO NOTHING
	`, entry.UserID, entry.AudioFileID, entry.Name)
	if err != nil {
		return false, fmt.Errorf("add playlist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add playlist entry rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) RemovePlaylistEntry(ctx context.Context, userID, audioFileID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM playlist_entries WHERE user_id = $1 AND audio_file_id = $2`, userID, audioFileID)
	if err != nil {
		return false, fmt.Errorf("remove playlist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove playlist entry rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) ListPlaylist(ctx context.Context, userID string) ([]PlaylistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, audio_file_id, name, added_at FROM playlist_entries
		WHERE user_id = $1 ORDER BY added_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list playlist: %w", err)
	}
	defer rows.Close()

	var out []PlaylistEntry
	for rows.Next() {
		var e PlaylistEntry
		if err := rows.Scan(&e.UserID, &e.AudioFileID, &e.Name, &e.AddedAt); err != nil {
			return nil, fmt.Errorf("scan playlist entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
