package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"niyya/api/internal/common"
)

var audioRowColumns = []string{
	"id", "content_hash", "storage_key", "url", "format", "bitrate", "duration_seconds",
	"size_bytes", "name", "reference_count", "pending_deletion", "created_at",
}

func newStoreWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func audioRow(id string, refs int64, pending bool, created time.Time) []driver.Value {
	return []driver.Value{id, "hash-" + id, "stage/audio/hash-" + id + ".mp3", "https://cdn/x.mp3", "mp3", nil, 12.5, int64(2048), "take 1", refs, pending, created}
}

func TestUpsertAudioFile_InsertAndConflict(t *testing.T) {
	s, mock := newStoreWithMock(t)
	created := time.Now().UTC()
	q := `(?s)^\s*INSERT INTO audio_files .*ON CONFLICT \(content_hash\) DO UPDATE SET\s+reference_count = audio_files\.reference_count \+ EXCLUDED\.reference_count.*RETURNING .*\(xmax = 0\) AS inserted`

	mock.ExpectQuery(q).
		WithArgs("a1", "hash-a1", "stage/audio/hash-a1.mp3", "https://cdn/x.mp3", "mp3", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "take 1", int64(1)).
		WillReturnRows(sqlmock.NewRows(append(audioRowColumns, "inserted")).AddRow(append(audioRow("a1", 1, false, created), true)...))
	mock.ExpectQuery(q).
		WithArgs("a2", "hash-a1", "stage/audio/hash-a1.mp3", "https://cdn/x.mp3", "mp3", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "take 2", int64(1)).
		WillReturnRows(sqlmock.NewRows(append(audioRowColumns, "inserted")).AddRow(append(audioRow("a1", 2, false, created), false)...))

	in := AudioFile{ID: "a1", ContentHash: "hash-a1", StorageKey: "stage/audio/hash-a1.mp3", URL: "https://cdn/x.mp3", Format: "mp3", Name: "take 1"}
	f, inserted, err := s.UpsertAudioFile(context.Background(), in, 1)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), f.ReferenceCount)
	require.NotNil(t, f.DurationSeconds)
	assert.Equal(t, 12.5, *f.DurationSeconds)
	assert.Nil(t, f.Bitrate)

	in.ID, in.Name = "a2", "take 2"
	f, inserted, err = s.UpsertAudioFile(context.Background(), in, 1)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "a1", f.ID)
	assert.Equal(t, int64(2), f.ReferenceCount)
	assert.Equal(t, "take 1", f.Name)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementAudioFile_UsesFloor(t *testing.T) {
	s, mock := newStoreWithMock(t)
	mock.ExpectQuery(`(?s)UPDATE audio_files SET reference_count = GREATEST\(reference_count - 1, 0\)\s+WHERE id = \$1`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(audioRowColumns).AddRow(audioRow("a1", 0, false, time.Now())...))

	f, err := s.DecrementAudioFile(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.ReferenceCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementAudioFile_NotFound(t *testing.T) {
	s, mock := newStoreWithMock(t)
	mock.ExpectQuery(`UPDATE audio_files SET reference_count`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.DecrementAudioFile(context.Background(), "missing")
	assert.True(t, errors.Is(err, common.ErrNotFound), "got %v", err)
}

func TestDeleteAudioFileIfUnreferenced(t *testing.T) {
	s, mock := newStoreWithMock(t)
	q := `DELETE FROM audio_files WHERE id = \$1 AND reference_count = 0`
	mock.ExpectExec(q).WithArgs("a1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("a2").WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := s.DeleteAudioFileIfUnreferenced(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteAudioFileIfUnreferenced(context.Background(), "a2")
	require.NoError(t, err)
	assert.False(t, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAudioFileForDeletion(t *testing.T) {
	s, mock := newStoreWithMock(t)
	q := `UPDATE audio_files SET pending_deletion = TRUE WHERE id = \$1 AND reference_count = 0`
	mock.ExpectExec(q).WithArgs("a1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("a2").WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := s.ClaimAudioFileForDeletion(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimAudioFileForDeletion(context.Background(), "a2")
	require.NoError(t, err)
	assert.False(t, claimed, "a referenced file is not claimed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAudioFileStats(t *testing.T) {
	s, mock := newStoreWithMock(t)
	mock.ExpectQuery(`(?s)SELECT\s+COUNT\(\*\).*FROM audio_files`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "refs", "bytes", "unref", "pending"}).AddRow(int64(3), int64(7), int64(9000), int64(1), int64(1)))

	st, err := s.AudioFileStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AudioStats{TotalFiles: 3, TotalReferences: 7, TotalSizeBytes: 9000, UnreferencedCount: 1, PendingCount: 1}, st)
}

func TestAudioReferenceCounts_MergesKinds(t *testing.T) {
	s, mock := newStoreWithMock(t)
	mock.ExpectQuery(`(?s)FROM message_renders GROUP BY audio_file_id\s+UNION ALL.*FROM playlist_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"audio_file_id", "kind", "count"}).
			AddRow("a1", "messages", int64(2)).
			AddRow("a1", "playlists", int64(1)).
			AddRow("a2", "playlists", int64(4)))

	counts, err := s.AudioReferenceCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts["a1"].Total())
	assert.Equal(t, int64(2), counts["a1"][ReferrerMessages])
	assert.Equal(t, int64(4), counts["a2"][ReferrerPlaylists])
	_, ok := counts["a3"]
	assert.False(t, ok)
}

func TestListUnreferencedAudioFiles(t *testing.T) {
	s, mock := newStoreWithMock(t)
	cutoff := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`WHERE reference_count = 0 AND created_at < \$1 ORDER BY created_at ASC`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows(audioRowColumns).
			AddRow(audioRow("a1", 0, false, cutoff.Add(-time.Hour))...).
			AddRow(audioRow("a2", 0, true, cutoff.Add(-time.Minute))...))

	files, err := s.ListUnreferencedAudioFiles(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.True(t, files[1].PendingDeletion)
}

func TestAcceptInvitation_NoPendingRollsBack(t *testing.T) {
	s, mock := newStoreWithMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE thread_invitations SET status = 'accepted'`).
		WithArgs("t1", "u1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.AcceptInvitation(context.Background(), "t1", "u1", "Sam")
	assert.True(t, errors.Is(err, common.ErrNotFound), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcceptInvitation_AddsMember(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE thread_invitations SET status = 'accepted'`).
		WithArgs("t1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"invited_by", "created_at"}).AddRow("owner", now))
	mock.ExpectExec(`INSERT INTO thread_members`).
		WithArgs("t1", "u1", "Sam").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inv, err := s.AcceptInvitation(context.Background(), "t1", "u1", "Sam")
	require.NoError(t, err)
	assert.Equal(t, "owner", inv.InvitedBy)
	assert.Equal(t, InvitationAccepted, inv.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessage_InsertsRenders(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs("m1", sqlmock.AnyArg(), "u1", sqlmock.AnyArg(), "hello", []byte(`{"to":"u2"}`), nil).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectExec(`INSERT INTO message_renders`).WithArgs("m1", "a1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO message_renders`).WithArgs("m1", "a2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m, err := s.CreateMessage(context.Background(), Message{
		ID:        "m1",
		UserID:    "u1",
		Body:      "hello",
		Metadata:  map[string]any{"to": "u2"},
		RenderIDs: []string{"a1", "a2"},
	})
	require.NoError(t, err)
	assert.Equal(t, now, m.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMessage_ReturnsRenders(t *testing.T) {
	s, mock := newStoreWithMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT audio_file_id FROM message_renders WHERE message_id = \$1`).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"audio_file_id"}).AddRow("a1").AddRow("a2"))
	mock.ExpectExec(`DELETE FROM messages WHERE id = \$1`).WithArgs("m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	renders, err := s.DeleteMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, renders)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectHistory(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now()
	mock.ExpectQuery(`(?s)WHERE thread_id IS NULL.*ORDER BY created_at DESC\s+LIMIT \$3`).
		WithArgs("a", "b", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "thread_id", "user_id", "recipient_id", "body", "metadata", "snapshot", "created_at"}).
			AddRow("m2", "", "b", "a", "yo", []byte(`{"content":"yo","to":"a"}`), nil, now).
			AddRow("m1", "", "a", "b", "hi", []byte(`{}`), nil, now.Add(-time.Minute)))

	msgs, err := s.DirectHistory(context.Background(), "a", "b", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "a", msgs[0].Metadata["to"])
}

func TestSetAudioFileReferenceCount_CompareAndSet(t *testing.T) {
	s, mock := newStoreWithMock(t)
	q := `UPDATE audio_files SET reference_count = \$3 WHERE id = \$1 AND reference_count = \$2`
	mock.ExpectExec(q).WithArgs("a1", int64(5), int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("a1", int64(5), int64(2)).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.SetAudioFileReferenceCount(context.Background(), "a1", 5, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetAudioFileReferenceCount(context.Background(), "a1", 5, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
