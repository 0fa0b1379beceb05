package contentstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"niyya/api/internal/common"
)

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalStore(root, "https://files.example")
	require.NoError(t, err)

	data := []byte("render bytes")
	key := Key("stage", Hash(data), "wav")

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, key, data, ContentType("wav")))
	require.NoError(t, s.Put(ctx, key, data, ContentType("wav")), "rewrite of same key is idempotent")

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(filepath.Join(root, "stage", "audio", Hash(data)+".wav"))
	require.NoError(t, err)

	objs, err := s.List(ctx, AudioPrefix("stage"))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, key, objs[0].Key)
	assert.Equal(t, int64(len(data)), objs[0].Size)

	assert.Equal(t, "https://files.example/"+key, s.URL(key))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)

	for _, key := range []string{"", "/etc/passwd", "../outside", "stage/../../outside"} {
		err := s.Put(context.Background(), key, []byte("x"), "audio/mpeg")
		assert.True(t, errors.Is(err, common.ErrValidation), "key %q: %v", key, err)
	}
}

func TestLocalStore_ListSkipsTempDir(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "tmp", "put-123"), []byte("partial"), 0o600))

	objs, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, objs)
}
