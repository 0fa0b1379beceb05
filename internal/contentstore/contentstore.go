// Package contentstore holds the blob backends that audio bytes live in.
// Objects are addressed by a key derived from the SHA-256 of their content,
// so identical bytes in the same format always land on the same key.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"niyya/api/internal/common"
	"niyya/api/internal/config"
)

type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is a flat key/value blob backend. Delete of a missing key is not an
// error. Get of a missing key wraps common.ErrNotFound; transport failures
// wrap common.ErrBackendUnavailable.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	URL(key string) string
}

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key builds "{env}/audio/{hash}.{format}".
func Key(env, hash, format string) string {
	return fmt.Sprintf("%s/audio/%s.%s", env, hash, NormalizeFormat(format))
}

// AudioPrefix is the key prefix every audio object of env shares.
func AudioPrefix(env string) string {
	return env + "/audio/"
}

func NormalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if format == "" {
		return "mp3"
	}
	return format
}

func ContentType(format string) string {
	switch NormalizeFormat(format) {
	case "wav":
		return "audio/wav"
	case "m4a":
		return "audio/mp4"
	default:
		return "audio/mpeg"
	}
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%s %s: %w: %v", op, key, common.ErrBackendUnavailable, err)
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendS3:
		return NewS3Store(ctx, cfg)
	case config.BackendMinio:
		return NewMinioStore(cfg)
	case config.BackendLocal:
		return NewLocalStore(cfg.LocalDir, cfg.PublicBaseURL)
	case config.BackendMemory:
		return NewMemoryStore(cfg.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
