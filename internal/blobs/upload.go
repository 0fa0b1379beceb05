package blobs

import (
	"context"
	"errors"
	"fmt"

	"niyya/api/internal/common"
	"niyya/api/internal/contentstore"
	"niyya/api/internal/store"
	"niyya/api/internal/util"
)

var allowedFormats = map[string]bool{"mp3": true, "wav": true, "m4a": true}

type UploadMeta struct {
	Name            string
	Bitrate         *int
	DurationSeconds *float64
}

type UploadResult struct {
	URL         string `json:"url"`
	StorageKey  string `json:"storage_key"`
	ContentHash string `json:"content_hash"`
	SizeBytes   int64  `json:"size"`
	Format      string `json:"format"`
	Status      Status `json:"status"`
	AudioFileID string `json:"audio_file_id,omitempty"`
}

// Upload stores raw bytes under their content address. Identical bytes are
// never written twice. The record is not created here for fresh content;
// the caller registers it with GetOrCreate once a referrer is attached.
// Content found in the backend without a record is re-registered with no
// referrers so the sweep can account for it.
func (r *Registry) Upload(ctx context.Context, data []byte, format string, meta UploadMeta) (UploadResult, error) {
	if len(data) == 0 {
		return UploadResult{}, common.Validation("file is empty")
	}
	format = contentstore.NormalizeFormat(format)
	if !allowedFormats[format] {
		return UploadResult{}, common.Validation("unsupported audio format %q", format)
	}

	hash := contentstore.Hash(data)
	key := contentstore.Key(r.env, hash, format)
	size := int64(len(data))
	out := UploadResult{
		URL:         r.content.URL(key),
		StorageKey:  key,
		ContentHash: hash,
		SizeBytes:   size,
		Format:      format,
	}

	unlock := r.locks.lock(hash)
	defer unlock()

	exists, err := r.content.Exists(ctx, key)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload %s: %w", key, err)
	}

	if exists {
		rec, err := r.records.FindAudioFileByHash(ctx, hash)
		switch {
		case err == nil:
			out.Status = StatusExisting
			out.AudioFileID = rec.ID
			out.URL = rec.URL
			return out, nil
		case !errors.Is(err, common.ErrNotFound):
			return UploadResult{}, fmt.Errorf("upload lookup %s: %w", hash, err)
		}

		rec, created, err := r.records.UpsertAudioFile(ctx, store.AudioFile{
			ID:              util.NewID(),
			ContentHash:     hash,
			StorageKey:      key,
			URL:             out.URL,
			Format:          format,
			Bitrate:         meta.Bitrate,
			DurationSeconds: meta.DurationSeconds,
			SizeBytes:       &size,
			Name:            meta.Name,
		}, 0)
		if err != nil {
			return UploadResult{}, fmt.Errorf("restore record %s: %w", hash, err)
		}
		out.AudioFileID = rec.ID
		out.Status = StatusExisting
		if created {
			out.Status = StatusRestored
			r.log.Info(ctx, "record restored for orphaned object", "blob_id", rec.ID, "key", key)
		}
		return out, nil
	}

	if err := r.content.Put(ctx, key, data, contentstore.ContentType(format)); err != nil {
		return UploadResult{}, fmt.Errorf("upload %s: %w", key, err)
	}
	out.Status = StatusUploaded
	r.log.Info(ctx, "audio uploaded", "key", key, "size", size)
	return out, nil
}
