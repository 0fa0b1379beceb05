package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"niyya/api/internal/auth"
	"niyya/api/internal/blobs"
	"niyya/api/internal/gc"
)

const (
	multipartMemory = 8 << 20
	maxJSONBody     = 1 << 20
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// The gateway authenticates inside its own handshake.
	if r.URL.Path == "/ws" && s.service.gateway != nil {
		s.service.gateway.ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.service.MaxUploadBytes()+multipartMemory)
	if !s.admit(w, r) {
		return
	}
	if token := requestToken(r); s.service.Authorize(token) != nil {
		if token != "" {
			s.service.log.Warn(r.Context(), "rejected api token", "fingerprint", auth.Fingerprint(token), "remote", remoteHost(r))
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	rest := parts[2:]
	switch parts[1] {
	case "audio":
		s.handleAudio(w, r, rest)
		return
	case "threads":
		s.handleThreads(w, r, rest)
		return
	case "messages":
		s.handleMessages(w, r, rest)
		return
	case "users":
		s.handleUsers(w, r, rest)
		return
	case "maintenance":
		s.handleMaintenance(w, r, rest)
		return
	case "online":
		if r.Method == http.MethodGet && len(rest) == 0 {
			online := s.service.Online()
			writeJSON(w, http.StatusOK, map[string]any{"online": online, "count": len(online)})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// admit applies the per-address request limit. A limiter that cannot answer
// lets the request through.
func (s *HTTPServer) admit(w http.ResponseWriter, r *http.Request) bool {
	if s.service.requests == nil {
		return true
	}
	ok, err := s.service.requests.Allow(r.Context(), "http:"+remoteHost(r))
	if err != nil {
		s.service.log.Warn(r.Context(), "request limiter unavailable", "err", err)
		return true
	}
	if !ok {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded. Try again later.", nil)
		return false
	}
	return true
}

func (s *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "upload" {
		s.handleUpload(w, r)
		return
	}

	if r.Method == http.MethodPost && len(rest) == 0 {
		var body struct {
			blobs.Registration
			Delta *int64 `json:"delta"`

			LegacyStorageKey  string   `json:"s3_key"`
			LegacyContentHash string   `json:"content_hash"`
			LegacyDuration    *float64 `json:"duration"`
			LegacySizeBytes   *int64   `json:"size_bytes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		reg := body.Registration
		if reg.StorageKey == "" {
			reg.StorageKey = body.LegacyStorageKey
		}
		if reg.ContentHash == "" {
			reg.ContentHash = body.LegacyContentHash
		}
		if reg.DurationSeconds == nil {
			reg.DurationSeconds = body.LegacyDuration
		}
		if reg.SizeBytes == nil {
			reg.SizeBytes = body.LegacySizeBytes
		}
		delta := int64(1)
		if body.Delta != nil {
			delta = *body.Delta
		}
		res, err := s.service.RegisterAudio(r.Context(), reg, delta)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		view := viewAudio(res.Record)
		writeJSON(w, status, map[string]any{
			"id":     res.Record.ID,
			"status": res.Status(),
			"record": view,
			"audio":  view,
		})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "release" {
		var body struct {
			AudioID string `json:"audio_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.AudioID) == "" {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "audio_id is required", nil)
			return
		}
		res, err := s.service.ReleaseAudio(r.Context(), body.AudioID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewRelease(res))
		return
	}

	if r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "stats" {
		stats, err := s.service.AudioStats(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	if r.Method == http.MethodGet && len(rest) == 1 {
		rec, err := s.service.GetAudio(r.Context(), rest[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewAudio(rec))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "File too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart form", nil)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "file is required", nil)
		return
	}
	defer file.Close()

	limit := s.service.MaxUploadBytes()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read file", nil)
		return
	}
	if int64(len(data)) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "File too large", nil)
		return
	}

	meta := blobs.UploadMeta{Name: strings.TrimSpace(r.FormValue("name"))}
	if raw := strings.TrimSpace(r.FormValue("bitrate")); raw != "" {
		bitrate, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "bitrate must be an integer", nil)
			return
		}
		meta.Bitrate = &bitrate
	}
	if raw := strings.TrimSpace(r.FormValue("duration")); raw != "" {
		duration, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "duration must be a number", nil)
			return
		}
		meta.DurationSeconds = &duration
	}
	format := r.FormValue("format")
	if strings.TrimSpace(format) == "" {
		format = "mp3"
	}

	res, err := s.service.UploadAudio(r.Context(), data, format, meta)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleThreads(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method == http.MethodPost && len(rest) == 0 {
		var body CreateThreadInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		thread, err := s.service.CreateThread(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"thread_id": thread.ID,
			"status":    "created",
			"thread":    viewThread(thread),
		})
		return
	}

	if len(rest) == 0 {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	threadID := rest[0]

	if r.Method == http.MethodGet && len(rest) == 1 {
		thread, err := s.service.GetThread(r.Context(), threadID, r.URL.Query().Get("user_id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewThread(thread))
		return
	}

	if r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "join" {
		var body struct {
			UserID   string `json:"user_id"`
			UserName string `json:"user_name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		added, err := s.service.JoinThread(r.Context(), threadID, body.UserID, body.UserName)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := "already_member"
		if added {
			status = "user_added"
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": status})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "invitations" {
		var body InviteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		inv, err := s.service.Invite(r.Context(), threadID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"status": "invited", "invitation": viewInvitation(inv)})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 3 && rest[1] == "invitations" && rest[2] == "accept" {
		var body struct {
			UserID   string `json:"user_id"`
			UserName string `json:"user_name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		inv, err := s.service.AcceptInvitation(r.Context(), threadID, body.UserID, body.UserName)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "invitation": viewInvitation(inv)})
		return
	}

	if len(rest) == 2 && rest[1] == "messages" {
		switch r.Method {
		case http.MethodPost:
			var body PostMessageInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			msg, err := s.service.PostMessage(r.Context(), threadID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"message_id": msg.ID,
				"status":     "created",
				"message":    viewMessage(msg),
			})
			return
		case http.MethodGet:
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			msgs, err := s.service.ThreadMessages(r.Context(), threadID, r.URL.Query().Get("user_id"), limit)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			views := make([]messageView, 0, len(msgs))
			for _, m := range msgs {
				views = append(views, viewMessage(m))
			}
			writeJSON(w, http.StatusOK, map[string]any{"messages": views})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method == http.MethodDelete && len(rest) == 1 {
		released, err := s.service.DeleteMessage(r.Context(), rest[0], r.URL.Query().Get("user_id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		views := make([]releaseView, 0, len(released))
		for _, res := range released {
			views = append(views, viewRelease(res))
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "released": views})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) < 2 || rest[1] != "playlist" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	userID := rest[0]

	if r.Method == http.MethodGet && len(rest) == 2 {
		entries, err := s.service.Playlist(r.Context(), userID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		views := make([]playlistView, 0, len(entries))
		for _, e := range entries {
			views = append(views, playlistView{AudioFileID: e.AudioFileID, Name: e.Name, AddedAt: e.AddedAt})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": views})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 2 {
		var body struct {
			AudioID string `json:"audio_id"`
			Name    string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		added, err := s.service.AddToPlaylist(r.Context(), userID, body.AudioID, body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !added {
			writeJSON(w, http.StatusOK, map[string]any{"status": "already_present"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"status": "added"})
		return
	}

	if r.Method == http.MethodDelete && len(rest) == 3 {
		res, err := s.service.RemoveFromPlaylist(r.Context(), userID, rest[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if res == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Playlist entry not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "release": viewRelease(*res)})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleMaintenance(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "run" {
		var body struct {
			Reconcile *bool  `json:"reconcile"`
			Retry     *bool  `json:"retry"`
			Sweep     *bool  `json:"sweep"`
			Grace     string `json:"grace"`
			DryRun    bool   `json:"dry_run"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		opts := gc.Options{
			Reconcile: enabled(body.Reconcile),
			Retry:     enabled(body.Retry),
			Sweep:     enabled(body.Sweep),
			DryRun:    body.DryRun,
		}
		if body.Grace != "" {
			grace, err := time.ParseDuration(body.Grace)
			if err != nil || grace < 0 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "grace must be a non-negative duration such as 720h", nil)
				return
			}
			opts = opts.WithGrace(grace)
		}
		report, err := s.service.RunMaintenance(r.Context(), opts)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "orphans" {
		orphans, err := s.service.Orphans(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if orphans == nil {
			orphans = []gc.Orphan{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"orphans": orphans, "count": len(orphans)})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.service.log.Error(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.service.log.Info(ctx, "request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack hands the connection to the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// requestToken looks for the shared secret in the Authorization header, the
// token query parameter, a form field, or a top-level "token" key of a JSON
// body. A JSON body is restored after peeking.
func requestToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return ""
		}
		return strings.TrimSpace(r.FormValue("token"))
	case "application/x-www-form-urlencoded":
		return strings.TrimSpace(r.PostFormValue("token"))
	case "application/json", "":
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(raw))
		if err != nil {
			return ""
		}
		var peek struct {
			Token string `json:"token"`
		}
		_ = json.Unmarshal(raw, &peek)
		return strings.TrimSpace(peek.Token)
	}
	return ""
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}
