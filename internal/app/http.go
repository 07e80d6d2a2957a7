package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"componenthub/internal/accounts"
	"componenthub/internal/auth"
	"componenthub/internal/policy"
	"componenthub/internal/search"
	"componenthub/internal/store"
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
			"sessions": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		if err := s.service.PingSessions(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{
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

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		s.handleRegister(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"username":      session.Username,
			"isAdmin":       session.IsAdmin,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/me" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		payload, err := s.service.Profile(r.Context(), session.UserID)
		if err != nil {
			status, code, message, details := mapError(r, err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/components" {
		payload, err := s.service.ListComponents(r.Context(), r.URL.Query().Get("category"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list components", nil)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/components" {
		s.handleComponentUpload(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/threads" {
		payload, err := s.service.ListThreads(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list threads", nil)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/threads" {
		var body struct {
			Title   string `json:"title"`
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateThread(r.Context(), s.viewer(r), body.Title, body.Content)
		if err != nil {
			status, code, message, details := mapError(r, err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "components" {
		componentID, ok := parseID(w, parts[2])
		if !ok {
			return
		}
		s.handleComponent(w, r, componentID, parts)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "threads" {
		threadID, ok := parseID(w, parts[2])
		if !ok {
			return
		}
		s.handleThread(w, r, threadID, parts)
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "comments" {
		commentID, ok := parseID(w, parts[2])
		if !ok {
			return
		}
		s.handleReply(w, r, commentID)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username        string `json:"username"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	payload, err := s.service.Register(r.Context(), body.Username, body.Password, body.ConfirmPassword)
	if err != nil {
		if errors.Is(err, accounts.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, "USERNAME_TAKEN", "Username is already taken", nil)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Login failed", nil)
		return
	}

	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"username":     session.Username,
		"isAdmin":      session.IsAdmin,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) handleComponentUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart form", nil)
		return
	}

	input := UploadComponentInput{
		Name:         r.FormValue("name"),
		Category:     r.FormValue("category"),
		Brief:        r.FormValue("brief"),
		Description:  r.FormValue("description"),
		IconClass:    r.FormValue("icon_class"),
		DownloadLink: r.FormValue("download_link"),
	}

	if file, header, err := r.FormFile("image"); err == nil {
		defer file.Close()
		input.Image = file
		input.ImageFilename = header.Filename
		input.ImageContentType = header.Header.Get("Content-Type")
		input.ImageSize = header.Size
	}

	payload, err := s.service.UploadComponent(r.Context(), s.viewer(r), input)
	if err != nil {
		status, code, message, details := mapError(r, err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		Text:           strings.TrimSpace(r.URL.Query().Get("q")),
		FilterType:     search.ResultType(strings.TrimSpace(r.URL.Query().Get("type"))),
		FilterCategory: strings.TrimSpace(r.URL.Query().Get("category")),
		Limit:          20,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		q.Limit = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		q.Offset = parsed
	}

	writeJSON(w, http.StatusOK, s.service.Search(q))
}

func (s *HTTPServer) handleComponent(w http.ResponseWriter, r *http.Request, componentID int64, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		payload, err := s.service.GetComponentDetails(r.Context(), componentID, s.viewer(r))
		if err != nil {
			status, code, message, details := mapError(r, err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && parts[3] == "comments" && r.Method == http.MethodPost {
		var body struct {
			Rating  int    `json:"rating"`
			Comment string `json:"comment"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.RateComponent(r.Context(), s.viewer(r), componentID, body.Rating, body.Comment)
		if err != nil {
			status, code, message, details := mapError(r, err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(parts) == 4 && parts[3] == "bookmark" {
		if r.Method == http.MethodGet {
			payload, err := s.service.BookmarkStatus(r.Context(), s.viewer(r), componentID)
			if err != nil {
				status, code, message, details := mapError(r, err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		if r.Method == http.MethodPost {
			payload, err := s.service.ToggleBookmark(r.Context(), s.viewer(r), componentID)
			if err != nil {
				status, code, message, details := mapError(r, err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleThread(w http.ResponseWriter, r *http.Request, threadID int64, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		payload, err := s.service.GetThreadDetails(r.Context(), threadID, s.viewer(r))
		if err != nil {
			status, code, message, details := mapError(r, err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 3 && r.Method == http.MethodPut {
		var body struct {
			Title   string `json:"title"`
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateThread(r.Context(), s.viewer(r), threadID, body.Title, body.Content)
		if err != nil {
			status, code, message, details := mapError(r, err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 3 && r.Method == http.MethodDelete {
		payload, err := s.service.DeleteThread(r.Context(), s.viewer(r), threadID)
		if err != nil {
			status, code, message, details := mapError(r, err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && parts[3] == "comments" && r.Method == http.MethodPost {
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateReply(r.Context(), s.viewer(r), threadID, body.Content)
		if err != nil {
			status, code, message, details := mapError(r, err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleReply(w http.ResponseWriter, r *http.Request, commentID int64) {
	if r.Method == http.MethodPut {
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateReply(r.Context(), s.viewer(r), commentID, body.Content)
		if err != nil {
			status, code, message, details := mapError(r, err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete {
		payload, err := s.service.DeleteReply(r.Context(), s.viewer(r), commentID)
		if err != nil {
			status, code, message, details := mapError(r, err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// viewer resolves the request's identity. A missing or invalid token yields
// the anonymous viewer; the policy layer rejects it on mutations.
func (s *HTTPServer) viewer(r *http.Request) policy.Viewer {
	token := bearerToken(r)
	if token == "" {
		return policy.Viewer{}
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		return policy.Viewer{}
	}
	return session.Viewer()
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
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

// parseID parses a positive numeric path segment. Non-numeric segments map to
// 404, matching the behavior for a resource that does not exist.
func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return 0, false
	}
	return id, true
}

// mapError translates service errors to the wire taxonomy. Unrecognized
// errors become a generic 500; their detail is logged here and never sent to
// the client.
func mapError(r *http.Request, err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, policy.ErrUnauthenticated) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil
	}
	if errors.Is(err, policy.ErrNotOwner) || errors.Is(err, policy.ErrAdminOnly) || errors.Is(err, policy.ErrUnknownAction) || errors.Is(err, store.ErrNotOwner) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil
	}
	log.Printf("request %s: %s %s failed: %v", contextRequestID(r.Context()), r.Method, r.URL.Path, err)
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func contextRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
