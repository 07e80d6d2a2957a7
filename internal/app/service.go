package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"componenthub/internal/accounts"
	"componenthub/internal/auth"
	"componenthub/internal/blob"
	"componenthub/internal/config"
	"componenthub/internal/policy"
	"componenthub/internal/search"
	"componenthub/internal/store"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	Username     string
	IsAdmin      bool
	JTI          string
	ExpiresAt    time.Time
}

// Viewer converts the session into the identity the policy layer evaluates.
func (s Session) Viewer() policy.Viewer {
	return policy.Viewer{UserID: s.UserID, Username: s.Username, IsAdmin: s.IsAdmin}
}

type dataStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (store.User, error)
	GetUserByName(ctx context.Context, username string) (store.User, error)
	GetUserByID(ctx context.Context, userID int64) (store.User, error)
	CountUserThreads(ctx context.Context, userID int64) (int, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	ListComponents(ctx context.Context, category string) ([]store.Component, error)
	GetComponent(ctx context.Context, id int64) (store.Component, error)
	InsertComponent(ctx context.Context, c store.Component) (store.Component, error)
	ListComponentComments(ctx context.Context, componentID int64) ([]store.ComponentComment, error)
	InsertComponentComment(ctx context.Context, c store.ComponentComment) (store.ComponentComment, error)
	IsBookmarked(ctx context.Context, userID, componentID int64) (bool, error)
	ToggleBookmark(ctx context.Context, userID, componentID int64) (bool, error)
	ListBookmarkedComponents(ctx context.Context, userID int64) ([]store.Component, error)
	ListThreads(ctx context.Context) ([]store.Thread, error)
	GetThread(ctx context.Context, threadID int64) (store.Thread, error)
	InsertThread(ctx context.Context, userID int64, title, content string) (store.Thread, error)
	UpdateThread(ctx context.Context, threadID, userID int64, title, content string) (bool, error)
	DeleteThreadCascade(ctx context.Context, threadID, userID int64) (int64, error)
	ListThreadComments(ctx context.Context, threadID int64) ([]store.ThreadComment, error)
	GetThreadComment(ctx context.Context, commentID int64) (store.ThreadComment, error)
	InsertThreadComment(ctx context.Context, threadID, userID int64, body string) (store.ThreadComment, error)
	UpdateThreadComment(ctx context.Context, commentID, userID int64, body string) (bool, error)
	DeleteThreadComment(ctx context.Context, commentID, userID int64) (bool, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

type fileStore interface {
	Put(ctx context.Context, filename, contentType string, r io.Reader, size int64) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	creds    *accounts.Service
	files    fileStore
	search   *search.Service
}

// New wires the service. sessions may be the Postgres store itself when Redis
// is not configured; files may be nil when object storage is not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, files *blob.Store, searchService *search.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		creds:    accounts.NewService(dataStore),
		search:   searchService,
	}
	if sessions == nil {
		svc.sessions = dataStore
	}
	if files != nil {
		svc.files = files
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the refresh-token backend, which may be Redis or the
// Postgres store itself.
func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// ── Accounts and sessions ──

func (s *Service) Register(ctx context.Context, username, password, confirmPassword string) (map[string]any, error) {
	user, err := s.creds.Register(ctx, accounts.RegisterRequest{
		Username:        username,
		Password:        password,
		ConfirmPassword: confirmPassword,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
	}, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.creds.Authenticate(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := newRandomID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Username,
		Admin: user.IsAdmin,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := newRandomID("rft") + newRandomID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		IsAdmin:      user.IsAdmin,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	// Re-read the user so admin changes take effect without re-login
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		IsAdmin:   user.IsAdmin,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Profile(ctx context.Context, userID int64) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	threadCount, err := s.store.CountUserThreads(ctx, userID)
	if err != nil {
		return nil, err
	}
	bookmarked, err := s.store.ListBookmarkedComponents(ctx, userID)
	if err != nil {
		return nil, err
	}

	bookmarks := make([]map[string]any, 0, len(bookmarked))
	for _, c := range bookmarked {
		bookmarks = append(bookmarks, componentPayload(c))
	}

	return map[string]any{
		"user_id":      user.ID,
		"username":     user.Username,
		"is_admin":     user.IsAdmin,
		"member_since": user.CreatedAt,
		"thread_count": threadCount,
		"bookmarks":    bookmarks,
	}, nil
}

// ── Catalog ──

func (s *Service) ListComponents(ctx context.Context, category string) (map[string]any, error) {
	components, err := s.store.ListComponents(ctx, strings.TrimSpace(category))
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(components))
	for _, c := range components {
		items = append(items, componentPayload(c))
	}
	return map[string]any{"components": items}, nil
}

func (s *Service) GetComponentDetails(ctx context.Context, componentID int64, viewer policy.Viewer) (map[string]any, error) {
	component, err := s.store.GetComponent(ctx, componentID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComponentComments(ctx, componentID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		items = append(items, catalogCommentPayload(c))
	}

	return map[string]any{
		"component":       componentPayload(component),
		"comments":        items,
		"current_user_id": currentUserID(viewer),
	}, nil
}

type UploadComponentInput struct {
	Name         string
	Category     string
	Brief        string
	Description  string
	IconClass    string
	DownloadLink string

	ImageFilename    string
	ImageContentType string
	Image            io.Reader
	ImageSize        int64
}

func (s *Service) UploadComponent(ctx context.Context, viewer policy.Viewer, input UploadComponentInput) (map[string]any, error) {
	if err := policy.Authorize(viewer, policy.ActionUploadComponent, 0); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(input.Name)
	category := strings.TrimSpace(input.Category)
	if name == "" || category == "" {
		return nil, errValidation("name and category are required")
	}

	imageURL := ""
	if input.Image != nil {
		if s.files == nil {
			return nil, domainError(http.StatusServiceUnavailable, "UPLOAD_UNAVAILABLE", "File storage is not configured", nil)
		}
		url, err := s.files.Put(ctx, input.ImageFilename, input.ImageContentType, input.Image, input.ImageSize)
		if err != nil {
			return nil, err
		}
		imageURL = url
	}

	component, err := s.store.InsertComponent(ctx, store.Component{
		Name:         name,
		Category:     category,
		Brief:        strings.TrimSpace(input.Brief),
		Description:  strings.TrimSpace(input.Description),
		IconClass:    strings.TrimSpace(input.IconClass),
		ImageURL:     imageURL,
		DownloadLink: strings.TrimSpace(input.DownloadLink),
	})
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexComponent(search.ComponentRecord{
			ID:          component.ID,
			Name:        component.Name,
			Category:    component.Category,
			Brief:       component.Brief,
			Description: component.Description,
		})
	}

	return map[string]any{"component": componentPayload(component)}, nil
}

func (s *Service) RateComponent(ctx context.Context, viewer policy.Viewer, componentID int64, rating int, text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if rating < 1 || rating > 5 {
		return nil, errValidation("rating must be between 1 and 5")
	}
	if len(text) < 6 {
		return nil, errValidation("comment must be at least 6 characters")
	}
	if err := policy.Authorize(viewer, policy.ActionRateComponent, 0); err != nil {
		return nil, err
	}

	comment, err := s.store.InsertComponentComment(ctx, store.ComponentComment{
		ComponentID: componentID,
		UserID:      viewer.UserID,
		Rating:      rating,
		Text:        text,
	})
	if err != nil {
		return nil, err
	}
	comment.Author = viewer.Username

	return map[string]any{"comment": catalogCommentPayload(comment)}, nil
}

func (s *Service) BookmarkStatus(ctx context.Context, viewer policy.Viewer, componentID int64) (map[string]any, error) {
	if viewer.Anonymous() {
		return nil, policy.ErrUnauthenticated
	}
	bookmarked, err := s.store.IsBookmarked(ctx, viewer.UserID, componentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"is_bookmarked": bookmarked}, nil
}

func (s *Service) ToggleBookmark(ctx context.Context, viewer policy.Viewer, componentID int64) (map[string]any, error) {
	if err := policy.Authorize(viewer, policy.ActionToggleBookmark, 0); err != nil {
		return nil, err
	}
	bookmarked, err := s.store.ToggleBookmark(ctx, viewer.UserID, componentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"is_bookmarked": bookmarked}, nil
}

// ── Forum ──

func (s *Service) ListThreads(ctx context.Context) (map[string]any, error) {
	threads, err := s.store.ListThreads(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(threads))
	for _, t := range threads {
		item := threadPayload(t)
		item["reply_count"] = t.ReplyCount
		items = append(items, item)
	}
	return map[string]any{"threads": items}, nil
}

func (s *Service) GetThreadDetails(ctx context.Context, threadID int64, viewer policy.Viewer) (map[string]any, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListThreadComments(ctx, threadID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		items = append(items, replyPayload(c))
	}

	return map[string]any{
		"thread":          threadPayload(thread),
		"comments":        items,
		"current_user_id": currentUserID(viewer),
	}, nil
}

func (s *Service) CreateThread(ctx context.Context, viewer policy.Viewer, title, content string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	if len(title) < 5 {
		return nil, errValidation("title must be at least 5 characters")
	}
	if len(content) < 10 {
		return nil, errValidation("content must be at least 10 characters")
	}
	if err := policy.Authorize(viewer, policy.ActionCreateThread, 0); err != nil {
		return nil, err
	}

	thread, err := s.store.InsertThread(ctx, viewer.UserID, title, content)
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexThread(search.ThreadRecord{
			ID:      thread.ID,
			Title:   thread.Title,
			Content: thread.Content,
			Author:  viewer.Username,
		})
	}

	return map[string]any{
		"thread_id": thread.ID,
		"title":     thread.Title,
	}, nil
}

func (s *Service) UpdateThread(ctx context.Context, viewer policy.Viewer, threadID int64, title, content string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	if len(title) < 5 {
		return nil, errValidation("title must be at least 5 characters")
	}
	if len(content) < 10 {
		return nil, errValidation("content must be at least 10 characters")
	}

	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(viewer, policy.ActionEditThread, thread.UserID); err != nil {
		return nil, err
	}

	changed, err := s.store.UpdateThread(ctx, threadID, viewer.UserID, title, content)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Thread vanished or changed hands between authorization and execution
		return nil, sql.ErrNoRows
	}

	if s.search != nil {
		s.search.IndexThread(search.ThreadRecord{
			ID:      threadID,
			Title:   title,
			Content: content,
			Author:  thread.Author,
		})
	}

	return map[string]any{
		"thread_id": threadID,
		"title":     title,
		"content":   content,
	}, nil
}

func (s *Service) DeleteThread(ctx context.Context, viewer policy.Viewer, threadID int64) (map[string]any, error) {
	if viewer.Anonymous() {
		return nil, policy.ErrUnauthenticated
	}

	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(viewer, policy.ActionDeleteThread, thread.UserID); err != nil {
		return nil, err
	}

	removed, err := s.store.DeleteThreadCascade(ctx, threadID, viewer.UserID)
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.DeleteThread(threadID)
	}

	return map[string]any{
		"ok":              true,
		"deleted_replies": removed,
	}, nil
}

func (s *Service) CreateReply(ctx context.Context, viewer policy.Viewer, threadID int64, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if len(content) < 5 {
		return nil, errValidation("reply must be at least 5 characters")
	}
	if err := policy.Authorize(viewer, policy.ActionCreateReply, 0); err != nil {
		return nil, err
	}

	comment, err := s.store.InsertThreadComment(ctx, threadID, viewer.UserID, content)
	if err != nil {
		return nil, err
	}
	comment.Author = viewer.Username

	return map[string]any{"comment_data": replyPayload(comment)}, nil
}

func (s *Service) UpdateReply(ctx context.Context, viewer policy.Viewer, commentID int64, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if len(content) < 5 {
		return nil, errValidation("reply must be at least 5 characters")
	}
	if viewer.Anonymous() {
		return nil, policy.ErrUnauthenticated
	}

	changed, err := s.store.UpdateThreadComment(ctx, commentID, viewer.UserID, content)
	if err != nil {
		return nil, err
	}
	if !changed {
		s.logReplyDenial(ctx, "edit", commentID, viewer)
		return nil, errForbidden("Comment not found or you do not have permission to edit it")
	}

	return map[string]any{
		"comment_id": commentID,
		"content":    content,
	}, nil
}

func (s *Service) DeleteReply(ctx context.Context, viewer policy.Viewer, commentID int64) (map[string]any, error) {
	if viewer.Anonymous() {
		return nil, policy.ErrUnauthenticated
	}

	changed, err := s.store.DeleteThreadComment(ctx, commentID, viewer.UserID)
	if err != nil {
		return nil, err
	}
	if !changed {
		s.logReplyDenial(ctx, "delete", commentID, viewer)
		return nil, errForbidden("Comment not found or you do not have permission to delete it")
	}

	return map[string]any{"ok": true}, nil
}

// logReplyDenial records whether a merged not-found/not-owned response hid a
// missing row or an ownership mismatch. The caller's response stays merged.
func (s *Service) logReplyDenial(ctx context.Context, verb string, commentID int64, viewer policy.Viewer) {
	comment, err := s.store.GetThreadComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("reply %s denied: comment %d does not exist (user %d)", verb, commentID, viewer.UserID)
		return
	}
	if err != nil {
		log.Printf("reply %s denied: comment %d lookup failed: %v", verb, commentID, err)
		return
	}
	log.Printf("reply %s denied: comment %d owned by user %d, not user %d", verb, commentID, comment.UserID, viewer.UserID)
}

// ── Search ──

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// ── Payload helpers ──

func componentPayload(c store.Component) map[string]any {
	return map[string]any{
		"id":            c.ID,
		"name":          c.Name,
		"category":      c.Category,
		"brief":         c.Brief,
		"description":   c.Description,
		"icon_class":    c.IconClass,
		"image_url":     c.ImageURL,
		"download_link": c.DownloadLink,
		"upload_date":   c.UploadDate,
	}
}

func catalogCommentPayload(c store.ComponentComment) map[string]any {
	return map[string]any{
		"comment_id":   c.ID,
		"component_id": c.ComponentID,
		"user_id":      c.UserID,
		"author":       c.Author,
		"rating":       c.Rating,
		"comment_text": c.Text,
		"post_date":    c.PostedAt,
	}
}

func threadPayload(t store.Thread) map[string]any {
	return map[string]any{
		"thread_id":  t.ID,
		"user_id":    t.UserID,
		"author":     t.Author,
		"title":      t.Title,
		"content":    t.Content,
		"created_at": t.CreatedAt,
	}
}

func replyPayload(c store.ThreadComment) map[string]any {
	return map[string]any{
		"comment_id":   c.ID,
		"thread_id":    c.ThreadID,
		"user_id":      c.UserID,
		"author":       c.Author,
		"comment_body": c.Body,
		"comment_date": c.CreatedAt,
		"updated_at":   c.UpdatedAt,
	}
}

func currentUserID(v policy.Viewer) any {
	if v.Anonymous() {
		return nil
	}
	return v.UserID
}

func newRandomID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
