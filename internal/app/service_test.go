package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"componenthub/internal/accounts"
	"componenthub/internal/config"
	"componenthub/internal/policy"
	"componenthub/internal/store"
)

type fakeStore struct {
	createUserFn             func(context.Context, string, string) (store.User, error)
	getUserByNameFn          func(context.Context, string) (store.User, error)
	getUserByIDFn            func(context.Context, int64) (store.User, error)
	countUserThreadsFn       func(context.Context, int64) (int, error)
	isAccessTokenRevokedFn   func(context.Context, string) (bool, error)
	listComponentsFn         func(context.Context, string) ([]store.Component, error)
	getComponentFn           func(context.Context, int64) (store.Component, error)
	insertComponentFn        func(context.Context, store.Component) (store.Component, error)
	listComponentCommentsFn  func(context.Context, int64) ([]store.ComponentComment, error)
	insertComponentCommentFn func(context.Context, store.ComponentComment) (store.ComponentComment, error)
	isBookmarkedFn           func(context.Context, int64, int64) (bool, error)
	toggleBookmarkFn         func(context.Context, int64, int64) (bool, error)
	listBookmarkedFn         func(context.Context, int64) ([]store.Component, error)
	listThreadsFn            func(context.Context) ([]store.Thread, error)
	getThreadFn              func(context.Context, int64) (store.Thread, error)
	insertThreadFn           func(context.Context, int64, string, string) (store.Thread, error)
	updateThreadFn           func(context.Context, int64, int64, string, string) (bool, error)
	deleteThreadCascadeFn    func(context.Context, int64, int64) (int64, error)
	listThreadCommentsFn     func(context.Context, int64) ([]store.ThreadComment, error)
	getThreadCommentFn       func(context.Context, int64) (store.ThreadComment, error)
	insertThreadCommentFn    func(context.Context, int64, int64, string) (store.ThreadComment, error)
	updateThreadCommentFn    func(context.Context, int64, int64, string) (bool, error)
	deleteThreadCommentFn    func(context.Context, int64, int64) (bool, error)
	pingFn                   func(context.Context) error
}

func (f *fakeStore) CreateUser(ctx context.Context, username, passwordHash string) (store.User, error) {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, username, passwordHash)
	}
	return store.User{ID: 1, Username: username}, nil
}
func (f *fakeStore) GetUserByName(ctx context.Context, username string) (store.User, error) {
	if f.getUserByNameFn != nil {
		return f.getUserByNameFn(ctx, username)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID int64) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, Username: "tester"}, nil
}
func (f *fakeStore) CountUserThreads(ctx context.Context, userID int64) (int, error) {
	if f.countUserThreadsFn != nil {
		return f.countUserThreadsFn(ctx, userID)
	}
	return 0, nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) ListComponents(ctx context.Context, category string) ([]store.Component, error) {
	if f.listComponentsFn != nil {
		return f.listComponentsFn(ctx, category)
	}
	return nil, nil
}
func (f *fakeStore) GetComponent(ctx context.Context, id int64) (store.Component, error) {
	if f.getComponentFn != nil {
		return f.getComponentFn(ctx, id)
	}
	return store.Component{}, sql.ErrNoRows
}
func (f *fakeStore) InsertComponent(ctx context.Context, c store.Component) (store.Component, error) {
	if f.insertComponentFn != nil {
		return f.insertComponentFn(ctx, c)
	}
	c.ID = 1
	return c, nil
}
func (f *fakeStore) ListComponentComments(ctx context.Context, componentID int64) ([]store.ComponentComment, error) {
	if f.listComponentCommentsFn != nil {
		return f.listComponentCommentsFn(ctx, componentID)
	}
	return nil, nil
}
func (f *fakeStore) InsertComponentComment(ctx context.Context, c store.ComponentComment) (store.ComponentComment, error) {
	if f.insertComponentCommentFn != nil {
		return f.insertComponentCommentFn(ctx, c)
	}
	c.ID = 1
	return c, nil
}
func (f *fakeStore) IsBookmarked(ctx context.Context, userID, componentID int64) (bool, error) {
	if f.isBookmarkedFn != nil {
		return f.isBookmarkedFn(ctx, userID, componentID)
	}
	return false, nil
}
func (f *fakeStore) ToggleBookmark(ctx context.Context, userID, componentID int64) (bool, error) {
	if f.toggleBookmarkFn != nil {
		return f.toggleBookmarkFn(ctx, userID, componentID)
	}
	return false, nil
}
func (f *fakeStore) ListBookmarkedComponents(ctx context.Context, userID int64) ([]store.Component, error) {
	if f.listBookmarkedFn != nil {
		return f.listBookmarkedFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) ListThreads(ctx context.Context) ([]store.Thread, error) {
	if f.listThreadsFn != nil {
		return f.listThreadsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) GetThread(ctx context.Context, threadID int64) (store.Thread, error) {
	if f.getThreadFn != nil {
		return f.getThreadFn(ctx, threadID)
	}
	return store.Thread{}, sql.ErrNoRows
}
func (f *fakeStore) InsertThread(ctx context.Context, userID int64, title, content string) (store.Thread, error) {
	if f.insertThreadFn != nil {
		return f.insertThreadFn(ctx, userID, title, content)
	}
	return store.Thread{ID: 1, UserID: userID, Title: title, Content: content}, nil
}
func (f *fakeStore) UpdateThread(ctx context.Context, threadID, userID int64, title, content string) (bool, error) {
	if f.updateThreadFn != nil {
		return f.updateThreadFn(ctx, threadID, userID, title, content)
	}
	return true, nil
}
func (f *fakeStore) DeleteThreadCascade(ctx context.Context, threadID, userID int64) (int64, error) {
	if f.deleteThreadCascadeFn != nil {
		return f.deleteThreadCascadeFn(ctx, threadID, userID)
	}
	return 0, nil
}
func (f *fakeStore) ListThreadComments(ctx context.Context, threadID int64) ([]store.ThreadComment, error) {
	if f.listThreadCommentsFn != nil {
		return f.listThreadCommentsFn(ctx, threadID)
	}
	return nil, nil
}
func (f *fakeStore) GetThreadComment(ctx context.Context, commentID int64) (store.ThreadComment, error) {
	if f.getThreadCommentFn != nil {
		return f.getThreadCommentFn(ctx, commentID)
	}
	return store.ThreadComment{}, sql.ErrNoRows
}
func (f *fakeStore) InsertThreadComment(ctx context.Context, threadID, userID int64, body string) (store.ThreadComment, error) {
	if f.insertThreadCommentFn != nil {
		return f.insertThreadCommentFn(ctx, threadID, userID, body)
	}
	return store.ThreadComment{ID: 1, ThreadID: threadID, UserID: userID, Body: body}, nil
}
func (f *fakeStore) UpdateThreadComment(ctx context.Context, commentID, userID int64, body string) (bool, error) {
	if f.updateThreadCommentFn != nil {
		return f.updateThreadCommentFn(ctx, commentID, userID, body)
	}
	return false, nil
}
func (f *fakeStore) DeleteThreadComment(ctx context.Context, commentID, userID int64) (bool, error) {
	if f.deleteThreadCommentFn != nil {
		return f.deleteThreadCommentFn(ctx, commentID, userID)
	}
	return false, nil
}
func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeSessions struct {
	saved   map[string]store.User
	expiry  map[string]time.Time
	revoked map[string]bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		saved:   make(map[string]store.User),
		expiry:  make(map[string]time.Time),
		revoked: make(map[string]bool),
	}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	f.saved[tokenHash] = user
	f.expiry[tokenHash] = expiresAt
	return nil
}
func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	if f.revoked[tokenHash] {
		return store.User{}, sql.ErrNoRows
	}
	user, ok := f.saved[tokenHash]
	if !ok || time.Now().After(f.expiry[tokenHash]) {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}
func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.revoked[tokenHash] = true
	return nil
}
func (f *fakeSessions) Ping(context.Context) error { return nil }

func newTestService(fs *fakeStore) *Service {
	cfg := config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
	}
	return &Service{
		cfg:      cfg,
		store:    fs,
		sessions: newFakeSessions(),
		creds:    accounts.NewService(fs),
	}
}

func TestCreateThreadValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})
	viewer := policy.Viewer{UserID: 7, Username: "sam"}

	tests := []struct {
		name    string
		title   string
		content string
		wantMsg string
	}{
		{"short title", "hey", "long enough content here", "title must be at least 5 characters"},
		{"short content", "valid title", "short", "content must be at least 10 characters"},
		{"whitespace only title", "    ", "long enough content here", "title must be at least 5 characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateThread(context.Background(), viewer, tt.title, tt.content)
			var domainErr *DomainError
			if !errors.As(err, &domainErr) {
				t.Fatalf("expected DomainError, got %v", err)
			}
			if domainErr.Status != 422 {
				t.Errorf("expected status 422, got %d", domainErr.Status)
			}
			if domainErr.Message != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, domainErr.Message)
			}
		})
	}
}

func TestCreateThreadAnonymousRejectedAfterValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})

	// Invalid body wins over missing authentication
	_, err := svc.CreateThread(context.Background(), policy.Viewer{}, "ok", "too short")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 validation error for anonymous invalid body, got %v", err)
	}

	// Valid body from anonymous viewer fails authorization
	_, err = svc.CreateThread(context.Background(), policy.Viewer{}, "valid title", "content long enough")
	if !errors.Is(err, policy.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestCreateThreadSuccess(t *testing.T) {
	var gotUserID int64
	fs := &fakeStore{
		insertThreadFn: func(_ context.Context, userID int64, title, content string) (store.Thread, error) {
			gotUserID = userID
			return store.Thread{ID: 42, UserID: userID, Title: title, Content: content}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateThread(context.Background(), policy.Viewer{UserID: 7, Username: "sam"}, "My first thread", "This is a long enough body")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if payload["thread_id"] != int64(42) {
		t.Errorf("expected thread_id=42, got %v", payload["thread_id"])
	}
	if gotUserID != 7 {
		t.Errorf("expected owner from session (7), got %d", gotUserID)
	}
}

func TestDeleteThreadAnonymous(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.DeleteThread(context.Background(), policy.Viewer{}, 5)
	if !errors.Is(err, policy.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestDeleteThreadOwnership(t *testing.T) {
	cascadeCalled := false
	fs := &fakeStore{
		getThreadFn: func(_ context.Context, threadID int64) (store.Thread, error) {
			return store.Thread{ID: threadID, UserID: 7, Title: "t", Content: "c"}, nil
		},
		deleteThreadCascadeFn: func(_ context.Context, threadID, userID int64) (int64, error) {
			cascadeCalled = true
			return 3, nil
		},
	}
	svc := newTestService(fs)

	// Non-owner is refused before any delete runs
	_, err := svc.DeleteThread(context.Background(), policy.Viewer{UserID: 9, Username: "mallory"}, 5)
	if !errors.Is(err, policy.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if cascadeCalled {
		t.Fatal("cascade delete ran for a non-owner")
	}

	// Admin status does not override ownership
	_, err = svc.DeleteThread(context.Background(), policy.Viewer{UserID: 9, Username: "root", IsAdmin: true}, 5)
	if !errors.Is(err, policy.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for admin non-owner, got %v", err)
	}

	payload, err := svc.DeleteThread(context.Background(), policy.Viewer{UserID: 7, Username: "sam"}, 5)
	if err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if payload["deleted_replies"] != int64(3) {
		t.Errorf("expected deleted_replies=3, got %v", payload["deleted_replies"])
	}
}

func TestDeleteThreadMissing(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.DeleteThread(context.Background(), policy.Viewer{UserID: 7, Username: "sam"}, 999)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for missing thread, got %v", err)
	}
}

func TestUpdateReplyMergedDenial(t *testing.T) {
	fs := &fakeStore{
		updateThreadCommentFn: func(context.Context, int64, int64, string) (bool, error) {
			return false, nil
		},
		getThreadCommentFn: func(_ context.Context, commentID int64) (store.ThreadComment, error) {
			return store.ThreadComment{ID: commentID, UserID: 3}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdateReply(context.Background(), policy.Viewer{UserID: 7, Username: "sam"}, 11, "edited reply text")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 403 {
		t.Errorf("expected status 403, got %d", domainErr.Status)
	}
	if domainErr.Message != "Comment not found or you do not have permission to edit it" {
		t.Errorf("unexpected message %q", domainErr.Message)
	}
}

func TestDeleteReplyMergedDenialForMissing(t *testing.T) {
	// Missing comment and foreign comment produce the same response
	svc := newTestService(&fakeStore{})

	_, err := svc.DeleteReply(context.Background(), policy.Viewer{UserID: 7, Username: "sam"}, 404)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 403 {
		t.Errorf("expected status 403, got %d", domainErr.Status)
	}
	if domainErr.Message != "Comment not found or you do not have permission to delete it" {
		t.Errorf("unexpected message %q", domainErr.Message)
	}
}

func TestCreateReplyValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CreateReply(context.Background(), policy.Viewer{UserID: 7, Username: "sam"}, 1, "hey")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for short reply, got %v", err)
	}
	if domainErr.Message != "reply must be at least 5 characters" {
		t.Errorf("unexpected message %q", domainErr.Message)
	}
}

func TestCreateReplyIdentityFromSession(t *testing.T) {
	var gotUserID int64
	fs := &fakeStore{
		insertThreadCommentFn: func(_ context.Context, threadID, userID int64, body string) (store.ThreadComment, error) {
			gotUserID = userID
			return store.ThreadComment{ID: 8, ThreadID: threadID, UserID: userID, Body: body}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateReply(context.Background(), policy.Viewer{UserID: 7, Username: "sam"}, 1, "a perfectly fine reply")
	if err != nil {
		t.Fatalf("CreateReply: %v", err)
	}
	if gotUserID != 7 {
		t.Errorf("expected author from session (7), got %d", gotUserID)
	}
	data, ok := payload["comment_data"].(map[string]any)
	if !ok {
		t.Fatalf("expected comment_data, got %v", payload)
	}
	if data["author"] != "sam" {
		t.Errorf("expected author=sam, got %v", data["author"])
	}
}

func TestRateComponentValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})
	viewer := policy.Viewer{UserID: 7, Username: "sam"}

	tests := []struct {
		name    string
		rating  int
		text    string
		wantMsg string
	}{
		{"rating too low", 0, "great component", "rating must be between 1 and 5"},
		{"rating too high", 6, "great component", "rating must be between 1 and 5"},
		{"text too short", 3, "meh", "comment must be at least 6 characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RateComponent(context.Background(), viewer, 1, tt.rating, tt.text)
			var domainErr *DomainError
			if !errors.As(err, &domainErr) || domainErr.Status != 422 {
				t.Fatalf("expected 422, got %v", err)
			}
			if domainErr.Message != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, domainErr.Message)
			}
		})
	}
}

func TestToggleBookmarkReturnsNewState(t *testing.T) {
	state := false
	fs := &fakeStore{
		toggleBookmarkFn: func(context.Context, int64, int64) (bool, error) {
			state = !state
			return state, nil
		},
	}
	svc := newTestService(fs)
	viewer := policy.Viewer{UserID: 7, Username: "sam"}

	payload, err := svc.ToggleBookmark(context.Background(), viewer, 3)
	if err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if payload["is_bookmarked"] != true {
		t.Errorf("expected is_bookmarked=true after first toggle, got %v", payload["is_bookmarked"])
	}

	payload, err = svc.ToggleBookmark(context.Background(), viewer, 3)
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if payload["is_bookmarked"] != false {
		t.Errorf("expected is_bookmarked=false after second toggle, got %v", payload["is_bookmarked"])
	}
}

func TestToggleBookmarkAnonymous(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.ToggleBookmark(context.Background(), policy.Viewer{}, 3)
	if !errors.Is(err, policy.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestUploadComponentAdminOnly(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.UploadComponent(context.Background(), policy.Viewer{UserID: 7, Username: "sam"}, UploadComponentInput{Name: "Button", Category: "input"})
	if !errors.Is(err, policy.ErrAdminOnly) {
		t.Fatalf("expected ErrAdminOnly, got %v", err)
	}

	payload, err := svc.UploadComponent(context.Background(), policy.Viewer{UserID: 1, Username: "root", IsAdmin: true}, UploadComponentInput{Name: "Button", Category: "input"})
	if err != nil {
		t.Fatalf("admin upload: %v", err)
	}
	if payload["component"] == nil {
		t.Error("expected component payload")
	}
}

func TestUploadComponentImageWithoutFileStore(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.UploadComponent(context.Background(), policy.Viewer{UserID: 1, Username: "root", IsAdmin: true}, UploadComponentInput{
		Name:     "Button",
		Category: "input",
		Image:    strings.NewReader("fake image bytes"),
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 503 || domainErr.Code != "UPLOAD_UNAVAILABLE" {
		t.Errorf("expected 503 UPLOAD_UNAVAILABLE, got %d %s", domainErr.Status, domainErr.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID int64) (store.User, error) {
			return store.User{ID: userID, Username: "sam"}, nil
		},
	}
	svc := newTestService(fs)
	user := store.User{ID: 7, Username: "sam"}

	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issueSession: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected both tokens to be issued")
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != 7 || parsed.Username != "sam" {
		t.Errorf("unexpected session identity: %+v", parsed)
	}

	// Refresh rotates: the old refresh token stops working
	refreshed, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.RefreshToken == session.RefreshToken {
		t.Error("expected a new refresh token after rotation")
	}
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Error("expected old refresh token to be rejected after rotation")
	}
}

func TestSessionFromTokenRevokedJTI(t *testing.T) {
	fs := &fakeStore{
		isAccessTokenRevokedFn: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.issueSession(context.Background(), store.User{ID: 7, Username: "sam"})
	if err != nil {
		t.Fatalf("issueSession: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Error("expected revoked token to be rejected")
	}
}
