package store

import "time"

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

type Component struct {
	ID           int64
	Name         string
	Category     string
	Brief        string
	Description  string
	IconClass    string
	ImageURL     string
	DownloadLink string
	UploadDate   time.Time
}

type ComponentComment struct {
	ID          int64
	ComponentID int64
	UserID      int64
	// Author is the joined username of the commenting user
	Author   string
	Rating   int
	Text     string
	PostedAt time.Time
}

type Thread struct {
	ID         int64
	UserID     int64
	Author     string
	Title      string
	Content    string
	CreatedAt  time.Time
	ReplyCount int
}

type ThreadComment struct {
	ID        int64
	ThreadID  int64
	UserID    int64
	Author    string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
