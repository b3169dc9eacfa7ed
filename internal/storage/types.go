package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrDisabled = errors.New("storage: disabled")
)

// Config configures storage. Driver "sqlite" is the only backend.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Profile is the display data captured from the messaging platform.
type Profile struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
}

// User is one row of the users table. Zero times mean NULL.
type User struct {
	Profile

	IsMember       bool
	LastChecked    time.Time
	Token          string
	TokenCreatedAt time.Time
	VerifiedUntil  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Stats is a point-in-time count of the user base.
type Stats struct {
	Users    int
	Members  int
	Verified int
}

// Content is one catalog entry: a stored message that can be re-sent by code.
type Content struct {
	Code            string
	Title           string
	SourceChatID    int64
	SourceMessageID int
	CreatedBy       int64
	CreatedAt       time.Time
}

// AuditEntry records an admin action such as a broadcast run or a sweep.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	OK      int
	Fail    int
	Error   string
	TookMS  int64
}
