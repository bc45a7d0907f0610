package database

import (
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// ErrNotFound is returned when a session or job does not exist
var ErrNotFound = errors.New("record not found")

// SessionStatus is the lifecycle state of a render session
type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// Session records one opened document. The document handle itself only lives
// in the server process; the row outlives it for auditing.
type Session struct {
	ID          ulid.ULID     `json:"id"`
	FileName    string        `json:"fileName"`
	SpoolPath   string        `json:"-"`
	Size        int64         `json:"size"`
	PageCount   int           `json:"pageCount"`
	Engine      string        `json:"engine"`
	Title       string        `json:"title"`
	Status      SessionStatus `json:"status"`
	CloseReason string        `json:"closeReason,omitempty"`
	OpenedAt    time.Time     `json:"openedAt"`
	LastAccess  time.Time     `json:"lastAccess"`
	ClosedAt    *time.Time    `json:"closedAt,omitempty"`
}

// Repository defines database operations
type Repository interface {
	Close() error
	// Session methods
	CreateSession(session *Session) error
	GetSession(id ulid.ULID) (*Session, error)
	TouchSession(id ulid.ULID, at time.Time) error
	CloseSession(id ulid.ULID, reason string) error
	GetOpenSessions() ([]Session, error)
	GetIdleSessions(idleSince time.Time) ([]Session, error)
	CloseAllOpenSessions(reason string) (int, error)
	// Job tracking methods
	CreateJob(jobType JobType, message string) (*Job, error)
	UpdateJobStatus(jobID ulid.ULID, status JobStatus, message string) error
	UpdateJobError(jobID ulid.ULID, errorMsg string) error
	CompleteJob(jobID ulid.ULID, result string) error
	GetJob(jobID ulid.ULID) (*Job, error)
	GetRecentJobs(jobType JobType, limit, offset int) ([]Job, error)
	GetActiveJobs() ([]Job, error)
	DeleteOldJobs(olderThan time.Duration) (int, error)
}

// CalculateUUID creates a ULID for the given time
func CalculateUUID(time time.Time) (ulid.ULID, error) {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.UnixNano())), 0)
	newULID, err := ulid.New(ulid.Timestamp(time), entropy)
	if err != nil {
		return newULID, err
	}
	return newULID, nil
}
