package database

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/uptrace/bun"
)

// BunSession represents the sessions table for Bun ORM
type BunSession struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	ID          string     `bun:"id,pk"` // ULID as string
	FileName    string     `bun:"file_name,notnull"`
	SpoolPath   string     `bun:"spool_path,notnull"`
	Size        int64      `bun:"size,notnull"`
	PageCount   int        `bun:"page_count,notnull"`
	Engine      string     `bun:"engine,notnull"`
	Title       string     `bun:"title,default:''"`
	Status      string     `bun:"status,notnull,default:'open'"`
	CloseReason string     `bun:"close_reason,nullzero"`
	OpenedAt    time.Time  `bun:"opened_at,notnull,default:current_timestamp"`
	LastAccess  time.Time  `bun:"last_access,notnull,default:current_timestamp"`
	ClosedAt    *time.Time `bun:"closed_at,nullzero"`
}

// ToSession converts BunSession to Session
func (bs *BunSession) ToSession() (*Session, error) {
	parsedULID, err := ulid.Parse(bs.ID)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:          parsedULID,
		FileName:    bs.FileName,
		SpoolPath:   bs.SpoolPath,
		Size:        bs.Size,
		PageCount:   bs.PageCount,
		Engine:      bs.Engine,
		Title:       bs.Title,
		Status:      SessionStatus(bs.Status),
		CloseReason: bs.CloseReason,
		OpenedAt:    bs.OpenedAt,
		LastAccess:  bs.LastAccess,
		ClosedAt:    bs.ClosedAt,
	}, nil
}

// FromSession converts Session to BunSession
func FromSession(s *Session) *BunSession {
	return &BunSession{
		ID:          s.ID.String(),
		FileName:    s.FileName,
		SpoolPath:   s.SpoolPath,
		Size:        s.Size,
		PageCount:   s.PageCount,
		Engine:      s.Engine,
		Title:       s.Title,
		Status:      string(s.Status),
		CloseReason: s.CloseReason,
		OpenedAt:    s.OpenedAt,
		LastAccess:  s.LastAccess,
		ClosedAt:    s.ClosedAt,
	}
}

// BunJob represents the jobs table for Bun ORM
type BunJob struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID          string     `bun:"id,pk"` // ULID as string
	Type        string     `bun:"type,notnull"`
	Status      string     `bun:"status,default:'pending'"`
	Message     string     `bun:"message,default:''"`
	Error       string     `bun:"error,nullzero"`
	Result      string     `bun:"result,nullzero"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	StartedAt   *time.Time `bun:"started_at,nullzero"`
	CompletedAt *time.Time `bun:"completed_at,nullzero"`
}

// ToJob converts BunJob to Job
func (bj *BunJob) ToJob() (*Job, error) {
	parsedULID, err := ulid.Parse(bj.ID)
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:          parsedULID,
		Type:        JobType(bj.Type),
		Status:      JobStatus(bj.Status),
		Message:     bj.Message,
		Error:       bj.Error,
		Result:      bj.Result,
		CreatedAt:   bj.CreatedAt,
		UpdatedAt:   bj.UpdatedAt,
		StartedAt:   bj.StartedAt,
		CompletedAt: bj.CompletedAt,
	}, nil
}

// FromJob converts Job to BunJob
func FromJob(job *Job) *BunJob {
	return &BunJob{
		ID:          job.ID.String(),
		Type:        string(job.Type),
		Status:      string(job.Status),
		Message:     job.Message,
		Error:       job.Error,
		Result:      job.Result,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}
