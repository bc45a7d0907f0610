package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/drummonds/pdfbridge/database"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// InitializeSchedules starts the idle session sweep and the hourly job
// retention cleanup
func (serverHandler *ServerHandler) InitializeSchedules() *cron.Cron {
	c := cron.New()
	chain := cron.NewChain(cron.SkipIfStillRunning(cron.DefaultLogger)) //ensure we don't kick off another if old one is still running

	minutes := int(serverHandler.ServerConfig.SweepInterval / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	sweepJob := chain.Then(cron.FuncJob(serverHandler.sweepJobFunc))
	if _, err := c.AddJob(fmt.Sprintf("@every %dm", minutes), sweepJob); err != nil {
		Logger.Error("Unable to schedule session sweep", "error", err)
	}
	Logger.Info("Adding session sweep scheduler", "interval_minutes", minutes, "idle", serverHandler.ServerConfig.SessionIdle)

	cleanupJob := chain.Then(cron.FuncJob(serverHandler.cleanupJobFunc))
	if _, err := c.AddJob("@hourly", cleanupJob); err != nil {
		Logger.Error("Unable to schedule job cleanup", "error", err)
	}
	Logger.Info("Adding job cleanup scheduler", "retention", serverHandler.ServerConfig.JobRetention)

	c.Start()
	serverHandler.cron = c
	return c
}

// SweepIdleSessions closes every open session not accessed since now minus
// the idle timeout
func (serverHandler *ServerHandler) SweepIdleSessions(now time.Time) (int, error) {
	idle, err := serverHandler.DB.GetIdleSessions(now.Add(-serverHandler.ServerConfig.SessionIdle))
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	var result *multierror.Error
	closed := 0
	for _, session := range idle {
		if err := serverHandler.CloseSession(session.ID, "idle"); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		closed++
	}
	return closed, result.ErrorOrNil()
}

// CleanupJobs deletes finished jobs older than the retention period
func (serverHandler *ServerHandler) CleanupJobs() (int, error) {
	return serverHandler.DB.DeleteOldJobs(serverHandler.ServerConfig.JobRetention)
}

// runTrackedJob records fn as a job of jobType
func (serverHandler *ServerHandler) runTrackedJob(jobType database.JobType, message string, fn func() (int, error)) {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			Logger.Error("Panic recovered in scheduled job", "type", jobType, "panic", r)
		}
	}()

	job, err := serverHandler.DB.CreateJob(jobType, message)
	if err != nil {
		Logger.Error("Failed to create scheduled job", "type", jobType, "error", err)
		return
	}
	if err := serverHandler.DB.UpdateJobStatus(job.ID, database.JobStatusRunning, message); err != nil {
		Logger.Error("Failed to mark scheduled job running", "job", job.ID.String(), "error", err)
	}

	count, err := fn()
	if err != nil {
		Logger.Error("Scheduled job failed", "type", jobType, "count", count, "error", err)
		if jobErr := serverHandler.DB.UpdateJobError(job.ID, err.Error()); jobErr != nil {
			Logger.Error("Failed to record scheduled job failure", "job", job.ID.String(), "error", jobErr)
		}
		return
	}
	result, _ := json.Marshal(map[string]int{"count": count})
	if err := serverHandler.DB.CompleteJob(job.ID, string(result)); err != nil {
		Logger.Error("Failed to complete scheduled job", "job", job.ID.String(), "error", err)
	}
	Logger.Info("Scheduled job complete", "type", jobType, "count", count)
}

func (serverHandler *ServerHandler) sweepJobFunc() {
	serverHandler.runTrackedJob(database.JobTypeSessionSweep, "Closing idle sessions", func() (int, error) {
		return serverHandler.SweepIdleSessions(time.Now())
	})
}

func (serverHandler *ServerHandler) cleanupJobFunc() {
	serverHandler.runTrackedJob(database.JobTypeJobCleanup, "Deleting old jobs", serverHandler.CleanupJobs)
}
