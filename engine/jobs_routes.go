package engine

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"

	"github.com/drummonds/pdfbridge/database"
)

const maxJobPage = 100

// jobResponse inlines a job's JSON result instead of returning it as a string
type jobResponse struct {
	database.Job
	Result json.RawMessage `json:"result,omitempty"`
}

func toJobResponses(jobs []database.Job) []jobResponse {
	responses := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		response := jobResponse{Job: job}
		if job.Result != "" && json.Valid([]byte(job.Result)) {
			response.Result = json.RawMessage(job.Result)
		}
		responses = append(responses, response)
	}
	return responses
}

// GetJob returns one render or maintenance job
// @Summary Get job by ID
// @Description Render jobs carry the session, page, size and format of the render as their result
// @Tags Jobs
// @Produce json
// @Param id path string true "Job ID (ULID)"
// @Success 200 {object} database.Job "Job details"
// @Failure 400 {object} map[string]interface{} "Invalid job ID"
// @Failure 404 {object} map[string]interface{} "Job not found"
// @Router /jobs/{id} [get]
func (serverHandler *ServerHandler) GetJob(c echo.Context) error {
	jobID, err := ulid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "Invalid job ID format")
	}

	job, err := serverHandler.DB.GetJob(jobID)
	if err != nil {
		Logger.Debug("Failed to get job", "jobID", jobID.String(), "error", err)
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, toJobResponses([]database.Job{*job})[0])
}

// GetRecentJobs pages through jobs, newest first
// @Summary List jobs
// @Tags Jobs
// @Produce json
// @Param limit query int false "Page size, 1 to 100 (default: 20)"
// @Param offset query int false "Jobs to skip (default: 0)"
// @Param type query string false "render, session_sweep or job_cleanup"
// @Success 200 {array} database.Job "Jobs"
// @Failure 400 {object} map[string]interface{} "Bad paging or type"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /jobs [get]
func (serverHandler *ServerHandler) GetRecentJobs(c echo.Context) error {
	limit, err := queryInt(c, "limit", 20)
	if err != nil || limit <= 0 || limit > maxJobPage {
		return badRequest(c, "limit must be between 1 and 100")
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		return badRequest(c, "offset must not be negative")
	}

	jobType := database.JobType(c.QueryParam("type"))
	switch jobType {
	case "", database.JobTypeRender, database.JobTypeSessionSweep, database.JobTypeJobCleanup:
	default:
		return badRequest(c, "Unknown job type")
	}

	jobs, err := serverHandler.DB.GetRecentJobs(jobType, limit, offset)
	if err != nil {
		Logger.Error("Failed to list jobs", "type", jobType, "error", err)
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, toJobResponses(jobs))
}

// GetActiveJobs lists pending and running jobs, mostly renders waiting on the render limit
// @Summary Get active jobs
// @Tags Jobs
// @Produce json
// @Success 200 {array} database.Job "Pending and running jobs"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /jobs/active [get]
func (serverHandler *ServerHandler) GetActiveJobs(c echo.Context) error {
	jobs, err := serverHandler.DB.GetActiveJobs()
	if err != nil {
		Logger.Error("Failed to list active jobs", "error", err)
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, toJobResponses(jobs))
}
