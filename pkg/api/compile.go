package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/codepit/codepit/pkg/log"
	"github.com/codepit/codepit/pkg/types"
)

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID  string             `json:"roomId"`
		UserID  string             `json:"userId"`
		Code    string             `json:"code"`
		Options *types.ExecOptions `json:"options"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := uuid.Parse(req.RoomID); err != nil {
		writeError(w, http.StatusBadRequest, "roomId must be a UUID")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var opts types.ExecOptions
	if req.Options != nil {
		opts = *req.Options
	}
	job, pos, err := s.disp.QueueJob(req.RoomID, req.UserID, req.Code, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	log.WithJobID(job.ID).Info().Str("room_id", req.RoomID).Str("user_id", req.UserID).Int("position", pos).Msg("job queued")

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":         job.ID,
		"state":         job.State,
		"queuePosition": pos,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, pos, err := s.disp.JobStatus(r.PathValue("jobId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{
		"jobId":     job.ID,
		"state":     job.State,
		"timestamp": jobTimestamp(job),
	}
	if job.State == types.JobStateQueued {
		resp["queuePosition"] = pos
	}
	if job.State.Terminal() {
		resp["result"] = jobResult(job)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if err := s.disp.CancelJob(jobID, userID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId": jobID,
		"state": types.JobStateCancelled,
	})
}

func jobTimestamp(job *types.Job) time.Time {
	if job.CompletedAt != nil {
		return *job.CompletedAt
	}
	if job.StartedAt != nil {
		return *job.StartedAt
	}
	return job.CreatedAt
}

// jobResult reshapes a settled job's stored outcome for the status
// endpoint.
func jobResult(job *types.Job) map[string]any {
	res := map[string]any{
		"success":  job.State == types.JobStateCompleted,
		"stdout":   job.Stdout,
		"stderr":   job.Stderr,
		"timedOut": job.State == types.JobStateTimeout,
	}
	if job.ExitCode != nil {
		res["exitCode"] = *job.ExitCode
	}
	if job.ExecutionTimeMs != nil {
		res["executionTimeMs"] = *job.ExecutionTimeMs
	}
	if job.MemoryBytes != nil {
		res["memoryBytes"] = *job.MemoryBytes
	}
	return res
}
