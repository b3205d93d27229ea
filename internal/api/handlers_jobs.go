package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cctp-relayer/internal/models"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	relayerrors "github.com/cctp-relayer/internal/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// JobView is the wire form of a job. Binary fields are hex encoded.
type JobView struct {
	ID             int64            `json:"id"`
	Kind           models.JobKind   `json:"kind"`
	SourceChain    models.ChainRole `json:"sourceChain"`
	SourceDomain   uint32           `json:"sourceDomain"`
	SourceTxHash   string           `json:"sourceTxHash"`
	SourceBlock    uint64           `json:"sourceBlock"`
	SourceLogIndex uint             `json:"sourceLogIndex"`

	Status      models.JobStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	NextRunAt   time.Time        `json:"nextRunAt"`
	FirstSeenAt time.Time        `json:"firstSeenAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`

	IrisEventNonce  *string `json:"irisEventNonce,omitempty"`
	IrisMessage     string  `json:"irisMessage,omitempty"`
	IrisAttestation string  `json:"irisAttestation,omitempty"`

	DestChain  *models.ChainRole `json:"destChain,omitempty"`
	DestTxHash *string           `json:"destTxHash,omitempty"`

	AlertedAttestation bool    `json:"alertedAttestation"`
	AlertedRelay       bool    `json:"alertedRelay"`
	AlertedError       bool    `json:"alertedError"`
	LastError          *string `json:"lastError,omitempty"`
}

// NewJobView converts a stored job to its wire form
func NewJobView(job *models.Job) JobView {
	v := JobView{
		ID:                 job.ID,
		Kind:               job.Kind,
		SourceChain:        job.SourceChain,
		SourceDomain:       job.SourceDomain,
		SourceTxHash:       job.SourceTxHash,
		SourceBlock:        job.SourceBlock,
		SourceLogIndex:     job.SourceLogIndex,
		Status:             job.Status,
		Attempts:           job.Attempts,
		NextRunAt:          job.NextRunAt.UTC(),
		FirstSeenAt:        job.FirstSeenAt.UTC(),
		UpdatedAt:          job.UpdatedAt.UTC(),
		IrisEventNonce:     job.IrisEventNonce,
		DestChain:          job.DestChain,
		DestTxHash:         job.DestTxHash,
		AlertedAttestation: job.AlertedAttestation,
		AlertedRelay:       job.AlertedRelay,
		AlertedError:       job.AlertedError,
		LastError:          job.LastError,
	}
	if len(job.IrisMessage) > 0 {
		v.IrisMessage = hexutil.Encode(job.IrisMessage)
	}
	if len(job.IrisAttestation) > 0 {
		v.IrisAttestation = hexutil.Encode(job.IrisAttestation)
	}
	return v
}

// handleListJobs handles GET /jobs?status=&limit=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	status := models.JobStatus(query.Get("status"))
	if status != "" && !status.Valid() {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Unknown status", map[string]interface{}{
			"status": status,
		})
		return
	}

	limit := defaultListLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be a positive integer", nil)
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		limit = n
	}

	jobs, err := s.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list jobs")
		respondCategorized(w, mapStoreError(err, 0))
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, NewJobView(job))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  views,
		"count": len(views),
	})
}

// handleGetJob handles GET /jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid job id", nil)
		return
	}

	job, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		apiErr := mapStoreError(err, id)
		if apiErr.Category != relayerrors.CategoryNotFound {
			s.logger.WithError(err).Errorf("Failed to get job %d", id)
		}
		respondCategorized(w, apiErr)
		return
	}

	respondJSON(w, http.StatusOK, NewJobView(job))
}

// handleStats handles GET /stats. Every status is present, zero or not.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to count jobs")
		respondCategorized(w, mapStoreError(err, 0))
		return
	}

	byStatus := make(map[models.JobStatus]int64, len(models.AllStatuses))
	var total int64
	for _, status := range models.AllStatuses {
		byStatus[status] = counts[status]
		total += counts[status]
	}

	body := map[string]interface{}{
		"byStatus": byStatus,
		"total":    total,
	}
	if len(s.config.Components) > 0 {
		body["components"] = s.componentStats(r)
	}
	respondJSON(w, http.StatusOK, body)
}

// componentStats collects every component status. A failing component is
// reported in place and does not fail the request.
func (s *Server) componentStats(r *http.Request) map[string]interface{} {
	out := make(map[string]interface{}, len(s.config.Components))
	for name, status := range s.config.Components {
		v, err := status(r.Context())
		if err != nil {
			s.logger.WithError(err).Warnf("Component %s status failed", name)
			out[name] = map[string]string{"error": err.Error()}
			continue
		}
		out[name] = v
	}
	return out
}
