package httptransport

import (
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"media-jobs-service/internal/adapter"
	"media-jobs-service/internal/entity"
	"media-jobs-service/internal/service"
)

const (
	// multipart parts above this are spooled to disk by net/http
	multipartMemory = 32 << 20
	// headers and form fields on top of the file ceilings
	multipartOverhead = 1 << 20
)

type Handler struct {
	jobSvc *service.JobService
}

func NewHandler(jobSvc *service.JobService) *Handler {
	return &Handler{jobSvc: jobSvc}
}

type createJobResp struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type jobResp struct {
	JobID       string           `json:"job_id"`
	Kind        entity.JobKind   `json:"kind"`
	Status      entity.JobStatus `json:"status"`
	CreatedAt   string           `json:"created_at"`
	StartedAt   *string          `json:"started_at"`
	CompletedAt *string          `json:"completed_at"`
	Progress    int              `json:"progress"`
	Stage       string           `json:"stage,omitempty"`
	Error       *entity.JobError `json:"error"`
}

type jobSummary struct {
	JobID       string           `json:"job_id"`
	Kind        entity.JobKind   `json:"kind"`
	Status      entity.JobStatus `json:"status"`
	CreatedAt   string           `json:"created_at"`
	CompletedAt *string          `json:"completed_at"`
}

type listResp struct {
	Total int          `json:"total"`
	Jobs  []jobSummary `json:"jobs"`
}

type deleteResp struct {
	JobID            string `json:"job_id"`
	Message          string `json:"message"`
	ArtifactsRemoved bool   `json:"artifacts_removed"`
}

type languagesResp struct {
	Languages []string `json:"languages"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toJobResp(j entity.Job) jobResp {
	return jobResp{
		JobID:       j.ID.String(),
		Kind:        j.Kind,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:   formatTime(j.StartedAt),
		CompletedAt: formatTime(j.CompletedAt),
		Progress:    j.Progress.Percent,
		Stage:       j.Progress.Stage,
		Error:       j.Error,
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// CreateJob godoc
// @Summary Submit a media job
// @Description Stores the uploaded files, validates them and queues the job. Inference runs in the background; poll GET /jobs/{id}.
// @Tags jobs
// @Accept multipart/form-data
// @Produce json
// @Param kind formData string false "lip_sync (default), transcribe, translate or detect_language"
// @Param video formData file false "video file (lip_sync)"
// @Param audio formData file false "audio file (lip_sync, transcribe, detect_language)"
// @Param text formData file false "text file (translate)"
// @Param bbox_shift formData int false "lip_sync bounding box shift"
// @Param language formData string false "transcribe language code"
// @Param source_lang formData string false "translate source language"
// @Param target_lang formData string false "translate target language"
// @Success 202 {object} createJobResp
// @Failure 400 {object} apiError
// @Failure 503 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "multipart/form-data" {
		writeErr(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}

	kind := entity.JobKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	// kind may also come as a form field. Only a query kind can narrow the
	// body limit; otherwise the default kind's (largest) ceiling applies.
	spec, err := h.jobSvc.Spec(kind)
	if kind != "" && err != nil {
		writeServiceErr(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, spec.MaxUpload()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	if kind == "" {
		kind = entity.JobKind(strings.TrimSpace(r.FormValue("kind")))
	}
	spec, err = h.jobSvc.Spec(kind)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	params, err := parseParams(r)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	files := map[string]service.Upload{}
	for _, slot := range spec.Slots {
		fh := firstFile(r.MultipartForm, slot.Name)
		if fh == nil {
			continue
		}
		f, err := fh.Open()
		if err != nil {
			writeErr(w, http.StatusBadRequest, "cannot read "+slot.Name)
			return
		}
		defer f.Close()
		files[slot.Name] = service.Upload{Filename: fh.Filename, Body: f}
	}

	id, err := h.jobSvc.Submit(r.Context(), service.SubmitRequest{
		Kind:   spec.Kind,
		Params: params,
		Files:  files,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, createJobResp{
		JobID:   id.String(),
		Status:  string(entity.StatusPending),
		Message: "Job queued. Poll /jobs/" + id.String() + " for progress.",
	})
}

func firstFile(form *multipart.Form, name string) *multipart.FileHeader {
	if form == nil || len(form.File[name]) == 0 {
		return nil
	}
	return form.File[name][0]
}

func parseParams(r *http.Request) (entity.Params, error) {
	p := entity.Params{
		Language:   strings.TrimSpace(r.FormValue("language")),
		SourceLang: strings.TrimSpace(r.FormValue("source_lang")),
		TargetLang: strings.TrimSpace(r.FormValue("target_lang")),
	}
	if raw := strings.TrimSpace(r.FormValue("bbox_shift")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, entity.ValidationError("bbox_shift must be an integer")
		}
		p.BBoxShift = n
	}
	return p, nil
}

// GetJob godoc
// @Summary Get job status
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	j, err := h.jobSvc.Get(id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// ListJobs godoc
// @Summary List jobs
// @Tags jobs
// @Produce json
// @Success 200 {object} listResp
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobSvc.List()
	resp := listResp{Total: len(jobs), Jobs: make([]jobSummary, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, jobSummary{
			JobID:       j.ID.String(),
			Kind:        j.Kind,
			Status:      j.Status,
			CreatedAt:   j.CreatedAt.UTC().Format(time.RFC3339),
			CompletedAt: formatTime(j.CompletedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJobResult godoc
// @Summary Download job result
// @Tags jobs
// @Produce octet-stream
// @Param id path string true "job id (uuid)"
// @Success 200 {file} file
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id}/result [get]
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	res, err := h.jobSvc.Result(id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	f, err := os.Open(res.Path)
	if err != nil {
		writeErr(w, http.StatusNotFound, "result file not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeErr(w, http.StatusNotFound, "result file not found")
		return
	}

	w.Header().Set("Content-Type", res.MediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	http.ServeContent(w, r, res.Filename, info.ModTime(), f)
}

// DeleteJob godoc
// @Summary Clean up a job
// @Description Removes the job's files and registry entry. Repeating it is safe.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} deleteResp
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id} [delete]
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	res, err := h.jobSvc.Cleanup(id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	if !res.Found {
		writeJSON(w, http.StatusNotFound, apiError{Message: "job not found", Code: string(entity.CodeNotFound)})
		return
	}
	writeJSON(w, http.StatusOK, deleteResp{
		JobID:            id.String(),
		Message:          "job cleaned up",
		ArtifactsRemoved: res.ArtifactsRemoved,
	})
}

// CancelJob godoc
// @Summary Cancel a job
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	j, err := h.jobSvc.Cancel(id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// Health godoc
// @Summary Service health
// @Tags system
// @Produce json
// @Success 200 {object} service.Health
// @Router /health [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobSvc.Health(r.Context()))
}

// Languages godoc
// @Summary Supported language codes
// @Tags system
// @Produce json
// @Success 200 {object} languagesResp
// @Router /languages [get]
func (h *Handler) Languages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, languagesResp{Languages: h.jobSvc.Languages()})
}

type languagePairsResp struct {
	Pairs      []adapter.LanguagePair `json:"pairs"`
	TotalPairs int                    `json:"total_pairs"`
}

// LanguagePairs godoc
// @Summary Supported translation directions
// @Tags system
// @Produce json
// @Success 200 {object} languagePairsResp
// @Router /languages/pairs [get]
func (h *Handler) LanguagePairs(w http.ResponseWriter, r *http.Request) {
	pairs := h.jobSvc.LanguagePairs()
	writeJSON(w, http.StatusOK, languagePairsResp{Pairs: pairs, TotalPairs: len(pairs)})
}
