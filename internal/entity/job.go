package entity

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition enforces pending -> processing -> {completed|failed},
// with pending -> failed for jobs that never got admitted.
func (s JobStatus) CanTransition(to JobStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

type JobKind string

const (
	KindLipSync    JobKind = "lip_sync"
	KindTranscribe JobKind = "transcribe"
	KindTranslate  JobKind = "translate"
	// KindDetectLanguage identifies the spoken language of an audio clip.
	KindDetectLanguage JobKind = "detect_language"
)

// Input slot names used in multipart submissions and Job.Inputs.
const (
	SlotVideo = "video"
	SlotAudio = "audio"
	SlotText  = "text"
)

type Params struct {
	BBoxShift  int    `json:"bbox_shift,omitempty"`
	Language   string `json:"language,omitempty"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang,omitempty"`
}

// Args renders params as key/value pairs for model programs. Empty values are skipped.
func (p Params) Args(kind JobKind) map[string]string {
	out := map[string]string{}
	switch kind {
	case KindLipSync:
		out["bbox_shift"] = strconv.Itoa(p.BBoxShift)
	case KindTranscribe:
		if p.Language != "" {
			out["language"] = p.Language
		}
	case KindTranslate:
		out["source_lang"] = p.SourceLang
		out["target_lang"] = p.TargetLang
	}
	return out
}

type Progress struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
}

type Job struct {
	ID          uuid.UUID         `json:"id"`
	Kind        JobKind           `json:"kind"`
	Status      JobStatus         `json:"status"`
	Params      Params            `json:"params"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	OutputRef   string            `json:"output_ref,omitempty"`
	Error       *JobError         `json:"error,omitempty"`
	Progress    Progress          `json:"progress"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	// Revision counts committed mutations, starting at 1 on creation.
	// Observers use it to drop snapshots older than one already seen.
	Revision uint64 `json:"revision"`
}

// Clone returns a deep copy safe to hand out to readers.
func (j Job) Clone() Job {
	out := j
	if j.Inputs != nil {
		out.Inputs = make(map[string]string, len(j.Inputs))
		for k, v := range j.Inputs {
			out.Inputs[k] = v
		}
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
