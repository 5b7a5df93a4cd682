package queue

import (
	"strings"
	"time"
)

// Stage is a position in the conversion state machine.
type Stage string

const (
	StageReceived   Stage = "received"
	StageFulfilling Stage = "fulfilling"
	StageStripping  Stage = "stripping"
	StageConverting Stage = "converting"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// RestartMessage is recorded on jobs that were in flight when the process died.
const RestartMessage = "service restarted"

var allStages = []Stage{
	StageReceived,
	StageFulfilling,
	StageStripping,
	StageConverting,
	StageDone,
	StageFailed,
}

var stageSet = func() map[Stage]struct{} {
	set := make(map[Stage]struct{}, len(allStages))
	for _, stage := range allStages {
		set[stage] = struct{}{}
	}
	return set
}()

// AllStages returns every stage in pipeline order.
func AllStages() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages)
	return out
}

// ParseStage normalizes a user supplied stage name.
func ParseStage(value string) (Stage, bool) {
	stage := Stage(strings.ToLower(strings.TrimSpace(value)))
	_, ok := stageSet[stage]
	return stage, ok
}

// IsTerminal reports whether no further transition can happen.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// IsActive reports whether a tool stage is running.
func (s Stage) IsActive() bool {
	switch s {
	case StageFulfilling, StageStripping, StageConverting:
		return true
	}
	return false
}

// Job is a single ACSM conversion request.
type Job struct {
	ID           string
	ACSMPath     string
	ManifestHash string
	Title        string
	SourceFormat string
	TargetFormat string
	Stage        Stage
	ArtifactPath string
	ErrorKind    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   *time.Time
	DeliveredAt  *time.Time
}

// Elapsed returns the time from creation to completion, or to now while running.
func (j *Job) Elapsed(now time.Time) time.Duration {
	if j == nil || j.CreatedAt.IsZero() {
		return 0
	}
	end := now
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	if end.Before(j.CreatedAt) {
		return 0
	}
	return end.Sub(j.CreatedAt)
}

// StageEntry records when a job entered a stage.
type StageEntry struct {
	Stage     Stage
	EnteredAt time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Stages []Stage
	Limit  int
}

// HealthSummary aggregates job counts for status output.
type HealthSummary struct {
	Total     int
	Received  int
	Active    int
	Done      int
	Failed    int
	Delivered int
}

// DatabaseHealth describes the on-disk state of the job database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	TotalJobs        int
	IntegrityCheck   bool
	Error            string
}
