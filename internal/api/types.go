package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// ErrorDescriptor is the stable failure shape of a job.
type ErrorDescriptor struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job describes a conversion job in a transport-friendly format.
type Job struct {
	ID           string           `json:"job_id"`
	Title        string           `json:"title"`
	SourceFormat string           `json:"source_format"`
	TargetFormat string           `json:"target_format"`
	Stage        string           `json:"stage"`
	Steps        []string         `json:"steps"`
	Artifact     string           `json:"artifact,omitempty"`
	Error        *ErrorDescriptor `json:"error,omitempty"`
	CreatedAt    string           `json:"created_at,omitempty"`
	FinishedAt   string           `json:"finished_at,omitempty"`
	DeliveredAt  string           `json:"delivered_at,omitempty"`
	Elapsed      float64          `json:"elapsed"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID string `json:"job_id"`
	Stage string `json:"stage"`
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// ActivationStatus reports the ADEPT device activation.
type ActivationStatus struct {
	Dir      string `json:"dir"`
	Present  bool   `json:"present"`
	DeviceID string `json:"device_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// RegistryStatus reports job admission occupancy.
type RegistryStatus struct {
	Limit   int `json:"limit"`
	Running int `json:"running"`
	Waiting int `json:"waiting"`
}

// WorkspaceStatus describes a workspace held by a running job.
type WorkspaceStatus struct {
	JobID   string `json:"job_id"`
	Path    string `json:"path"`
	Created string `json:"created"`
}

// JobCounts summarizes stored jobs by outcome.
type JobCounts struct {
	Total     int `json:"total"`
	Received  int `json:"received"`
	Active    int `json:"active"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Delivered int `json:"delivered"`
}

// Status aggregates daemon runtime information for API consumers.
type Status struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	DatabasePath string             `json:"database_path"`
	LockPath     string             `json:"lock_path"`
	OutputDir    string             `json:"output_dir"`
	Activation   ActivationStatus   `json:"activation"`
	Registry     RegistryStatus     `json:"registry"`
	Jobs         JobCounts          `json:"jobs"`
	Dependencies []DependencyStatus `json:"dependencies"`
	Workspaces   []WorkspaceStatus  `json:"workspaces"`
}

// BookFile is one artifact of a library book.
type BookFile struct {
	Name     string `json:"name"`
	Format   string `json:"format"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

// Book is an entry of the output library listing.
type Book struct {
	Stem    string     `json:"stem"`
	Files   []BookFile `json:"files"`
	HasEPUB bool       `json:"has_epub"`
	Cover   string     `json:"cover,omitempty"`
	Updated string     `json:"updated"`
}

// BookListResponse wraps the library listing.
type BookListResponse struct {
	Books []Book `json:"books"`
}
