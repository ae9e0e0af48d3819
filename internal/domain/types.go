package domain

import "time"

// SharedPayload is what a share surface (mail client, browser popup) hands us.
type SharedPayload struct {
	URL          string    `json:"url"`
	Title        string    `json:"title,omitempty"`
	SelectedText string    `json:"selectedText,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusFailed     JobStatus = "failed"
)

// Overrides replace the global settings for a single job.
type Overrides struct {
	Model            string `json:"model,omitempty"`
	FromEmail        string `json:"fromEmail,omitempty"`
	ToTentativeEmail string `json:"toTentativeEmail,omitempty"`
	ToConfirmedEmail string `json:"toConfirmedEmail,omitempty"`
}

// Snapshot is the part of a job frozen at enqueue time.
type Snapshot struct {
	Tentative    bool      `json:"tentative"`
	Multiday     bool      `json:"multiday"`
	ReviewFirst  bool      `json:"reviewFirst"`
	Instructions string    `json:"instructions,omitempty"`
	Overrides    Overrides `json:"overrides"`
}

type QueueJob struct {
	ID           string        `json:"id"`
	Payload      SharedPayload `json:"payload"`
	Tentative    bool          `json:"tentative"`
	Multiday     bool          `json:"multiday"`
	ReviewFirst  bool          `json:"reviewFirst"`
	Instructions string        `json:"instructions,omitempty"`
	Overrides    Overrides     `json:"overrides"`
	Status       JobStatus     `json:"status"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

type CacheEntry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExtractedEvent uses YYYY-MM-DD dates and HH:MM times. A missing StartTime makes
// the event all-day.
type ExtractedEvent struct {
	Summary     string `json:"summary"`
	Location    string `json:"location"`
	Description string `json:"description"`
	Timezone    string `json:"timezone"`
	URL         string `json:"url"`
	StartDate   string `json:"startDate"`
	StartTime   string `json:"startTime,omitempty"`
	EndDate     string `json:"endDate,omitempty"`
	EndTime     string `json:"endTime,omitempty"`
}

func (e ExtractedEvent) AllDay() bool { return e.StartTime == "" }

type ExtractionResult struct {
	Events            []ExtractedEvent `json:"events"`
	Confidence        float64          `json:"confidence"`
	Source            string           `json:"source"`
	Model             string           `json:"model"`
	Timestamp         time.Time        `json:"timestamp"`
	NeedsReview       bool             `json:"needsReview"`
	ConfirmationToken string           `json:"confirmationToken,omitempty"`
}

// Artifact is a generated calendar file ready to attach.
type Artifact struct {
	Data        []byte `json:"data"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// Confirmation is a tentative dispatch waiting to be promoted by its token.
type Confirmation struct {
	Token     string
	JobID     string
	To        string
	From      string
	Subject   string
	TextBody  string
	Artifact  Artifact
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}
