package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states persisted in the queue store.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job kinds. A dispatch job fans out into message jobs.
const (
	KindDispatch = "dispatch"
	KindMessage  = "message"
)

// Priority classes accepted on dispatch requests.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// PriorityValue maps a priority class to its numeric weight. Higher
// values dequeue first within a scheduler cycle.
func PriorityValue(class string) int {
	switch class {
	case PriorityUrgent:
		return 20
	case PriorityHigh:
		return 15
	case PriorityNormal:
		return 10
	case PriorityLow:
		return 5
	default:
		return 10
	}
}

// PriorityClasses lists classes in dequeue order, most urgent first.
var PriorityClasses = []string{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// NormalizeClass collapses unknown classes to normal so queue bucket
// names stay bounded.
func NormalizeClass(class string) string {
	switch class {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return class
	default:
		return PriorityNormal
	}
}

// RateLimit controls pacing of a single dispatch.
type RateLimit struct {
	DelayPerMessage time.Duration `json:"delay_per_message"`
	BatchSize       int           `json:"batch_size"`
	MaxRetries      int           `json:"max_retries"`
}

// DispatchPayload is the fan-out request: one message template, many candidates.
// CandidateIDs keep caller order, duplicates included.
type DispatchPayload struct {
	SelectionID     string    `json:"selection_id"`
	ClientID        string    `json:"client_id"`
	CandidateIDs    []string  `json:"candidate_ids"`
	RateLimit       RateLimit `json:"rate_limit"`
	MessageTemplate string    `json:"message_template"`
	PriorityClass   string    `json:"priority_class"`
	RequestedBy     string    `json:"requested_by"`
}

// MessagePayload is one personalized send to one candidate.
type MessagePayload struct {
	CandidateID     string `json:"candidate_id"`
	CandidateName   string `json:"candidate_name"`
	Destination     string `json:"destination"`
	RenderedMessage string `json:"rendered_message"`
	ClientID        string `json:"client_id"`
	SelectionID     string `json:"selection_id"`
	SlotNumber      int    `json:"slot_number"`
	Attempt         int    `json:"attempt"`
	ParentJobID     string `json:"parent_job_id"`
}

// Job is the unit of work serialized as an opaque string into the queue
// lists. Payload is raw JSON decoded per kind by the processors.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// DispatchPayload decodes the payload of a dispatch job.
func (j *Job) DispatchPayload() (DispatchPayload, error) {
	var p DispatchPayload
	err := json.Unmarshal(j.Payload, &p)
	return p, err
}

// MessagePayload decodes the payload of a message job.
func (j *Job) MessagePayload() (MessagePayload, error) {
	var p MessagePayload
	err := json.Unmarshal(j.Payload, &p)
	return p, err
}

// SetMessageAttempt mirrors the job-level attempt counter into the
// message payload before a retry is re-enqueued.
func (j *Job) SetMessageAttempt(n int) error {
	p, err := j.MessagePayload()
	if err != nil {
		return err
	}
	p.Attempt = n
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	j.Payload = raw
	return nil
}

// Progress is the queryable snapshot of a dispatch job's delivery state.
// Percentage and EstimatedTimeRemaining are derived from the counters on
// read, so sent+failed <= total holds at every observation point.
type Progress struct {
	Sent                   int           `json:"sent"`
	Failed                 int           `json:"failed"`
	Total                  int           `json:"total"`
	Percentage             int           `json:"percentage"`
	Errors                 []string      `json:"errors"`
	StartTime              time.Time     `json:"start_time"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
	Status                 string        `json:"status"`
}

// ConnectionSlot is a read-only view of one messaging-channel connection.
type ConnectionSlot struct {
	SlotNumber  int  `json:"slot_number"`
	IsConnected bool `json:"is_connected"`
}

// Candidate is the resolved recipient record supplied by the host application.
type Candidate struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Destination string `json:"destination"`
}
