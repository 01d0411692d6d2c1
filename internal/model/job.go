package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is one download job descriptor, written by the platform as a JSON
// file into the watch directory. The agent never writes a pending
// descriptor, it only reads them and renames them to a terminal record.
type Job struct {
	URL           string `json:"url"`
	TargetPath    string `json:"targetPath,omitempty"`
	Filename      string `json:"filename,omitempty"`
	Encrypted     bool   `json:"encrypted,omitempty"`
	EncryptionKey string `json:"encryptionKey,omitempty"` // base64, RSA-OAEP wrapped AES-256 key
}

// ParseJob decodes a job descriptor. Validation is separate, a
// descriptor with a missing url still parses so the failure can be
// recorded against the job.
func ParseJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("decoding job descriptor: %w", err)
	}
	return j, nil
}

func (j Job) Validate() error {
	if j.URL == "" {
		return ErrMissingURL
	}
	return nil
}

// Outcome is the terminal state of a job. There is no persisted
// intermediate state, a job is pending until it is completed or failed.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Suffix is the filename suffix encoding the outcome, the published
// platform contract for terminal job records.
func (o Outcome) Suffix() string {
	return "." + string(o)
}

// Record is the terminal form of a job: the original descriptor plus an
// explicit state. It replaces the pending file in one atomic rename.
type Record struct {
	Job
	State      Outcome   `json:"state"`
	FinishedAt time.Time `json:"finishedAt"`
	Failure    string    `json:"failure,omitempty"`
}
