package models

import "time"

// RunStatus is the lifecycle state of the import pipeline
type RunStatus string

const (
	StatusIdle                RunStatus = "idle"
	StatusRunning             RunStatus = "running"
	StatusCompleted           RunStatus = "completed"
	StatusCompletedWithErrors RunStatus = "completed_with_errors"
	StatusError               RunStatus = "error"
)

// NotificationSettings controls which emails are sent and to whom
type NotificationSettings struct {
	EmailEnabled        bool   `json:"email_enabled"`
	NotifyOnFailures    bool   `json:"notify_on_failures"`
	NotifyOnNewProducts bool   `json:"notify_on_new_products"`
	Email               string `json:"email"`
}

// DefaultNotificationSettings enables every notification for the given address
func DefaultNotificationSettings(email string) NotificationSettings {
	return NotificationSettings{
		EmailEnabled:        true,
		NotifyOnFailures:    true,
		NotifyOnNewProducts: true,
		Email:               email,
	}
}

// RunState is the persisted control data for feed progression
type RunState struct {
	LastFileNumber    int                  `json:"last_file_number"`
	Status            RunStatus            `json:"status"`
	ClaimedAt         *time.Time           `json:"claimed_at,omitempty"`
	LastImportTime    *time.Time           `json:"last_import_time,omitempty"`
	PreventAutoImport bool                 `json:"prevent_auto_import"`
	ResetPerformedAt  *time.Time           `json:"reset_performed_at,omitempty"`
	Notifications     NotificationSettings `json:"notifications"`
}

// ClaimExpired reports whether a running claim has gone without a heartbeat
// for longer than lease. A lease of zero never expires. A running status
// without a claim time predates leases and counts as expired.
func (s RunState) ClaimExpired(now time.Time, lease time.Duration) bool {
	if s.Status != StatusRunning || lease <= 0 {
		return false
	}
	return s.ClaimedAt == nil || now.Sub(*s.ClaimedAt) > lease
}

// ImportLogEntry records the outcome of one file import attempt
type ImportLogEntry struct {
	ID           string    `json:"id"`
	FileName     string    `json:"file_name"`
	ImportedAt   time.Time `json:"imported_at"`
	Imported     int       `json:"imported"`
	Updated      int       `json:"updated"`
	Failed       int       `json:"failed"`
	Status       RunStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
}
