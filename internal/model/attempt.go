package model

import (
	"time"

	"github.com/Laisky/errors/v2"
)

// AttemptStatus is the lifecycle state of one outbound call.
// Terminal states are success, failed, skipped.
type AttemptStatus string

const (
	AttemptAvailable AttemptStatus = "available"
	AttemptPending   AttemptStatus = "pending"
	AttemptStarted   AttemptStatus = "started"
	AttemptUsed      AttemptStatus = "used"
	AttemptSuccess   AttemptStatus = "success"
	AttemptFailed    AttemptStatus = "failed"
	AttemptSkipped   AttemptStatus = "skipped"
)

// IsTerminal reports whether s is one of the three terminal attempt states.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptSuccess || s == AttemptFailed || s == AttemptSkipped
}

// Attempt is the outcome record of one outbound call on one candidate.
type Attempt struct {
	ID           int64 `gorm:"primaryKey"`
	RequestID    string `gorm:"size:64;index"`
	ProviderID   int
	EndpointID   int
	KeyID        int
	Status       AttemptStatus `gorm:"size:16;index"`
	StatusCode   *int
	LatencyMS    *int64
	ErrorType    string `gorm:"size:64"`
	ErrorMessage string `gorm:"type:text"`
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// CreateAttempt inserts a new attempt row in the `started` state.
func CreateAttempt(a *Attempt) error {
	if err := DB.Create(a).Error; err != nil {
		return errors.Wrap(err, "create attempt")
	}
	return nil
}

// FinishAttempt transitions an attempt to a terminal state with its
// outcome metadata.
func FinishAttempt(id int64, status AttemptStatus, statusCode *int, latencyMS int64, errType, errMsg string, finishedAt time.Time) error {
	err := DB.Model(&Attempt{}).Where("id = ?", id).Updates(map[string]any{
		"status":        status,
		"status_code":   statusCode,
		"latency_ms":    latencyMS,
		"error_type":    errType,
		"error_message": errMsg,
		"finished_at":   finishedAt,
	}).Error
	return errors.Wrapf(err, "finish attempt %d", id)
}

// CountAttemptsForRequest returns how many Attempt rows exist for a
// request_id, used by tests asserting per-request attempt accounting.
func CountAttemptsForRequest(requestID string) (int64, error) {
	var n int64
	err := DB.Model(&Attempt{}).Where("request_id = ?", requestID).Count(&n).Error
	return n, errors.Wrap(err, "count attempts")
}
