package store

import (
	"math"
	"time"
)

// rateLimitRow is the persisted fixed window of one (subject, action class) pair.
type rateLimitRow struct {
	SubjectID   int64     `gorm:"primaryKey;autoIncrement:false"`
	ActionClass string    `gorm:"primaryKey;size:64"`
	Hits        int64     `gorm:"not null;default:0"`
	WindowStart time.Time `gorm:"not null"`
	WindowMs    int64     `gorm:"not null"`
	HitLimit    int64     `gorm:"not null"`
	UpdatedAt   time.Time
}

func (rateLimitRow) TableName() string { return "rate_limits" }

// usageRow aggregates usage of one (action class, action id, scope) triple.
// TotalDuration is stored in seconds.
type usageRow struct {
	ActionClass   string    `gorm:"primaryKey;size:64"`
	ActionID      string    `gorm:"primaryKey;size:100"`
	ScopeID       int64     `gorm:"primaryKey;autoIncrement:false"`
	Count         int64     `gorm:"not null;default:0;index"`
	TotalDuration float64   `gorm:"not null;default:0"`
	FailureCount  int64     `gorm:"not null;default:0"`
	LastUsed      time.Time `gorm:"not null"`
}

func (usageRow) TableName() string { return "interaction_stats" }

// logRow is one entry of the interaction log. Duration is stored in seconds.
type logRow struct {
	ID          string    `gorm:"primaryKey;size:36"`
	ActionClass string    `gorm:"not null;size:64;index:idx_interaction_logs_class_scope"`
	ActionID    string    `gorm:"not null;size:100"`
	SubjectID   int64     `gorm:"not null;index"`
	ScopeID     int64     `gorm:"not null;index:idx_interaction_logs_class_scope"`
	ExecutedAt  time.Time `gorm:"not null;index"`
	Duration    float64   `gorm:"not null;default:0"`
	Success     bool      `gorm:"not null"`
	ErrorType   *string   `gorm:"size:100"`
	Status      string    `gorm:"not null;size:16;default:pending"`
}

func (logRow) TableName() string { return "interaction_logs" }

func fromSeconds(secs float64) time.Duration {
	return time.Duration(math.Round(secs * float64(time.Second)))
}

func (r rateLimitRow) entry() *RateLimitEntry {
	return &RateLimitEntry{
		Hits:        r.Hits,
		WindowStart: r.WindowStart,
		Window:      time.Duration(r.WindowMs) * time.Millisecond,
		Limit:       r.HitLimit,
	}
}

func (r usageRow) record() UsageRecord {
	return UsageRecord{
		UsageKey: UsageKey{
			ActionClass: r.ActionClass,
			ActionID:    r.ActionID,
			ScopeID:     r.ScopeID,
		},
		Count:         r.Count,
		TotalDuration: fromSeconds(r.TotalDuration),
		FailureCount:  r.FailureCount,
		LastUsed:      r.LastUsed,
	}
}

func newLogRow(rec LogRecord) logRow {
	row := logRow{
		ID:          rec.ID,
		ActionClass: rec.ActionClass,
		ActionID:    rec.ActionID,
		SubjectID:   rec.SubjectID,
		ScopeID:     rec.ScopeID,
		ExecutedAt:  rec.Timestamp,
		Duration:    rec.Duration.Seconds(),
		Success:     rec.Success,
		Status:      string(rec.Status),
	}
	if rec.ErrorKind != "" {
		row.ErrorType = &rec.ErrorKind
	}
	if row.Status == "" {
		row.Status = string(LogPending)
	}
	return row
}

func (r logRow) record() LogRecord {
	rec := LogRecord{
		ID:          r.ID,
		ActionClass: r.ActionClass,
		ActionID:    r.ActionID,
		SubjectID:   r.SubjectID,
		ScopeID:     r.ScopeID,
		Timestamp:   r.ExecutedAt,
		Duration:    fromSeconds(r.Duration),
		Success:     r.Success,
		Status:      LogStatus(r.Status),
	}
	if r.ErrorType != nil {
		rec.ErrorKind = *r.ErrorType
	}
	return rec
}
