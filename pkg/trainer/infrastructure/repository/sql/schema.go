package sql

import (
	"time"
)

// RunEntity is the persisted row of a training run.
type RunEntity struct {
	ID              string     `gorm:"column:id;primaryKey"`
	Metric          string     `gorm:"column:metric"`
	AggregateMetric *float64   `gorm:"column:aggregate_metric"` // NULL when the aggregate is undefined.
	Degraded        bool       `gorm:"column:degraded"`
	Aborted         bool       `gorm:"column:aborted"`
	AbortReason     string     `gorm:"column:abort_reason"`
	ConfigSnapshot  string     `gorm:"column:config_snapshot"` // JSON document.
	StartTime       time.Time  `gorm:"column:start_time"`
	EndTime         *time.Time `gorm:"column:end_time"`
}

func (RunEntity) TableName() string {
	return "training_runs"
}

// IterationEntity is the persisted row of one successful iteration.
type IterationEntity struct {
	RunID          string    `gorm:"column:run_id;primaryKey"`
	IterationIndex int       `gorm:"column:iteration_index;primaryKey"`
	Resource       string    `gorm:"column:resource"`
	Strategy       string    `gorm:"column:strategy"`
	Sources        string    `gorm:"column:sources"` // JSON array of worker indexes.
	Metrics        string    `gorm:"column:metrics"` // JSON object; undefined values are null.
	Units          string    `gorm:"column:units"`   // JSON object of unit name to element count.
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (IterationEntity) TableName() string {
	return "training_iterations"
}
