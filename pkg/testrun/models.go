package testrun

import "time"

// TestResultRecord is the persisted form of one executed test case.
// Records are immutable once written and owned by exactly one change.
type TestResultRecord struct {
	ID             string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	ChangeID       string    `gorm:"column:change_id;index:idx_results_change;not null"`
	Name           string    `gorm:"column:name;not null"`
	Category       string    `gorm:"column:category;not null"`
	Verdict        string    `gorm:"column:verdict;not null"`
	DurationMillis int64     `gorm:"column:duration_millis"`
	Expected       string    `gorm:"column:expected"`
	Actual         string    `gorm:"column:actual"`
	ErrorDetail    string    `gorm:"column:error_detail"`
	Output         string    `gorm:"column:output"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (TestResultRecord) TableName() string { return "test_results" }

// ToAPI converts the record to its API representation.
func (r *TestResultRecord) ToAPI() TestResult {
	return TestResult{
		ID:             r.ID,
		ChangeID:       r.ChangeID,
		Name:           r.Name,
		Category:       Category(r.Category),
		Verdict:        Verdict(r.Verdict),
		DurationMillis: r.DurationMillis,
		Expected:       r.Expected,
		Actual:         r.Actual,
		ErrorDetail:    r.ErrorDetail,
		Output:         r.Output,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
	}
}
