package testrun

// Category classifies a test case.
type Category string

const (
	CategorySecurity      Category = "security"
	CategoryFunctional    Category = "functional"
	CategoryPerformance   Category = "performance"
	CategoryCompatibility Category = "compatibility"
)

// Verdict is the outcome of one test case, or of a whole battery.
type Verdict string

const (
	VerdictPassed  Verdict = "passed"
	VerdictFailed  Verdict = "failed"
	VerdictSkipped Verdict = "skipped"
	VerdictError   Verdict = "error"
)

// TestSpec describes one test case to execute against a change candidate.
type TestSpec struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Expected string   `json:"expected"`
	Target   string   `json:"target"`
}

// Outcome is what a Runner reports back for one executed case.
type Outcome struct {
	Verdict Verdict `json:"verdict"`
	Actual  string  `json:"actual,omitempty"`
	Output  string  `json:"output,omitempty"`
}

// TestResult is the API-facing record of one executed case.
type TestResult struct {
	ID             string   `json:"id"`
	ChangeID       string   `json:"changeId"`
	Name           string   `json:"name"`
	Category       Category `json:"category"`
	Verdict        Verdict  `json:"verdict"`
	DurationMillis int64    `json:"durationMillis"`
	Expected       string   `json:"expected,omitempty"`
	Actual         string   `json:"actual,omitempty"`
	ErrorDetail    string   `json:"errorDetail,omitempty"`
	Output         string   `json:"output,omitempty"`
	CreatedAt      string   `json:"createdAt"` // RFC3339
}

// BatteryResult aggregates one battery run. Overall is passed iff every
// non-skipped case passed.
type BatteryResult struct {
	ChangeID string       `json:"changeId"`
	Overall  Verdict      `json:"overall"`
	Results  []TestResult `json:"results"`
}

// Counts tallies the battery by verdict.
func (b *BatteryResult) Counts() map[Verdict]int {
	counts := make(map[Verdict]int, 4)
	for _, r := range b.Results {
		counts[r.Verdict]++
	}
	return counts
}
