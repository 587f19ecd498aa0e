package service

import "fmt"

// Record is one raw notification handed to the pipeline.
type Record struct {
	ID      string
	Key     string
	Payload []byte
	// Attempt counts earlier failed deliveries of the same payload.
	Attempt int
}

// Status is the terminal outcome of a record.
type Status int

const (
	StatusSkipped Status = iota
	StatusProcessed
	StatusFailed
)

var statusNames = map[Status]string{
	StatusSkipped:   "skipped",
	StatusProcessed: "processed",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Stage is the last pipeline step a record completed. Decoding and validation
// happen in one call, so a decoded record is either skipped or validated.
type Stage int

const (
	StageReceived Stage = iota
	StageSkipped
	StageValidated
	StageFollowersResolved
	StageFannedOut
)

var stageNames = map[Stage]string{
	StageReceived:          "received",
	StageSkipped:           "skipped",
	StageValidated:         "validated",
	StageFollowersResolved: "followers_resolved",
	StageFannedOut:         "fanned_out",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result is what happened to a single record.
type Result struct {
	RecordID  string `json:"record_id"`
	Status    Status `json:"status"`
	Stage     Stage  `json:"stage"`
	Reason    string `json:"reason,omitempty"`
	AuthorID  string `json:"author_id,omitempty"`
	PostID    string `json:"post_id,omitempty"`
	Followers int    `json:"followers"`
	Written   int    `json:"written"`
	Err       error  `json:"-"`
}

// BatchReport aggregates the results of one batch. Results[i] belongs to the i-th
// record of the batch.
type BatchReport struct {
	Results   []Result `json:"results"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
}

func newBatchReport(results []Result) BatchReport {
	report := BatchReport{Results: results}
	for _, res := range results {
		switch res.Status {
		case StatusProcessed:
			report.Processed++
		case StatusSkipped:
			report.Skipped++
		case StatusFailed:
			report.Failed++
		}
	}
	return report
}

// Failures returns the failed results.
func (r BatchReport) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}
