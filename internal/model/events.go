package model

// Event types published by the run controller.
const (
	EventProgress     = "progress"
	EventWaiting      = "waiting"
	EventBatchRest    = "batch_rest"
	EventLimitReached = "limit_reached"
	EventRunCompleted = "run_completed"
)

// Event is one controller notification. Fields beyond Type and AccountID
// are populated depending on the event type.
type Event struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	Run       *Run   `json:"run,omitempty"`

	// waiting
	DelaySec int  `json:"delay_sec,omitempty"`
	Warmup   bool `json:"warmup,omitempty"`
	Position int  `json:"position,omitempty"`

	// batch_rest
	RestSec    int `json:"rest_sec,omitempty"`
	BatchIndex int `json:"batch_index,omitempty"`

	// limit_reached
	Limit int `json:"limit,omitempty"`
}
