package resilience

import "time"

// Error types recorded on dead-letter entries.
const (
	ErrorTypeTransient = "transient"
	ErrorTypePermanent = "permanent"
)

// DLQEntry is a pipeline stage job that exhausted its retries.
type DLQEntry struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	MenuID       string    `json:"menu_id,omitempty"`
	RestaurantID string    `json:"restaurant_id,omitempty"`
	Stage        string    `json:"stage"`
	Trigger      string    `json:"trigger,omitempty"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
}

// DLQFilter specifies criteria for listing dead-lettered jobs.
type DLQFilter struct {
	RunID     string `json:"run_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ClassifyError categorizes err as transient or permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}
