package domain

// AdvisoryLevel is the severity of a user-facing advisory.
type AdvisoryLevel string

const (
	AdvisorySuccess AdvisoryLevel = "success"
	AdvisoryInfo    AdvisoryLevel = "info"
	AdvisoryWarning AdvisoryLevel = "warning"
	AdvisoryError   AdvisoryLevel = "error"
)

// Advisory is a one-shot message for the user. How it is presented is up to
// the Notifier.
type Advisory struct {
	SessionID string        `json:"session_id,omitempty"`
	Level     AdvisoryLevel `json:"level"`
	Message   string        `json:"message"`
}
