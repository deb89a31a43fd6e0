package models

// Decision values a decision handler may emit. Edge conditions route on
// these; anything outside the recognized set is normalized to notify.
const (
	DecisionRetry       = "retry"
	DecisionNotify      = "notify"
	DecisionInvestigate = "investigate"
)

// Decision is the structured output a decision handler decodes from a model
// response. Confidence is clamped to [0, 1] by the decoder.
type Decision struct {
	Decision        string   `json:"decision"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning,omitempty"`
	Urgency         string   `json:"urgency,omitempty"`
	Channels        []string `json:"notification_channels,omitempty"`
	FollowUpActions []string `json:"follow_up_actions,omitempty"`
}

// KnownDecision reports whether d is one of the recognized decision values.
func KnownDecision(d string) bool {
	switch d {
	case DecisionRetry, DecisionNotify, DecisionInvestigate:
		return true
	}
	return false
}
