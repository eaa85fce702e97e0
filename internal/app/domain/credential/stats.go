package credential

// PlatformStats aggregates pool observability data for one platform: how many
// credentials sit in each lifecycle state and the cumulative use counters.
type PlatformStats struct {
	Platform     Platform       `json:"platform"`
	Counts       map[Status]int `json:"counts"`
	SuccessTotal int            `json:"success_total"`
	FailureTotal int            `json:"failure_total"`
}
