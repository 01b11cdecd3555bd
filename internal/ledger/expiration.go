package ledger

import "time"

// expirationDate maps an app's retention policy to a concrete expiry instant
// for a newly granted batch of tokens. nil or non-positive retention means
// the tokens never expire. The offset is calendar days from the evaluation
// instant, not day-truncated.
func expirationDate(now time.Time, retentionDays *int) *time.Time {
	if retentionDays == nil || *retentionDays <= 0 {
		return nil
	}
	t := now.AddDate(0, 0, *retentionDays)
	return &t
}

// CalculateExpirationDate applies the engine clock to the retention policy.
// Pure apart from reading the clock; no failure modes.
func (e *Engine) CalculateExpirationDate(retentionDays *int) *time.Time {
	return expirationDate(e.now(), retentionDays)
}
