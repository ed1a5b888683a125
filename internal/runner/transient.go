package runner

import (
	"regexp"
	"strings"
)

// transientPatterns match error text from upstream providers that is worth
// retrying: timeouts, rate limits, and server-side outages. Anything else
// (validation failures, 4xx, missing upstream data) fails the item on first
// occurrence.
var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`),
	regexp.MustCompile(`(?i)rate limit|too many requests|quota exceeded`),
	regexp.MustCompile(`(?i)status (429|5\d\d)`),
	regexp.MustCompile(`(?i)connection (reset|refused)`),
	regexp.MustCompile(`(?i)temporarily unavailable|service unavailable`),
	regexp.MustCompile(`(?i)\bEOF\b`),
}

// Retryable is the transience predicate: a pure function of the error text
// and the item's current retry count. True means put the item back to
// pending; false means fail it permanently. retryCount counts prior retries,
// so an item is attempted at most cap times in total.
func Retryable(errMsg string, retryCount, cap int) bool {
	if retryCount+1 >= cap {
		return false
	}
	msg := strings.TrimSpace(errMsg)
	for _, p := range transientPatterns {
		if p.MatchString(msg) {
			return true
		}
	}
	return false
}
