package relay

import (
	"regexp"
	"strconv"
)

// Bridges have been observed to misreport the outer status while the
// real upstream code sits in the message text. These patterns pull an
// embedded code out of free text; the scan is best-effort enrichment,
// never a source of truth.
var statusPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bHTTP\s+(\d{3})\b`),
	regexp.MustCompile(`(?i)status\s*code\D{0,3}(\d{3})`),
	regexp.MustCompile(`"code"\s*:\s*(\d{3})`),
}

// CorrectStatus scans message for an embedded HTTP status and prefers
// it over the reported one when the embedded code is in the error
// range. With no match the reported status is returned unchanged.
func CorrectStatus(reported int, message string) int {
	for _, re := range statusPatterns {
		m := re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		code, err := strconv.Atoi(m[1])
		if err == nil && code >= 400 && code <= 599 {
			return code
		}
	}
	return reported
}
