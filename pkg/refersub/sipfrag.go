package refersub

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// parseSipfragStatusCode extracts the SIP status code from a NOTIFY
// body of type message/sipfrag. The first line is of the form
// "SIP/2.0 200 OK"; returns 0 if it cannot be parsed.
func parseSipfragStatusCode(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	firstLine, _, _ := bytes.Cut(body, []byte("\n"))
	parts := strings.Fields(string(firstLine))
	if len(parts) < 2 {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}

// formatSipfrag renders the minimal status-line body REFER NOTIFYs
// carry to report progress of the referenced request.
func formatSipfrag(statusCode int, reason string) []byte {
	if reason == "" {
		reason = defaultReasonFor(statusCode)
	}
	return []byte(fmt.Sprintf("SIP/2.0 %d %s\r\n", statusCode, reason))
}

func defaultReasonFor(statusCode int) string {
	switch statusCode {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 408:
		return "Request Timeout"
	case 487:
		return "Request Terminated"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
