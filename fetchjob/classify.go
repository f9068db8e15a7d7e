package fetchjob

import (
	"net/http"
	"strconv"
	"strings"

	"gitlab.com/texpen/fetchcore/modules"
)

// classKind is the tagged variant over a ranged request's outcome, resolved
// before any streaming begins.
type classKind int

const (
	kindStart classKind = iota
	kindResumed206
	kindResumedReset200
	kindCompleted416
	kindRestartFrom416
)

// classification carries the resolved variant plus the data the rest of the
// state machine needs to act on it.
type classification struct {
	kind       classKind
	totalBytes uint64
	validator  string
}

// classifyResponse resolves resp, issued with startByte already in hand,
// into the tagged variant described in classKind. Any status other than
// 200, 206 or 416 is reported directly as modules.ErrHTTPStatus.
func classifyResponse(startByte uint64, resp *http.Response) (classification, error) {
	validator := resp.Header.Get("ETag")

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total := startByte + uint64(resp.ContentLength)
		if n, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
			total = n
		}
		return classification{kind: kindResumed206, totalBytes: total, validator: validator}, nil

	case http.StatusOK:
		if startByte == 0 {
			return classification{kind: kindStart, totalBytes: uint64(resp.ContentLength), validator: validator}, nil
		}
		// The server ignored our Range header; the caller must restart
		// accounting from zero and consume this same response body.
		return classification{kind: kindResumedReset200, totalBytes: uint64(resp.ContentLength), validator: validator}, nil

	case http.StatusRequestedRangeNotSatisfiable:
		// Equality means every byte we hold was actually accepted by the
		// server as part of a resource of that exact size: already done.
		// Any mismatch, in either direction, means our local accounting
		// cannot be trusted and the resource must be fetched from zero.
		n, _ := contentRangeTotal(resp.Header.Get("Content-Range"))
		if startByte == n {
			return classification{kind: kindCompleted416, totalBytes: n, validator: validator}, nil
		}
		return classification{kind: kindRestartFrom416, totalBytes: n, validator: validator}, nil

	default:
		return classification{}, modules.ErrHTTPStatus{Status: resp.StatusCode}
	}
}

// contentRangeTotal extracts N from a Content-Range value of the form
// "bytes start-end/N" or "bytes */N".
func contentRangeTotal(headerValue string) (uint64, bool) {
	idx := strings.LastIndex(headerValue, "/")
	if idx < 0 || idx+1 >= len(headerValue) {
		return 0, false
	}
	n, err := strconv.ParseUint(headerValue[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
