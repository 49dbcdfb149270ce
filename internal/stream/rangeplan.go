// Package stream resolves HTTP byte-range requests and serves file bytes.
package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformedRange is returned for a Range header that cannot be parsed.
	ErrMalformedRange = errors.New("malformed range")
	// ErrUnsatisfiable is returned when the requested range lies outside the file.
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// MultiRangePolicy decides how a request for several ranges is answered.
type MultiRangePolicy string

const (
	// MultiRangeReject answers multi-range requests with 416.
	MultiRangeReject MultiRangePolicy = "reject"
	// MultiRangeWhole ignores the ranges and serves the whole file.
	MultiRangeWhole MultiRangePolicy = "whole"
)

// ParseMultiRangePolicy validates a configured policy name. Empty means reject.
func ParseMultiRangePolicy(s string) (MultiRangePolicy, error) {
	switch MultiRangePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MultiRangeReject:
		return MultiRangeReject, nil
	case MultiRangeWhole:
		return MultiRangeWhole, nil
	}
	return "", fmt.Errorf("unknown multi-range policy %q (use reject or whole)", s)
}

// Plan is the byte range to send for one request. Start and End are
// inclusive offsets into a file of Total bytes.
type Plan struct {
	Start       int64
	End         int64
	Total       int64
	Satisfiable bool
	// Partial is true when the response is a 206 for a sub-range.
	Partial bool
}

// Length is the number of bytes covered by the plan.
func (p Plan) Length() int64 {
	if !p.Satisfiable {
		return 0
	}
	return p.End - p.Start + 1
}

// ContentRange returns the Content-Range header value for the plan.
func (p Plan) ContentRange() string {
	if !p.Satisfiable {
		return fmt.Sprintf("bytes */%d", p.Total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", p.Start, p.End, p.Total)
}

func wholeFile(size int64) Plan {
	return Plan{Start: 0, End: size - 1, Total: size, Satisfiable: true}
}

// Resolve plans the response for a file of size bytes and the raw Range
// header value (empty when the request carried none). The returned error is
// ErrMalformedRange or ErrUnsatisfiable whenever the plan is not satisfiable.
func Resolve(size int64, header string, policy MultiRangePolicy) (Plan, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return wholeFile(size), nil
	}
	unsat := Plan{Total: size}

	unit, spec, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return unsat, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}

	parts := strings.Split(spec, ",")
	if len(parts) > 1 {
		if policy == MultiRangeWhole {
			return wholeFile(size), nil
		}
		return unsat, fmt.Errorf("%w: multiple ranges", ErrUnsatisfiable)
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(parts[0]), "-")
	if !ok {
		return unsat, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	// Suffix form: bytes=-N is the last N bytes.
	if startStr == "" {
		n, err := parseOffset(endStr)
		if err != nil {
			return unsat, fmt.Errorf("%w: %q", ErrMalformedRange, header)
		}
		if n == 0 || size == 0 {
			return unsat, fmt.Errorf("%w: %q", ErrUnsatisfiable, header)
		}
		start := size - n
		if start < 0 {
			start = 0
		}
		return Plan{Start: start, End: size - 1, Total: size, Satisfiable: true, Partial: true}, nil
	}

	start, err := parseOffset(startStr)
	if err != nil {
		return unsat, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	end := size - 1
	if endStr != "" {
		end, err = parseOffset(endStr)
		if err != nil {
			return unsat, fmt.Errorf("%w: %q", ErrMalformedRange, header)
		}
		if start > end {
			return unsat, fmt.Errorf("%w: %q", ErrUnsatisfiable, header)
		}
		if end > size-1 {
			end = size - 1
		}
	}
	if start >= size {
		return unsat, fmt.Errorf("%w: %q", ErrUnsatisfiable, header)
	}
	return Plan{Start: start, End: end, Total: size, Satisfiable: true, Partial: true}, nil
}

func parseOffset(s string) (int64, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(s, 10, 64)
}
