package download

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Last-Order/Minyami-sub000/internal/hls"
)

// Range is a time window of a recording. A zero End means until the end.
type Range struct {
	Start time.Duration
	End   time.Duration
}

// String renders r in the form accepted by ParseRange.
func (r Range) String() string {
	if r.End <= 0 {
		return fmt.Sprintf("%g-", r.Start.Seconds())
	}
	return fmt.Sprintf("%g-%g", r.Start.Seconds(), r.End.Seconds())
}

// ParseRange parses "start-end" where both bounds are seconds or
// [hh:]mm:ss clock values. The end may be omitted.
func ParseRange(s string) (Range, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Range{}, fmt.Errorf("invalid range %q: expected start-end", s)
	}
	start, err := parseOffset(startStr)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range start %q: %w", startStr, err)
	}
	var end time.Duration
	if strings.TrimSpace(endStr) != "" {
		if end, err = parseOffset(endStr); err != nil {
			return Range{}, fmt.Errorf("invalid range end %q: %w", endStr, err)
		}
		if end <= start {
			return Range{}, fmt.Errorf("invalid range %q: end must be after start", s)
		}
	}
	return Range{Start: start, End: end}, nil
}

func parseOffset(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("too many fields")
	}
	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("not a non-negative number: %q", p)
		}
		total = total*60 + v
	}
	return time.Duration(total * float64(time.Second)), nil
}

// applyRange keeps the segments that overlap r.
func applyRange(segs []hls.Segment, r *Range) []hls.Segment {
	if r == nil {
		return segs
	}
	var (
		out []hls.Segment
		at  time.Duration
	)
	for _, s := range segs {
		d := time.Duration(s.Duration * float64(time.Second))
		begin, end := at, at+d
		at = end
		if r.Start > 0 && end <= r.Start {
			continue
		}
		if r.End > 0 && begin >= r.End {
			break
		}
		out = append(out, s)
	}
	return out
}
