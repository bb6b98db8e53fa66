package rules

import (
	"strings"
	"time"

	"github.com/medwire/dicomgw/pkg/types"
)

// Input carries the facts a forwarding decision is made against
type Input struct {
	// Modalities holds the distinct modalities of the study's series
	Modalities []string
	// CallingAETitle is the AE that sent the study to the gateway
	CallingAETitle string
	// Now is the evaluation time for time-window filters
	Now time.Time
}

// Matches evaluates a destination's predicate tree against the input.
// A nil tree matches everything. Within one node the leaf filters AND
// together; All/Any/Not combine child nodes.
func Matches(r *types.ForwardingRules, in Input) bool {
	if r == nil {
		return true
	}

	if len(r.Modalities) > 0 && !anyModalityMatch(r.Modalities, in.Modalities) {
		return false
	}
	if len(r.CallingAETitles) > 0 && !containsFold(r.CallingAETitles, in.CallingAETitle) {
		return false
	}
	if r.TimeWindow != nil && !inWindow(r.TimeWindow, in.Now) {
		return false
	}

	for _, child := range r.All {
		if !Matches(child, in) {
			return false
		}
	}

	if len(r.Any) > 0 {
		matched := false
		for _, child := range r.Any {
			if Matches(child, in) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if r.Not != nil && Matches(r.Not, in) {
		return false
	}

	return true
}

func anyModalityMatch(allowed, have []string) bool {
	for _, m := range have {
		if containsFold(allowed, m) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// inWindow checks a daily wall-clock window. Windows may wrap midnight
// (start > end); a malformed window fails closed.
func inWindow(w *types.TimeWindow, now time.Time) bool {
	start, okStart := parseClock(w.Start)
	end, okEnd := parseClock(w.End)
	if !okStart || !okEnd {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	// Wraps midnight
	return minutes >= start || minutes < end
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
