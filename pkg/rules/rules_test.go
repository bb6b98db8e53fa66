package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/medwire/dicomgw/pkg/types"
)

func at(hhmm string) time.Time {
	t, _ := time.Parse("15:04", hhmm)
	return time.Date(2026, 8, 26, t.Hour(), t.Minute(), 0, 0, time.UTC)
}

func TestNilRulesMatchEverything(t *testing.T) {
	assert.True(t, Matches(nil, Input{}))
	assert.True(t, Matches(nil, Input{Modalities: []string{"CT"}, CallingAETitle: "ANY"}))
}

func TestModalityFilter(t *testing.T) {
	r := &types.ForwardingRules{Modalities: []string{"CT", "MR"}}

	assert.True(t, Matches(r, Input{Modalities: []string{"CT"}}))
	assert.True(t, Matches(r, Input{Modalities: []string{"US", "MR"}}))
	assert.True(t, Matches(r, Input{Modalities: []string{"ct"}}), "modality match is case-insensitive")
	assert.False(t, Matches(r, Input{Modalities: []string{"US"}}))
	assert.False(t, Matches(r, Input{}))
}

func TestCallingAEFilter(t *testing.T) {
	r := &types.ForwardingRules{CallingAETitles: []string{"MODALITY1", "MODALITY2"}}

	assert.True(t, Matches(r, Input{CallingAETitle: "MODALITY1"}))
	assert.False(t, Matches(r, Input{CallingAETitle: "OTHER"}))
	assert.False(t, Matches(r, Input{}))
}

func TestLeafFiltersAreANDed(t *testing.T) {
	r := &types.ForwardingRules{
		Modalities:      []string{"CT"},
		CallingAETitles: []string{"MODALITY1"},
	}

	assert.True(t, Matches(r, Input{Modalities: []string{"CT"}, CallingAETitle: "MODALITY1"}))
	assert.False(t, Matches(r, Input{Modalities: []string{"CT"}, CallingAETitle: "OTHER"}))
	assert.False(t, Matches(r, Input{Modalities: []string{"MR"}, CallingAETitle: "MODALITY1"}))
}

func TestTimeWindow(t *testing.T) {
	r := &types.ForwardingRules{TimeWindow: &types.TimeWindow{Start: "08:00", End: "17:00"}}

	assert.True(t, Matches(r, Input{Now: at("08:00")}))
	assert.True(t, Matches(r, Input{Now: at("12:30")}))
	assert.False(t, Matches(r, Input{Now: at("17:00")}), "end is exclusive")
	assert.False(t, Matches(r, Input{Now: at("03:00")}))
}

func TestTimeWindowWrapsMidnight(t *testing.T) {
	r := &types.ForwardingRules{TimeWindow: &types.TimeWindow{Start: "22:00", End: "06:00"}}

	assert.True(t, Matches(r, Input{Now: at("23:30")}))
	assert.True(t, Matches(r, Input{Now: at("02:00")}))
	assert.False(t, Matches(r, Input{Now: at("12:00")}))
}

func TestMalformedTimeWindowFailsClosed(t *testing.T) {
	r := &types.ForwardingRules{TimeWindow: &types.TimeWindow{Start: "soon", End: "later"}}
	assert.False(t, Matches(r, Input{Now: at("12:00")}))
}

func TestAnyCombinator(t *testing.T) {
	r := &types.ForwardingRules{
		Any: []*types.ForwardingRules{
			{Modalities: []string{"CT"}},
			{CallingAETitles: []string{"MODALITY9"}},
		},
	}

	assert.True(t, Matches(r, Input{Modalities: []string{"CT"}}))
	assert.True(t, Matches(r, Input{CallingAETitle: "MODALITY9"}))
	assert.False(t, Matches(r, Input{Modalities: []string{"US"}, CallingAETitle: "OTHER"}))
}

func TestNotCombinator(t *testing.T) {
	r := &types.ForwardingRules{
		Not: &types.ForwardingRules{CallingAETitles: []string{"TESTSTATION"}},
	}

	assert.True(t, Matches(r, Input{CallingAETitle: "MODALITY1"}))
	assert.False(t, Matches(r, Input{CallingAETitle: "TESTSTATION"}))
}

func TestNestedTree(t *testing.T) {
	// CT during business hours, or anything from MODALITY_PRIO
	r := &types.ForwardingRules{
		Any: []*types.ForwardingRules{
			{
				All: []*types.ForwardingRules{
					{Modalities: []string{"CT"}},
					{TimeWindow: &types.TimeWindow{Start: "08:00", End: "17:00"}},
				},
			},
			{CallingAETitles: []string{"MODALITY_PRIO"}},
		},
	}

	assert.True(t, Matches(r, Input{Modalities: []string{"CT"}, Now: at("09:00")}))
	assert.False(t, Matches(r, Input{Modalities: []string{"CT"}, Now: at("20:00")}))
	assert.True(t, Matches(r, Input{CallingAETitle: "MODALITY_PRIO", Now: at("20:00")}))
}
