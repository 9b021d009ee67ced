package labels

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabelBuilder(t *testing.T) {
	got := NewLabelBuilder().
		WithBranch("feat/New_Cohorts").
		WithStack("alice").
		Merge(map[string]string{"team": "ingestion", KeyPurpose: "other"}).
		Build()

	assert.Equal(t, map[string]string{
		KeyPurpose:   PurposeDev,
		KeyManagedBy: ManagedByPulumi,
		KeyBranch:    "feat-new_cohorts",
		KeyStack:     "alice",
		"team":       "ingestion",
	}, got)
}

func TestLabelBuilder_BuildReturnsCopy(t *testing.T) {
	lb := NewLabelBuilder()
	first := lb.Build()
	first["mutated"] = "yes"

	assert.NotContains(t, lb.Build(), "mutated")
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"master", "master"},
		{"feat/cohorts", "feat-cohorts"},
		{"Release.2024.01", "release-2024-01"},
		{"/leading", "leading"},
		{strings.Repeat("a", 70), strings.Repeat("a", 63)},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestFilter(t *testing.T) {
	assert.Equal(t, "labels.purpose=posthog-dev", Filter())
}
