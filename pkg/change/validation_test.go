package change

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSubmission(t *testing.T) {
	valid := func() *SecurityChange {
		c := testChange()
		c.ScheduledAt = "2026-09-01T10:00:00Z"
		return c
	}

	require.NoError(t, ValidateSubmission(valid()))

	cases := []struct {
		name   string
		mutate func(*SecurityChange)
		field  string
	}{
		{"missing title", func(c *SecurityChange) { c.Title = "" }, "Title"},
		{"unknown category", func(c *SecurityChange) { c.Category = "firmware" }, "Category"},
		{"unknown priority", func(c *SecurityChange) { c.Priority = "urgent" }, "Priority"},
		{"unknown risk level", func(c *SecurityChange) { c.RiskLevel = "extreme" }, "RiskLevel"},
		{"no affected systems", func(c *SecurityChange) { c.AffectedSystems = nil }, "AffectedSystems"},
		{"blank affected system", func(c *SecurityChange) { c.AffectedSystems = []string{""} }, "AffectedSystems[0]"},
		{"bad scheduled time", func(c *SecurityChange) { c.ScheduledAt = "tomorrow" }, "ScheduledAt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			err := ValidateSubmission(c)
			require.Error(t, err)
			verr, ok := err.(*ValidationError)
			require.True(t, ok)
			assert.Equal(t, tc.field, verr.Field)
			assert.Equal(t, CodeValidation, verr.Code())
		})
	}

	assert.Error(t, ValidateSubmission(nil))
}
