package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateWellFormedReport(t *testing.T) {
	res := Validate("Result: x\nFollow-up: None\nContext sources used: 1, 2", []int{1, 2})

	assert.Equal(t, StatusOK, res.Status)
	assert.Empty(t, res.Reason)
	assert.Equal(t, []int{1, 2}, res.SourcesUsed)
}

func TestValidateRejectsMissingGrounding(t *testing.T) {
	res := Validate("Result: x\nFollow-up: None\nContext sources used:", []int{1, 2})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "cite")
}

func TestValidateEmptySummary(t *testing.T) {
	for _, summary := range []string{"", "   ", "\n\t\n"} {
		res := Validate(summary, nil)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Reason, "empty")
	}
}

func TestValidateMissingResultLine(t *testing.T) {
	res := Validate("Follow-up: None\nContext sources used: 1", []int{1})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "Result:")
}

func TestValidateResultContinuationLine(t *testing.T) {
	// Result body on the next line counts as a well-formed continuation.
	res := Validate("Result:\nThe node was updated.\nFollow-up: None\nContext sources used: 3", []int{3})
	assert.Equal(t, StatusOK, res.Status)

	// A continuation that is itself a template field does not.
	res = Validate("Result:\nFollow-up: None\nContext sources used: 3", []int{3})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "Result:")
}

func TestValidateMissingFollowUp(t *testing.T) {
	res := Validate("Result: x\nContext sources used: 1", []int{1})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "Follow-up:")
}

func TestValidateMissingSourcesLine(t *testing.T) {
	res := Validate("Result: x\nFollow-up: None", nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "Context sources used:")
}

func TestValidateUnparseableSources(t *testing.T) {
	res := Validate("Result: x\nFollow-up: None\nContext sources used: one, two", []int{1})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "integer")
}

func TestValidateDeduplicatesCitedIDs(t *testing.T) {
	res := Validate("Result: x\nFollow-up: None\nContext sources used: 2, 1, 2, 1", []int{1, 2})
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, []int{2, 1}, res.SourcesUsed)
}

func TestValidateBracketedSources(t *testing.T) {
	res := Validate("Result: x\nFollow-up: None\nContext sources used: [4, 7]", []int{4})
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, []int{4, 7}, res.SourcesUsed)
}

func TestValidateEmptySourcesAllowedWithoutExpectations(t *testing.T) {
	// No capsule means an uncited report is acceptable.
	res := Validate("Result: x\nFollow-up: None\nContext sources used:", nil)
	assert.Equal(t, StatusOK, res.Status)
	assert.Empty(t, res.SourcesUsed)
}

func TestValidatePartialCitationIsEnough(t *testing.T) {
	// The worker is not required to cite all expected references.
	res := Validate("Result: x\nFollow-up: check node 9\nContext sources used: 2", []int{1, 2, 3})
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, []int{2}, res.SourcesUsed)
}
