package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractMarkers(t *testing.T) {
	known := []string{"READY_FOR_QA", "READY_FOR_REVIEW", "BLOCKED", "PASS", "BAZINGA"}

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"empty", "", nil},
		{"single", "Status: READY_FOR_REVIEW", []string{"READY_FOR_REVIEW"}},
		{"markdown", "**READY_FOR_QA**\n\nAll tests pass.", []string{"READY_FOR_QA"}},
		{"order and dedupe", "BLOCKED on db. Later PASS. BLOCKED again.", []string{"BLOCKED", "PASS"}},
		{"prefix is not a match", "READY_FOR_QA_LATER", nil},
		{"lowercase ignored", "ready_for_qa", nil},
		{"unknown tokens dropped", "WEIRD_CODE and BAZINGA!", []string{"BAZINGA"}},
		{"embedded in word", "xPASSx", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMarkers(tt.text, known))
		})
	}
}

func TestContainsMarker(t *testing.T) {
	assert.True(t, ContainsMarker("done. BAZINGA", "BAZINGA"))
	assert.False(t, ContainsMarker("BAZINGAS", "BAZINGA"))
	assert.False(t, ContainsMarker("anything", ""))
}
