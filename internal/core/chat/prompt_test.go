package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildContextBlock(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{name: "空", chunks: nil, want: "- (no local rules found)"},
		{name: "1件", chunks: []string{"one"}, want: "- one"},
		{name: "複数件は空行区切り", chunks: []string{"one", "two"}, want: "- one\n\n- two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildContextBlock(tt.chunks))
		})
	}
}

func TestBuildUserPayload(t *testing.T) {
	got := BuildUserPayload([]string{"rule"}, "question")
	assert.Equal(t, "CONTEXT:\n- rule\n\nUSER:\nquestion", got)
}
