package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampTokenLimit(t *testing.T) {
	assert.Equal(t, uint32(10), ClampTokenLimit(10))
	assert.Equal(t, MaxCompletionTokens, ClampTokenLimit(MaxCompletionTokens))
	assert.Equal(t, MaxCompletionTokens, ClampTokenLimit(65000))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"chat ok", ChatCompletionRequest{ModelName: "gpt-4", PromptText: "hi", CompletionTokenLimit: 5}, false},
		{"chat no model", ChatCompletionRequest{PromptText: "hi", CompletionTokenLimit: 5}, true},
		{"chat zero limit", ChatCompletionRequest{ModelName: "gpt-4", PromptText: "hi"}, true},
		{"text ok", TextCompletionRequest{PromptText: "hi", CompletionTokenLimit: 1}, false},
		{"text zero limit", TextCompletionRequest{PromptText: "hi"}, true},
		{"embedding ok", EmbeddingRequest{Texts: []string{"a"}}, false},
		{"embedding empty", EmbeddingRequest{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFingerprintBytes(t *testing.T) {
	fp := Fingerprint(0xdeadbeefcafef00d)
	assert.Equal(t, "deadbeefcafef00d", fp.String())

	back, err := FingerprintFromBytes(fp.Bytes())
	require.NoError(t, err)
	assert.Equal(t, fp, back)

	_, err = FingerprintFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "chat_completion", KindChatCompletion.String())
	assert.Equal(t, "embedding", EmbeddingResult{}.Kind().String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
