package models

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// MaxCompletionTokens is the ceiling applied to every completion token limit
// before a request is forwarded to the provider.
const MaxCompletionTokens uint32 = 4000

// ErrInvalidRequest is returned by Validate for structurally invalid requests.
var ErrInvalidRequest = errors.New("invalid request")

// Kind identifies a request/result variant.
type Kind int

const (
	KindChatCompletion Kind = iota + 1
	KindTextCompletion
	KindEmbedding
)

func (k Kind) String() string {
	switch k {
	case KindChatCompletion:
		return "chat_completion"
	case KindTextCompletion:
		return "text_completion"
	case KindEmbedding:
		return "embedding"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Request is one of ChatCompletionRequest, TextCompletionRequest or
// EmbeddingRequest.
type Request interface {
	Kind() Kind
	Validate() error
	isRequest()
}

// Result is one of ChatCompletionResult, TextCompletionResult or
// EmbeddingResult. Every result carries the request that produced it.
type Result interface {
	Kind() Kind
	isResult()
}

// ChatCompletionRequest asks for a chat completion from a named model.
type ChatCompletionRequest struct {
	ModelName            string
	SystemText           string
	PromptText           string
	CompletionTokenLimit uint32
}

// TextCompletionRequest asks for a plain completion from the configured text model.
type TextCompletionRequest struct {
	PromptText           string
	CompletionTokenLimit uint32
}

// EmbeddingRequest asks for one embedding vector per text.
type EmbeddingRequest struct {
	Texts []string
}

func (ChatCompletionRequest) Kind() Kind { return KindChatCompletion }
func (TextCompletionRequest) Kind() Kind { return KindTextCompletion }
func (EmbeddingRequest) Kind() Kind      { return KindEmbedding }

func (ChatCompletionRequest) isRequest() {}
func (TextCompletionRequest) isRequest() {}
func (EmbeddingRequest) isRequest()      {}

// Validate checks the request invariants.
func (r ChatCompletionRequest) Validate() error {
	if r.ModelName == "" {
		return fmt.Errorf("%w: chat completion needs a model name", ErrInvalidRequest)
	}
	if r.CompletionTokenLimit == 0 {
		return fmt.Errorf("%w: completion token limit must be positive", ErrInvalidRequest)
	}
	return nil
}

// Validate checks the request invariants.
func (r TextCompletionRequest) Validate() error {
	if r.CompletionTokenLimit == 0 {
		return fmt.Errorf("%w: completion token limit must be positive", ErrInvalidRequest)
	}
	return nil
}

// Validate checks the request invariants.
func (r EmbeddingRequest) Validate() error {
	if len(r.Texts) == 0 {
		return fmt.Errorf("%w: embedding needs at least one text", ErrInvalidRequest)
	}
	return nil
}

// ClampTokenLimit bounds a completion token limit by MaxCompletionTokens.
func ClampTokenLimit(limit uint32) uint32 {
	if limit > MaxCompletionTokens {
		return MaxCompletionTokens
	}
	return limit
}

// ChatCompletionResult is the generated message for a ChatCompletionRequest.
type ChatCompletionResult struct {
	Text    string
	Request ChatCompletionRequest
}

// TextCompletionResult is the generated text for a TextCompletionRequest.
type TextCompletionResult struct {
	Text    string
	Request TextCompletionRequest
}

// EmbeddingResult holds one vector per input text, in input order.
type EmbeddingResult struct {
	Vectors [][]float32
	Request EmbeddingRequest
}

func (ChatCompletionResult) Kind() Kind { return KindChatCompletion }
func (TextCompletionResult) Kind() Kind { return KindTextCompletion }
func (EmbeddingResult) Kind() Kind      { return KindEmbedding }

func (ChatCompletionResult) isResult() {}
func (TextCompletionResult) isResult() {}
func (EmbeddingResult) isResult()      {}

// Fingerprint is the 64-bit content hash of a Request, used as the cache key.
type Fingerprint uint64

// String renders the fingerprint as 16 hex digits.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// Bytes returns the 8-byte big-endian form stored in the cache.
func (f Fingerprint) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(f))
	return b[:]
}

// FingerprintFromBytes is the inverse of Fingerprint.Bytes.
func FingerprintFromBytes(b []byte) (Fingerprint, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("fingerprint must be 8 bytes, got %d", len(b))
	}
	return Fingerprint(binary.BigEndian.Uint64(b)), nil
}
