// Package wire implements the protobuf-compatible encoding of broker
// requests, results and response envelopes.
//
// A Request or Result is a oneof with field 1 holding a chat completion,
// field 2 a text completion and field 3 an embedding. Inner fields are
// always written in field-number order, so the encoding of a value is
// deterministic and doubles as the input to Fingerprint.
package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/pario-ai/gptbroker/pkg/models"
)

// ErrDecode is wrapped by every decoding failure.
var ErrDecode = errors.New("wire: decode")

const (
	fieldChat      protowire.Number = 1
	fieldText      protowire.Number = 2
	fieldEmbedding protowire.Number = 3
)

// EncodeRequest returns the canonical encoding of req.
func EncodeRequest(req models.Request) ([]byte, error) {
	var (
		num   protowire.Number
		inner []byte
	)
	switch r := req.(type) {
	case models.ChatCompletionRequest:
		num, inner = fieldChat, appendChatRequest(nil, r)
	case *models.ChatCompletionRequest:
		num, inner = fieldChat, appendChatRequest(nil, *r)
	case models.TextCompletionRequest:
		num, inner = fieldText, appendTextRequest(nil, r)
	case *models.TextCompletionRequest:
		num, inner = fieldText, appendTextRequest(nil, *r)
	case models.EmbeddingRequest:
		num, inner = fieldEmbedding, appendEmbeddingRequest(nil, r)
	case *models.EmbeddingRequest:
		num, inner = fieldEmbedding, appendEmbeddingRequest(nil, *r)
	default:
		return nil, fmt.Errorf("wire: unsupported request type %T", req)
	}
	return appendMessage(nil, num, inner), nil
}

// DecodeRequest parses a Request. Unknown fields are skipped.
func DecodeRequest(b []byte) (models.Request, error) {
	num, inner, err := decodeOneof(b)
	if err != nil {
		return nil, err
	}
	switch num {
	case fieldChat:
		r, err := decodeChatRequest(inner)
		if err != nil {
			return nil, err
		}
		return r, nil
	case fieldText:
		r, err := decodeTextRequest(inner)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		r, err := decodeEmbeddingRequest(inner)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// EncodeResult returns the encoding of res, including the originating request.
func EncodeResult(res models.Result) ([]byte, error) {
	var (
		num   protowire.Number
		inner []byte
	)
	switch r := res.(type) {
	case models.ChatCompletionResult:
		inner = protowire.AppendTag(nil, 1, protowire.BytesType)
		inner = protowire.AppendString(inner, r.Text)
		inner = appendMessage(inner, 2, appendChatRequest(nil, r.Request))
		num = fieldChat
	case models.TextCompletionResult:
		inner = protowire.AppendTag(nil, 1, protowire.BytesType)
		inner = protowire.AppendString(inner, r.Text)
		inner = appendMessage(inner, 2, appendTextRequest(nil, r.Request))
		num = fieldText
	case models.EmbeddingResult:
		for _, v := range r.Vectors {
			inner = appendMessage(inner, 1, appendPackedFloats(nil, v))
		}
		inner = appendMessage(inner, 2, appendEmbeddingRequest(nil, r.Request))
		num = fieldEmbedding
	default:
		return nil, fmt.Errorf("wire: unsupported result type %T", res)
	}
	return appendMessage(nil, num, inner), nil
}

// DecodeResult parses a Result produced by EncodeResult.
func DecodeResult(b []byte) (models.Result, error) {
	num, inner, err := decodeOneof(b)
	if err != nil {
		return nil, err
	}
	switch num {
	case fieldChat:
		var res models.ChatCompletionResult
		err = walk(inner, 2, func(n protowire.Number, v []byte) error {
			switch n {
			case 1:
				res.Text = string(v)
			case 2:
				req, err := decodeChatRequest(v)
				if err != nil {
					return err
				}
				res.Request = req
			}
			return nil
		})
		return res, err
	case fieldText:
		var res models.TextCompletionResult
		err = walk(inner, 2, func(n protowire.Number, v []byte) error {
			switch n {
			case 1:
				res.Text = string(v)
			case 2:
				req, err := decodeTextRequest(v)
				if err != nil {
					return err
				}
				res.Request = req
			}
			return nil
		})
		return res, err
	default:
		res := models.EmbeddingResult{Vectors: [][]float32{}}
		err = walk(inner, 2, func(n protowire.Number, v []byte) error {
			switch n {
			case 1:
				vec, err := decodePackedFloats(v)
				if err != nil {
					return err
				}
				res.Vectors = append(res.Vectors, vec)
			case 2:
				req, err := decodeEmbeddingRequest(v)
				if err != nil {
					return err
				}
				res.Request = req
			}
			return nil
		})
		return res, err
	}
}

func appendChatRequest(b []byte, r models.ChatCompletionRequest) []byte {
	b = appendString(b, 1, r.ModelName)
	b = appendString(b, 2, r.SystemText)
	b = appendString(b, 3, r.PromptText)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(r.CompletionTokenLimit))
}

func appendTextRequest(b []byte, r models.TextCompletionRequest) []byte {
	b = appendString(b, 1, r.PromptText)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(r.CompletionTokenLimit))
}

func appendEmbeddingRequest(b []byte, r models.EmbeddingRequest) []byte {
	for _, t := range r.Texts {
		b = appendString(b, 1, t)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendPackedFloats(b []byte, v []float32) []byte {
	for _, f := range v {
		b = protowire.AppendFixed32(b, math.Float32bits(f))
	}
	return b
}

func decodeChatRequest(b []byte) (models.ChatCompletionRequest, error) {
	var r models.ChatCompletionRequest
	err := walkTyped(b, func(n protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch n {
		case 1, 2, 3:
			if typ != protowire.BytesType {
				return wrongType(n, typ)
			}
			switch n {
			case 1:
				r.ModelName = string(v)
			case 2:
				r.SystemText = string(v)
			default:
				r.PromptText = string(v)
			}
		case 4:
			if typ != protowire.VarintType {
				return wrongType(n, typ)
			}
			if x > math.MaxUint32 {
				return fmt.Errorf("%w: token limit %d overflows uint32", ErrDecode, x)
			}
			r.CompletionTokenLimit = uint32(x)
		}
		return nil
	})
	return r, err
}

func decodeTextRequest(b []byte) (models.TextCompletionRequest, error) {
	var r models.TextCompletionRequest
	err := walkTyped(b, func(n protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch n {
		case 1:
			if typ != protowire.BytesType {
				return wrongType(n, typ)
			}
			r.PromptText = string(v)
		case 2:
			if typ != protowire.VarintType {
				return wrongType(n, typ)
			}
			if x > math.MaxUint32 {
				return fmt.Errorf("%w: token limit %d overflows uint32", ErrDecode, x)
			}
			r.CompletionTokenLimit = uint32(x)
		}
		return nil
	})
	return r, err
}

func decodeEmbeddingRequest(b []byte) (models.EmbeddingRequest, error) {
	r := models.EmbeddingRequest{Texts: []string{}}
	err := walk(b, 1, func(_ protowire.Number, v []byte) error {
		r.Texts = append(r.Texts, string(v))
		return nil
	})
	return r, err
}

func decodePackedFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: packed float length %d not a multiple of 4", ErrDecode, len(b))
	}
	out := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

// decodeOneof returns the single variant present in b.
func decodeOneof(b []byte) (protowire.Number, []byte, error) {
	var (
		found protowire.Number
		inner []byte
	)
	err := walk(b, fieldEmbedding, func(n protowire.Number, v []byte) error {
		if found != 0 {
			return fmt.Errorf("%w: more than one variant set", ErrDecode)
		}
		found, inner = n, v
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if found == 0 {
		return 0, nil, fmt.Errorf("%w: no variant set", ErrDecode)
	}
	return found, inner, nil
}

// walk visits every length-delimited field in b. Fields 1 through known
// must be length-delimited; anything past known is skipped.
func walk(b []byte, known protowire.Number, fn func(protowire.Number, []byte) error) error {
	return walkTyped(b, func(n protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if n > known {
			return nil
		}
		if typ != protowire.BytesType {
			return wrongType(n, typ)
		}
		return fn(n, v)
	})
}

func walkTyped(b []byte, fn func(protowire.Number, protowire.Type, []byte, uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func wrongType(n protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("%w: field %d has wire type %d", ErrDecode, n, typ)
}
