package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/pario-ai/gptbroker/pkg/models"
)

// Code classifies a failure reported back to a client.
type Code uint32

const (
	CodeUnknown Code = iota
	CodeDecode
	CodeRateExceeded
	CodeUnsafePrompt
	CodeUnsafeResult
	CodeProvider
	CodeEmptyResult
	CodeInternal
	CodeUnknownModel
)

var codeNames = map[Code]string{
	CodeUnknown:      "unknown",
	CodeDecode:       "decode",
	CodeRateExceeded: "rate_exceeded",
	CodeUnsafePrompt: "unsafe_prompt",
	CodeUnsafeResult: "unsafe_result",
	CodeProvider:     "provider",
	CodeEmptyResult:  "empty_result",
	CodeInternal:     "internal",
	CodeUnknownModel: "unknown_model",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", uint32(c))
}

// RemoteError is a failure reported by the broker in a response envelope.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("broker: %s: %s", e.Code, e.Message)
}

// The response envelope carries either field 1 (an encoded Result) or
// field 2 (an error message with code in field 1 and text in field 2).
const (
	fieldEnvelopeResult protowire.Number = 1
	fieldEnvelopeError  protowire.Number = 2
)

// EncodeResponse wraps a successful result in a response envelope.
func EncodeResponse(res models.Result) ([]byte, error) {
	enc, err := EncodeResult(res)
	if err != nil {
		return nil, err
	}
	return appendMessage(nil, fieldEnvelopeResult, enc), nil
}

// EncodeError wraps a failure in a response envelope.
func EncodeError(code Code, msg string) []byte {
	inner := protowire.AppendTag(nil, 1, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(code))
	inner = appendString(inner, 2, msg)
	return appendMessage(nil, fieldEnvelopeError, inner)
}

// DecodeResponse unwraps a response envelope. A failure carried by the
// envelope is returned as *RemoteError.
func DecodeResponse(b []byte) (models.Result, error) {
	var (
		result []byte
		remote *RemoteError
	)
	err := walk(b, fieldEnvelopeError, func(n protowire.Number, v []byte) error {
		if n == fieldEnvelopeResult {
			result = v
			return nil
		}
		re, err := decodeRemoteError(v)
		if err != nil {
			return err
		}
		remote = re
		return nil
	})
	if err != nil {
		return nil, err
	}
	switch {
	case remote != nil:
		return nil, remote
	case result != nil:
		return DecodeResult(result)
	default:
		return nil, fmt.Errorf("%w: empty response envelope", ErrDecode)
	}
}

func decodeRemoteError(b []byte) (*RemoteError, error) {
	re := &RemoteError{}
	err := walkTyped(b, func(n protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch n {
		case 1:
			if typ != protowire.VarintType {
				return wrongType(n, typ)
			}
			re.Code = Code(x)
		case 2:
			if typ != protowire.BytesType {
				return wrongType(n, typ)
			}
			re.Message = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return re, nil
}
