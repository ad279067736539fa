package broker

import (
	"errors"
	"fmt"

	"github.com/pario-ai/gptbroker/pkg/budget"
	"github.com/pario-ai/gptbroker/pkg/models"
	"github.com/pario-ai/gptbroker/pkg/wire"
)

var (
	// ErrDecode reports a malformed request payload.
	ErrDecode = wire.ErrDecode
	// ErrRateExceeded reports that the spend window is exhausted.
	ErrRateExceeded = budget.ErrRateExceeded
	// ErrUnknownModel reports a model with no configured price.
	ErrUnknownModel = budget.ErrUnknownModel
	// ErrUnsafePrompt reports that screening flagged the request text.
	ErrUnsafePrompt = errors.New("prompt unsafe")
	// ErrUnsafeResult reports that screening flagged the generated text.
	ErrUnsafeResult = errors.New("result unsafe")
	// ErrEmptyResult reports that the provider returned no output.
	ErrEmptyResult = errors.New("empty result")
)

// ProviderError wraps a failure from the provider or the screening service.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string { return "provider: " + e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// codeFor classifies a dispatcher failure for the response envelope.
func codeFor(err error) wire.Code {
	var pe *ProviderError
	switch {
	case errors.Is(err, ErrDecode), errors.Is(err, models.ErrInvalidRequest):
		return wire.CodeDecode
	case errors.Is(err, ErrRateExceeded):
		return wire.CodeRateExceeded
	case errors.Is(err, ErrUnsafePrompt):
		return wire.CodeUnsafePrompt
	case errors.Is(err, ErrUnsafeResult):
		return wire.CodeUnsafeResult
	case errors.Is(err, ErrEmptyResult):
		return wire.CodeEmptyResult
	case errors.Is(err, ErrUnknownModel):
		return wire.CodeUnknownModel
	case errors.As(err, &pe):
		return wire.CodeProvider
	default:
		return wire.CodeInternal
	}
}

// outcomeFor names a dispatcher failure for the audit log.
func outcomeFor(err error) string {
	switch codeFor(err) {
	case wire.CodeDecode:
		return "decode_error"
	case wire.CodeRateExceeded:
		return models.OutcomeRateExceeded
	case wire.CodeUnsafePrompt:
		return models.OutcomeUnsafePrompt
	case wire.CodeUnsafeResult:
		return models.OutcomeUnsafeResult
	case wire.CodeEmptyResult:
		return models.OutcomeEmptyResult
	case wire.CodeUnknownModel:
		return models.OutcomeUnknownModel
	case wire.CodeProvider:
		return models.OutcomeProviderErr
	default:
		return "internal_error"
	}
}

// RemoteFailure is a failure reported by a broker across the socket. It
// unwraps to both the matching sentinel and the *wire.RemoteError.
type RemoteFailure struct {
	kind   error
	remote *wire.RemoteError
}

func (e *RemoteFailure) Error() string   { return e.remote.Message }
func (e *RemoteFailure) Unwrap() []error { return []error{e.kind, e.remote} }

// fromRemote maps an envelope error back onto the local error taxonomy.
func fromRemote(re *wire.RemoteError) error {
	var kind error
	switch re.Code {
	case wire.CodeDecode:
		kind = ErrDecode
	case wire.CodeRateExceeded:
		kind = ErrRateExceeded
	case wire.CodeUnsafePrompt:
		kind = ErrUnsafePrompt
	case wire.CodeUnsafeResult:
		kind = ErrUnsafeResult
	case wire.CodeEmptyResult:
		kind = ErrEmptyResult
	case wire.CodeUnknownModel:
		kind = ErrUnknownModel
	case wire.CodeProvider:
		return &ProviderError{Err: re}
	default:
		return re
	}
	return &RemoteFailure{kind: kind, remote: re}
}

func unsafePrompt(k models.Kind) error {
	return fmt.Errorf("%w: %s", ErrUnsafePrompt, k)
}
