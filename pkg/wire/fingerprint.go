package wire

import (
	"github.com/cespare/xxhash/v2"

	"github.com/pario-ai/gptbroker/pkg/models"
)

// fingerprintTag is mixed into every fingerprint. Bump it whenever the
// canonical request encoding changes so stale cache entries stop matching.
const fingerprintTag = "gptbroker/request/v1\x00"

// Fingerprint hashes the canonical encoding of req. Equal requests always
// produce equal fingerprints, across processes and restarts.
func Fingerprint(req models.Request) (models.Fingerprint, error) {
	enc, err := EncodeRequest(req)
	if err != nil {
		return 0, err
	}
	d := xxhash.New()
	_, _ = d.WriteString(fingerprintTag)
	_, _ = d.Write(enc)
	return models.Fingerprint(d.Sum64()), nil
}
