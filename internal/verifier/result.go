package verifier

import (
	"encoding/json"
	"fmt"

	"github.com/wolfeidau/certlane/internal/anchor"
	"github.com/wolfeidau/certlane/internal/quorum"
)

// Check is a tri-state signature check. NotClaimed means no signature was
// present, which is different from a signature that failed.
type Check string

const (
	CheckNotClaimed Check = "not_claimed"
	CheckValid      Check = "valid"
	CheckInvalid    Check = "invalid"
)

// MarshalJSON encodes valid as true, invalid as false and not_claimed as null.
func (c Check) MarshalJSON() ([]byte, error) {
	switch c {
	case CheckValid:
		return []byte("true"), nil
	case CheckInvalid:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

func (c *Check) UnmarshalJSON(b []byte) error {
	var v *bool
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("check must be a boolean or null: %w", err)
	}
	switch {
	case v == nil:
		*c = CheckNotClaimed
	case *v:
		*c = CheckValid
	default:
		*c = CheckInvalid
	}
	return nil
}

// QuorumState is the outcome of the advisory quorum check.
type QuorumState string

const (
	QuorumUnknown     QuorumState = "unknown"
	QuorumSatisfied   QuorumState = "satisfied"
	QuorumUnsatisfied QuorumState = "unsatisfied"
)

// QuorumVerdict carries the quorum state. Reasons explain an unsatisfied or
// unknown verdict; Detail is set whenever the evaluator ran.
type QuorumVerdict struct {
	State         QuorumState    `json:"state"`
	PolicyVersion string         `json:"policyVersion,omitempty"`
	Reasons       []string       `json:"reasons"`
	Detail        *quorum.Result `json:"detail,omitempty"`
}

func (q QuorumVerdict) Known() bool {
	return q.State != QuorumUnknown
}

// Result aggregates every verification step. It is computed on demand and
// never persisted.
type Result struct {
	Verified               bool           `json:"verified"`
	Fingerprint            string         `json:"fingerprint"`
	FingerprintMatch       bool           `json:"fingerprintMatch"`
	PlatformSignatureValid bool           `json:"platformSignatureValid"`
	L1SignaturesValid      Check          `json:"l1SignaturesValid"`
	L2SignatureValid       Check          `json:"l2SignatureValid"`
	Quorum                 QuorumVerdict  `json:"quorum"`
	OnChainStatus          anchor.Status  `json:"onChainStatus"`
	OnChain                *anchor.Record `json:"onChain"`
	Expired                bool           `json:"expired"`
	Errors                 []string       `json:"errors"`
}

func (r *Result) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}
