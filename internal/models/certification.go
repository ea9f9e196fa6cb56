package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SignatureAlgorithm is the label recorded in every signature block.
const SignatureAlgorithm = "ECDSA-secp256k1-personal_sign"

// CertificationPackage is the portable, content-addressed unit of trust.
// Its fingerprint covers every field except Signatures and Anchor.
type CertificationPackage struct {
	Certificate Certificate `json:"certificate"`
	Subject     Subject     `json:"subject"`
	Audit       Audit       `json:"audit"`
	Policy      Policy      `json:"policy"`
	Signatures  Signatures  `json:"signatures"`
	Anchor      Anchor      `json:"anchor"`
}

type Certificate struct {
	ID         uuid.UUID  `json:"id"`
	SubjectID  string     `json:"subjectId"`
	IssuedAt   time.Time  `json:"issuedAt"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	Supersedes *string    `json:"supersedes"`
}

// Subject is a hashed description of the certified record. It never carries
// raw user content.
type Subject struct {
	SubjectFingerprint string   `json:"subjectFingerprint"`
	Mode               string   `json:"mode"`
	ParticipantCount   int      `json:"participantCount"`
	ParticipantRoles   []string `json:"participantRoles"`
	ToolCount          int      `json:"toolCount"`
	ConstraintCount    int      `json:"constraintCount"`
}

type Audit struct {
	VerdictCount         int    `json:"verdictCount"`
	ApproveCount         int    `json:"approveCount"`
	BlockCount           int    `json:"blockCount"`
	L1AuditorFingerprint string `json:"l1AuditorFingerprint"`
	SecondaryReportID    string `json:"secondaryReportId"`
	SecondaryVerdict     string `json:"secondaryVerdict"`
	L2AuditorFingerprint string `json:"l2AuditorFingerprint"`
}

type Policy struct {
	CertVersion          string               `json:"certVersion"`
	ChecklistVersion     string               `json:"checklistVersion"`
	PlatformVersion      string               `json:"platformVersion"`
	SchemaVersion        string               `json:"schemaVersion"`
	AuditPolicyVersion   string               `json:"auditPolicyVersion"`
	ToolchainFingerprint ToolchainFingerprint `json:"toolchainFingerprint"`
}

// ToolchainFingerprint records the software and model versions active during
// the certified process.
type ToolchainFingerprint struct {
	PlatformTag      string            `json:"platformTag"`
	AgentVersions    map[string]string `json:"agentVersions"`
	ModelIdentifiers map[string]string `json:"modelIdentifiers"`
	Hash             string            `json:"hash"`
}

type Signatures struct {
	Platform   SignatureBlock   `json:"platform"`
	L1Auditors []SignatureBlock `json:"l1Auditors"`
	L2Auditor  SignatureBlock   `json:"l2Auditor"`
}

// SignatureBlock holds one party's signature over the package fingerprint.
// Nil fields serialize as JSON null and mean "not signed".
type SignatureBlock struct {
	Algorithm    string  `json:"algorithm"`
	PublicKeyHex *string `json:"publicKeyHex"`
	SignatureHex *string `json:"signatureHex"`
}

// IsEmpty reports whether the block is missing a key or a signature.
func (b SignatureBlock) IsEmpty() bool {
	return b.PublicKeyHex == nil || *b.PublicKeyHex == "" ||
		b.SignatureHex == nil || *b.SignatureHex == ""
}

type Anchor struct {
	ChainID         int64   `json:"chainId"`
	ContractAddress string  `json:"contractAddress"`
	TransactionHash *string `json:"transactionHash"`
	BlockNumber     *uint64 `json:"blockNumber"`
	Fingerprint     string  `json:"fingerprint"`
}

// IsAnchored reports whether an on-chain registration has been recorded.
func (a Anchor) IsAnchored() bool {
	return a.TransactionHash != nil && *a.TransactionHash != ""
}

// Clone returns a deep copy of the package via its JSON form.
func (p *CertificationPackage) Clone() (*CertificationPackage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out CertificationPackage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CertificationStatus is the off-chain lifecycle state of a stored package.
type CertificationStatus string

const (
	CertificationStatusIssued     CertificationStatus = "issued"
	CertificationStatusAnchored   CertificationStatus = "anchored"
	CertificationStatusRevoked    CertificationStatus = "revoked"
	CertificationStatusSuperseded CertificationStatus = "superseded"
)

// Certification is the stored row for an issued package. PackageData holds the
// (possibly sealed) package JSON.
type Certification struct {
	Fingerprint      string
	CertificateID    uuid.UUID
	SubjectID        string
	Status           CertificationStatus
	PackageData      []byte
	SupersededBy     *string
	RevocationReason *string
	RevocationDetail *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
