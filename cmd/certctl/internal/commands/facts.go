package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/certlane/internal/builder"
)

// FactsFile is the YAML (or JSON) document describing one certified session.
// Chain settings come from the ledger flags, not the file.
type FactsFile struct {
	SubjectID        string   `yaml:"subject_id"`
	SubjectContract  any      `yaml:"subject_contract"`
	Mode             string   `yaml:"mode"`
	ParticipantCount int      `yaml:"participant_count"`
	ParticipantRoles []string `yaml:"participant_roles"`
	ToolCount        int      `yaml:"tool_count"`
	ConstraintCount  int      `yaml:"constraint_count"`

	VerdictCount      int      `yaml:"verdict_count"`
	ApproveCount      int      `yaml:"approve_count"`
	BlockCount        int      `yaml:"block_count"`
	L1AuditorIDs      []string `yaml:"l1_auditor_ids"`
	L2AuditorID       string   `yaml:"l2_auditor_id"`
	SecondaryReportID string   `yaml:"secondary_report_id"`
	SecondaryVerdict  string   `yaml:"secondary_verdict"`

	Toolchain *struct {
		PlatformTag      string            `yaml:"platform_tag"`
		AgentVersions    map[string]string `yaml:"agent_versions"`
		ModelIdentifiers map[string]string `yaml:"model_identifiers"`
	} `yaml:"toolchain"`
	ExpiresAt *time.Time `yaml:"expires_at"`
}

func parseFacts(r io.Reader) (*FactsFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f FactsFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse facts: %w", err)
	}
	return &f, nil
}

func loadFacts(path string) (*FactsFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return parseFacts(file)
}

func (f *FactsFile) facts(ledger *LedgerFlags) builder.Facts {
	out := builder.Facts{
		SubjectID:         f.SubjectID,
		SubjectContract:   f.SubjectContract,
		Mode:              f.Mode,
		ParticipantCount:  f.ParticipantCount,
		ParticipantRoles:  f.ParticipantRoles,
		ToolCount:         f.ToolCount,
		ConstraintCount:   f.ConstraintCount,
		VerdictCount:      f.VerdictCount,
		ApproveCount:      f.ApproveCount,
		BlockCount:        f.BlockCount,
		L1AuditorIDs:      f.L1AuditorIDs,
		L2AuditorID:       f.L2AuditorID,
		SecondaryReportID: f.SecondaryReportID,
		SecondaryVerdict:  f.SecondaryVerdict,
		ChainID:           ledger.ChainID,
		ContractAddress:   ledger.ContractAddress,
		ExpiresAt:         f.ExpiresAt,
	}
	if f.Toolchain != nil {
		out.Toolchain = &builder.Toolchain{
			PlatformTag:      f.Toolchain.PlatformTag,
			AgentVersions:    f.Toolchain.AgentVersions,
			ModelIdentifiers: f.Toolchain.ModelIdentifiers,
		}
	}
	return out
}
