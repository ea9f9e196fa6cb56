package registry

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/certlane/internal/models"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML seed format for quorum policies:
//
//	policies:
//	  - policy_version: "1.0"
//	    min_l1_signatures: 2
//	    require_l2_signature: true
//	    active: true
type PolicyFile struct {
	Policies []models.QuorumPolicy `yaml:"policies"`
}

// ParsePolicies decodes and validates a policy seed file. Unknown fields are
// rejected.
func ParsePolicies(r io.Reader) ([]models.QuorumPolicy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f PolicyFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPolicy, err)
	}

	seen := make(map[string]bool, len(f.Policies))
	for i := range f.Policies {
		p := &f.Policies[i]
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		if seen[p.PolicyVersion] {
			return nil, fmt.Errorf("%w: duplicate version %q", models.ErrInvalidPolicy, p.PolicyVersion)
		}
		seen[p.PolicyVersion] = true
	}
	return f.Policies, nil
}

// LoadPolicies parses a seed file and upserts every policy in it. Returns the
// number of policies written.
func (r *Registry) LoadPolicies(ctx context.Context, in io.Reader) (int, error) {
	policies, err := ParsePolicies(in)
	if err != nil {
		return 0, err
	}
	for i := range policies {
		if err := r.store.UpsertPolicy(ctx, &policies[i]); err != nil {
			return i, fmt.Errorf("failed to store policy %s: %w", policies[i].PolicyVersion, err)
		}
	}

	log.Info().Int("count", len(policies)).Msg("Loaded quorum policies")
	return len(policies), nil
}
