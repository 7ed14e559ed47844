// Package importer loads tenant seed files. A seed is a YAML document with
// the tenant's initial profile and any known concerns, used to bootstrap a
// tenant before the first conversation.
package importer

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/keepsake/internal/engine"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// SeedConcern is one pre-existing concern declared in a seed file.
type SeedConcern struct {
	ConcernKey  string `yaml:"concern_key"`
	DisplayName string `yaml:"display_name"`
	Severity    string `yaml:"severity"`
	Evidence    string `yaml:"evidence"`
}

// Seed is a parsed tenant seed file.
type Seed struct {
	// Tenant is the tenant the seed applies to.
	Tenant string `yaml:"tenant"`

	// Profile is the initial profile document in the external map shape;
	// unknown keys fold into medical facts the same way ingest input does.
	Profile map[string]any `yaml:"profile"`

	// Concerns are upserted in file order.
	Concerns []SeedConcern `yaml:"concerns"`
}

// ParseSeed parses and validates one YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("importer: failed to parse seed file: %w", err)
	}
	if seed.Tenant == "" {
		return nil, fmt.Errorf("importer: seed file is missing the tenant field")
	}
	for i, c := range seed.Concerns {
		if c.ConcernKey == "" {
			return nil, fmt.Errorf("importer: seed concern %d is missing concern_key", i)
		}
		if !types.Severity(c.Severity).IsValid() {
			return nil, fmt.Errorf("importer: seed concern %q has invalid severity %q", c.ConcernKey, c.Severity)
		}
	}
	return &seed, nil
}

// IngestOptions converts the seed into one transactional ingest batch. The
// whole seed lands atomically or not at all.
func (s *Seed) IngestOptions() (engine.IngestOptions, error) {
	var opts engine.IngestOptions

	if len(s.Profile) > 0 {
		data, err := types.ProfileDataFromMap(s.Profile)
		if err != nil {
			return opts, fmt.Errorf("importer: invalid seed profile: %w", err)
		}
		opts.ProfileUpdates = &data
	}

	for _, c := range s.Concerns {
		display := c.DisplayName
		if display == "" {
			display = c.ConcernKey
		}
		opts.Concerns = append(opts.Concerns, storage.ConcernUpsert{
			ConcernKey:   c.ConcernKey,
			DisplayName:  display,
			Severity:     types.Severity(c.Severity),
			EvidenceText: c.Evidence,
			Source:       "seed",
		})
	}

	if opts.ProfileUpdates != nil || len(opts.Concerns) > 0 {
		opts.Episode = &engine.EpisodeInput{
			EpisodeType: types.EpisodeSeed,
			Channel:     "import",
			Content:     fmt.Sprintf("seed import for tenant %s", s.Tenant),
		}
	}
	return opts, nil
}
