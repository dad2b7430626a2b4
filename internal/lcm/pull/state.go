package pull

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// stateFileName holds the agent's pull state in the data directory.
const stateFileName = "state.yaml"

// state is what the agent remembers between cycles: its server identity and
// the manifest checksum of the last bundle it extracted.
type state struct {
	NodeID   string `yaml:"nodeId,omitempty"`
	Checksum string `yaml:"checksum,omitempty"`
}

func loadState(dir string) (*state, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if os.IsNotExist(err) {
		return &state{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pull state: %w", err)
	}
	var s state
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing pull state: %w", err)
	}
	return &s, nil
}

func (s *state) save(dir string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding pull state: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	tmp := filepath.Join(dir, stateFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing pull state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, stateFileName)); err != nil {
		return fmt.Errorf("replacing pull state: %w", err)
	}
	return nil
}
