package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Presets maps a risk type wire name to the input fields pre-filled for it.
//
//	trading:
//	  token_symbol: ETH
//	  time_period: 6 months
type Presets map[string]map[string]interface{}

// LoadPresets reads a YAML presets file. An empty path yields no presets.
func LoadPresets(path string) (Presets, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	var p Presets
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse presets %s: %w", path, err)
	}
	return p, nil
}
