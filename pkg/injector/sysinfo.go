package injector

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSysInfo reads a YAML or JSON document describing the host system.
// Unlike design-intent files it was requested explicitly, so any problem
// is an error.
func LoadSysInfo(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sysinfo: %w", err)
	}
	var info map[string]any
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse sysinfo %s: %w", path, err)
	}
	if info == nil {
		return nil, fmt.Errorf("parse sysinfo %s: document is empty", path)
	}
	return info, nil
}
