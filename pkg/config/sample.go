package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WriteSample emits a commented starting-point config file at path.
// It refuses to overwrite unless force is set.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	out, err := yaml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("marshal sample config: %w", err)
	}

	header := []byte("# breachdb server configuration.\n" +
		"# Point at least one of sha1_db / ntlm_db / sha1t64_db /\n" +
		"# binfuse8_filter / binfuse16_filter at a database file.\n\n")
	if err := os.WriteFile(path, append(header, out...), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
