package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Starter returns a YAML rendering of the default configuration, suitable
// for seeding a new config file.
func Starter() ([]byte, error) {
	doc := map[string]any{
		"downloads": map[string]any{
			"save_to":           defaultSaveTo(),
			"concurrency_limit": 3,
			"autostart":         true,
			"naming_pattern":    "",
			"naming_patterns":   map[string]string{},
			"overwrite_mode":    "rename",
			"accept_types":      []string{},
		},
		"cache": map[string]any{
			"path": DefaultCachePath(),
		},
		"http": map[string]any{
			"user_agent":          "",
			"timeout":             "0s",
			"requests_per_second": 0,
			"burst":               0,
		},
		"s3": map[string]any{
			"region":           "",
			"endpoint":         "",
			"profile":          "",
			"force_path_style": false,
			"max_keys":         0,
		},
		"logging": map[string]any{
			"level": "info",
		},
	}
	return yaml.Marshal(doc)
}

// WriteStarter writes the default configuration to path, refusing to
// clobber an existing file.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	b, err := Starter()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
