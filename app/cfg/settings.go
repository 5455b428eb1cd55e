package cfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSettings reads the optional YAML settings file. A missing path (or an
// empty one) yields zero-value settings rather than an error so the service
// can run without a settings file at all.
func LoadSettings(path string) (*Settings, error) {
	settings := &Settings{}

	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}

	if err := validateSettings(settings); err != nil {
		return nil, fmt.Errorf("invalid settings file %s: %w", path, err)
	}

	return settings, nil
}

func validateSettings(settings *Settings) error {
	validFields := map[string]bool{
		"title":     true,
		"body":      true,
		"author":    true,
		"permalink": true,
	}
	validMatches := map[string]bool{
		"":          true, // defaults to substring
		"substring": true,
		"regex":     true,
	}
	validActions := map[string]bool{
		"accept":  true,
		"trash":   true,
		"delete":  true,
		"replace": true,
	}

	if settings.CatchAll != "" && settings.CatchAll != "accept" &&
		settings.CatchAll != "trash" && settings.CatchAll != "delete" {
		return fmt.Errorf("catch_all must be accept, trash or delete, got %q", settings.CatchAll)
	}

	for i, rule := range settings.DefaultRules {
		if !validFields[rule.Field] {
			return fmt.Errorf("default_rules[%d]: unknown field %q", i, rule.Field)
		}
		if !validMatches[rule.Match] {
			return fmt.Errorf("default_rules[%d]: unknown match kind %q", i, rule.Match)
		}
		if !validActions[rule.Action] {
			return fmt.Errorf("default_rules[%d]: unknown action %q", i, rule.Action)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("default_rules[%d]: pattern is required", i)
		}
	}

	return nil
}
