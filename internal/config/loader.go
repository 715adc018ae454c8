package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"leadbot/src/model"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Defaults returns the built-in prompts and messages
func Defaults() model.Content {
	var content model.Content
	if err := yaml.Unmarshal(defaultsYAML, &content); err != nil {
		panic(fmt.Sprintf("embedded defaults are invalid: %v", err))
	}
	return content
}

// LoadContent loads prompts and messages from a YAML file. Keys missing
// from the file keep their built-in value. An empty path yields the defaults.
func LoadContent(filepath string) (model.Content, error) {
	defaults := Defaults()
	if filepath == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(filepath)
	if err != nil {
		return model.Content{}, fmt.Errorf("error reading content file: %w", err)
	}

	var content model.Content
	if err := yaml.Unmarshal(data, &content); err != nil {
		return model.Content{}, fmt.Errorf("error parsing YAML: %w", err)
	}

	return content.WithDefaults(defaults), nil
}
