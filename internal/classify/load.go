package classify

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadTaxonomy reads a taxonomy file. The format follows the extension
// (yaml, json or toml). Tier labels and confidences missing from the file
// fall back to the built-in values; signatures do not.
func LoadTaxonomy(path string) (Taxonomy, error) {
	v := viper.New()
	v.SetConfigFile(path)

	def := DefaultTaxonomy()
	v.SetDefault("signatureConfidence", def.SignatureConfidence)
	v.SetDefault("generic.indicators", def.Generic.Indicators)
	v.SetDefault("generic.label", def.Generic.Label)
	v.SetDefault("generic.confidence", def.Generic.Confidence)
	v.SetDefault("human.label", def.Human.Label)
	v.SetDefault("human.confidence", def.Human.Confidence)

	if err := v.ReadInConfig(); err != nil {
		return Taxonomy{}, fmt.Errorf("failed to read taxonomy %s: %w", path, err)
	}

	var t Taxonomy
	if err := v.Unmarshal(&t); err != nil {
		return Taxonomy{}, fmt.Errorf("unable to decode taxonomy %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Taxonomy{}, err
	}
	return t, nil
}

// FromFile builds a classifier from a taxonomy file, or from the built-in
// taxonomy when path is empty.
func FromFile(path string) (*Classifier, error) {
	if path == "" {
		return Default(), nil
	}
	t, err := LoadTaxonomy(path)
	if err != nil {
		return nil, err
	}
	return New(t)
}
