package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/daviddao/mailpilot/internal/rules"
)

type rulesFile struct {
	Rules []rules.Record `yaml:"rules"`
}

// LoadRules reads quick rules from path. The file holds a top-level "rules"
// list; unknown keys are errors so that typos do not silently disable a
// rule. A missing file yields no rules.
func LoadRules(path string) ([]rules.Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Key: "rules_file", Err: err}
	}
	recs, err := DecodeRules(data)
	if err != nil {
		return nil, &Error{Key: "rules_file", Err: fmt.Errorf("%s: %w", path, err)}
	}
	return recs, nil
}

// DecodeRules strictly decodes a rules document.
func DecodeRules(data []byte) ([]rules.Record, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f rulesFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return f.Rules, nil
}
