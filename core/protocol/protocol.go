// Package protocol loads the study protocol configuration: the
// metadata stamped into every export manifest. Values come from a YAML
// file with TRIALTRACE_ environment overrides.
package protocol

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/evidara/trialtrace/core/errors"
)

const envPrefix = "TRIALTRACE_"

// DefaultTrustModel documents the provenance of recorded timestamps.
const DefaultTrustModel = "client-clock; timestamps are untrusted instrumentation, ordering is protected by the hash chain"

type Config struct {
	StudyID             string `koanf:"study_id"`
	Arm                 string `koanf:"arm"`
	Site                string `koanf:"site"`
	ReaderID            string `koanf:"reader_id"`
	AIModelVersion      string `koanf:"ai_model_version"`
	Calibration         bool   `koanf:"calibration"`
	TimestampTrustModel string `koanf:"timestamp_trust_model"`
	Database            string `koanf:"database"`
	SigningKey          string `koanf:"signing_key"`
}

// Load reads path (optional) and applies TRIALTRACE_ env overrides.
// Double underscores in env names map to config dots, e.g.
// TRIALTRACE_STUDY_ID sets study_id.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, errors.Wrap(err, errors.CategoryIOFailure, "protocol_read", "read protocol config file")
		}
	} else if _, err := os.Stat("trialtrace.yaml"); err == nil {
		if err := k.Load(file.Provider("trialtrace.yaml"), yaml.Parser()); err != nil {
			return Config{}, errors.Wrap(err, errors.CategoryIOFailure, "protocol_read", "read trialtrace.yaml")
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return Config{}, errors.Wrap(err, errors.CategoryInternalFailure, "protocol_env", "read environment overrides")
	}

	if !k.Exists("timestamp_trust_model") {
		_ = k.Set("timestamp_trust_model", DefaultTrustModel)
	}
	if !k.Exists("database") {
		_ = k.Set("database", "trialtrace.db")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CategorySerialization, "protocol_decode", "decode protocol config")
	}
	return cfg, nil
}

// Validate checks the fields an export-quality protocol must carry.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.StudyID) == "" {
		missing = append(missing, "study_id")
	}
	if strings.TrimSpace(c.ReaderID) == "" {
		missing = append(missing, "reader_id")
	}
	if len(missing) > 0 {
		return errors.Wrap(fmt.Errorf("missing %s", strings.Join(missing, ", ")),
			errors.CategoryInvalidInput, "protocol_incomplete", "set the missing protocol fields before exporting")
	}
	return nil
}

// Manifest renders the protocol block embedded in trial_manifest.json.
func (c Config) Manifest() map[string]any {
	manifest := map[string]any{
		"studyId":     c.StudyID,
		"arm":         c.Arm,
		"site":        c.Site,
		"readerId":    c.ReaderID,
		"calibration": c.Calibration,
	}
	if c.AIModelVersion != "" {
		manifest["aiModelVersion"] = c.AIModelVersion
	}
	return manifest
}
