package bss

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ICASAR_NCOMPONENTS.
const EnvPrefix = "ICASAR"

var validate = validator.New()

// DefaultConfig returns the settings of the reference spatial workflow.
func DefaultConfig() *Config {
	return &Config{
		NComponents:           5,
		NBootstrappedRuns:     200,
		NPlainRuns:            0,
		ClusterMinSize:        35,
		ClusterMinSamples:     10,
		EmbeddingPerplexity:   30,
		EmbeddingExaggeration: 12,
		ICATolerance:          1e-2,
		ICAMaxIter:            150,
		MaxCombinationCount:   1000,
		MaxFailedRuns:         10,
		CacheDir:              DefaultCacheDir,
		DEMMaxPixels:          1000,
		Wavelength:            SentinelWavelength,
		MQTT: MQTTConfig{
			PublishPrefix: "icasar",
			ClientID:      "icasar",
		},
	}
}

// LoadConfig reads a YAML file over the defaults, applies ICASAR_*
// environment overrides and validates the result. An empty path skips the
// file.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("%w: environment: %v", ErrInvalidConfig, err)
	}

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ValidateConfig checks field ranges and the cross-field constraints.
func ValidateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := validate.Struct(config); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, formatFieldError(fe))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if config.AllPairs && config.Cumulative {
		return fmt.Errorf("%w: allPairs and cumulative are mutually exclusive", ErrInvalidConfig)
	}
	if config.TotalRuns() < 1 {
		return fmt.Errorf("%w: nBootstrappedRuns + nPlainRuns must be at least 1", ErrInvalidConfig)
	}
	if pool := config.TotalRuns() * config.NComponents; config.ClusterMinSize > pool {
		return fmt.Errorf("%w: clusterMinSize %d exceeds the %d candidates the runs can produce",
			ErrInvalidConfig, config.ClusterMinSize, pool)
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("%s must satisfy %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
