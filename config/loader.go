package config

import (
	"os"

	"github.com/Velocidex/yaml/v2"
	errors "github.com/pkg/errors"
)

// LoadConfig reads the config file and merges it over the defaults.
func LoadConfig(filename string) (*Config, error) {
	result := GetDefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to open config file")
	}

	err = yaml.UnmarshalStrict(data, result)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to parse config file")
	}

	return result, Validate(result)
}

func Validate(config_obj *Config) error {
	if config_obj.Datastore == nil {
		return errors.New("No Datastore configured")
	}

	switch config_obj.Datastore.Implementation {
	case "Memory":
		// Nothing else is needed.

	case "FileBase":
		if config_obj.Datastore.Location == "" {
			return errors.New(
				"No Datastore.location is set in the config")
		}
		if config_obj.Datastore.FilestoreDirectory == "" {
			config_obj.Datastore.FilestoreDirectory =
				config_obj.Datastore.Location
		}

	default:
		return errors.Errorf("Unsupported datastore implementation %v",
			config_obj.Datastore.Implementation)
	}

	if config_obj.Frontend == nil {
		config_obj.Frontend = GetDefaultConfig().Frontend
	}

	if config_obj.Frontend.Concurrency <= 0 {
		config_obj.Frontend.Concurrency = 50
	}

	return nil
}

// WriteConfigToFile serializes the config for the `config init` command.
func WriteConfigToFile(config_obj *Config, filename string) error {
	serialized, err := yaml.Marshal(config_obj)
	if err != nil {
		return err
	}

	return os.WriteFile(filename, serialized, 0600)
}
