package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

const moduleName = "config"

// ConfigParams defines the dependencies for NewConfigProvider.
type ConfigParams struct {
	fx.In
	EmbeddedConfig EmbeddedConfig
	EnvFilePath    string              `name:"envFilePath" optional:"true"`
	ConfigFilePath string              `name:"configFilePath" optional:"true"`
	Expander       EnvironmentExpander `optional:"true"`
}

// loadConfig builds the configuration in layers: defaults, embedded YAML,
// optional YAML file, then environment variables (TRAINER_POOL_MAX, TRAINER_DATABASE_HOST, ...).
// A .env file, when present, is loaded into the environment first.
func loadConfig(envFilePath, configFilePath string, embeddedConfig EmbeddedConfig, expander EnvironmentExpander) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else if err := godotenv.Load(); err != nil {
		logger.Debugf(".env file not found or could not be loaded: %v", err)
	}
	if expander == nil {
		expander = NewOsEnvironmentExpander()
	}

	cfg := NewConfig()

	if err := applyYAML(cfg, embeddedConfig, expander); err != nil {
		return nil, exception.New(exception.ErrConfiguration, moduleName, "failed to unmarshal embedded config", err)
	}

	if configFilePath != "" {
		raw, err := os.ReadFile(configFilePath)
		if err != nil {
			return nil, exception.Newf(exception.ErrConfiguration, moduleName, "failed to read config file %s", configFilePath, err)
		}
		if err := applyYAML(cfg, raw, expander); err != nil {
			return nil, exception.Newf(exception.ErrConfiguration, moduleName, "failed to unmarshal config file %s", configFilePath, err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem(), ""); err != nil {
		return nil, exception.New(exception.ErrConfiguration, moduleName, "failed to load config from environment variables", err)
	}
	if err := cfg.Trainer.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyYAML decodes raw on top of cfg. Keys absent from raw keep their current values.
func applyYAML(cfg *Config, raw []byte, expander EnvironmentExpander) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	expanded, err := expander.Expand(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(expanded, cfg)
}

// NewConfigProvider is an Fx provider that loads and provides *Config.
// It also applies the configured log level.
func NewConfigProvider(params ConfigParams) (*Config, error) {
	cfg, err := loadConfig(params.EnvFilePath, params.ConfigFilePath, params.EmbeddedConfig, params.Expander)
	if err != nil {
		return nil, err
	}

	logger.SetLogLevel(cfg.Trainer.Logging.Level)
	logger.Debugf("Log level set to: %s", cfg.Trainer.Logging.Level)
	return cfg, nil
}

// LoadConfig loads configuration outside of the fx container.
func LoadConfig(envFilePath, configFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	return loadConfig(envFilePath, configFilePath, embeddedConfig, nil)
}

// loadStructFromEnv recursively loads configuration values into a struct from environment variables.
// It uses the "yaml" tag to build the environment variable name.
func loadStructFromEnv(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envVarName := strings.ToUpper(prefix + yamlTag)

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field, envVarName+"_"); err != nil {
				return err
			}
			continue
		}

		if field.Kind() == reflect.Map {
			if field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.Interface {
				loadPropertiesFromEnv(field, envVarName+"_")
			}
			continue
		}

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			continue
		}
		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("failed to set field '%s' from env var '%s': %w", fieldType.Name, envVarName, err)
		}
	}
	return nil
}

// loadPropertiesFromEnv fills a map[string]interface{} from variables sharing prefix.
// TRAINER_MODEL_PROPERTIES_LABEL_FIELD=species sets properties["label_field"] = "species".
func loadPropertiesFromEnv(mapField reflect.Value, prefix string) {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(env, prefix), "=")
		if !ok || key == "" {
			continue
		}
		if mapField.IsNil() {
			mapField.Set(reflect.MakeMap(mapField.Type()))
		}
		mapField.SetMapIndex(reflect.ValueOf(strings.ToLower(key)), reflect.ValueOf(value))
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// setField sets a scalar field from its string form.
func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(intValue)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		uintValue, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(uintValue)
	case reflect.Float64, reflect.Float32:
		floatValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatValue)
	case reflect.Bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolValue)
	}
	return nil
}
