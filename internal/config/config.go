package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// DefaultLabelURL is where the Oxford Flowers 102 category names are published.
const DefaultLabelURL = "https://raw.githubusercontent.com/udacity/content/master/deep-learning/image-classifier-project/cat_to_name.json"

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Port            int           `koanf:"port"`
	Debug           bool          `koanf:"debug"`
	MaxUploadBytes  int64         `koanf:"maxuploadbytes"`
	ShutdownTimeout time.Duration `koanf:"shutdowntimeout"`
}

// ModelConfig locates the classifier weights and the ONNX Runtime library.
type ModelConfig struct {
	Path string `koanf:"path"`
	// LibPath overrides the onnxruntime shared library location. Empty uses
	// the platform default.
	LibPath        string `koanf:"libpath"`
	IntraOpThreads int    `koanf:"intraopthreads"`
}

// LabelsConfig locates the class-id to species-name map.
type LabelsConfig struct {
	Path    string        `koanf:"path"`
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// AppConfig holds the server, model and label settings.
type AppConfig struct {
	Server ServerConfig `koanf:"server"`
	Model  ModelConfig  `koanf:"model"`
	Labels LabelsConfig `koanf:"labels"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.port":            8000,
		"server.debug":           false,
		"server.maxuploadbytes":  10 << 20,
		"server.shutdowntimeout": "10s",
		"model.path":             "./model/flower_resnet50.onnx",
		"labels.path":            "./model/cat_to_name.json",
		"labels.url":             DefaultLabelURL,
		"labels.timeout":         "30s",
	}
}

// Load reads the configuration from defaults, then the YAML file at
// filePath (skipped when empty), then CFG_-prefixed environment variables.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", filePath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		return key, v
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	var errs []error
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.maxuploadbytes must be positive"))
	}
	if cfg.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if cfg.Labels.Path == "" {
		errs = append(errs, errors.New("labels.path is required"))
	}
	if cfg.Labels.Timeout <= 0 {
		errs = append(errs, errors.New("labels.timeout must be positive"))
	}
	return errors.Join(errs...)
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
