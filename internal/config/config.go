package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-lvm-extractor/internal/common/fsutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/common/osutil"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "go-lvm-extractor"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "LVM_EXTRACTOR"
)

// AppConfig holds the application configuration
type AppConfig struct {
	// Core settings
	Debug     bool   `mapstructure:"debug" yaml:"debug"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file"`

	// Capture settings
	Body struct {
		Format  string `mapstructure:"format" yaml:"format"`     // auto, raw, ewf, xz, bzip2, gzip
		TempDir string `mapstructure:"temp_dir" yaml:"temp_dir"` // spool for decompressed captures
	} `mapstructure:"body" yaml:"body"`

	// Label scanning
	Scan struct {
		LabelSectors int    `mapstructure:"label_sectors" yaml:"label_sectors"`
		ProbeStep    string `mapstructure:"probe_step" yaml:"probe_step"`
	} `mapstructure:"scan" yaml:"scan"`

	// Extraction settings
	Extract struct {
		Workers       int    `mapstructure:"workers" yaml:"workers"`
		ReadBlockSize string `mapstructure:"read_block_size" yaml:"read_block_size"` // e.g. 4MiB
		Hash          string `mapstructure:"hash" yaml:"hash"`                       // comma separated algorithms
		Compress      string `mapstructure:"compress" yaml:"compress"`
	} `mapstructure:"extract" yaml:"extract"`

	// Metadata dumps
	Metadata struct {
		DumpFormat string `mapstructure:"dump_format" yaml:"dump_format"`
		History    bool   `mapstructure:"history" yaml:"history"`
	} `mapstructure:"metadata" yaml:"metadata"`
}

// Global variables
var (
	// Global configuration instance
	Instance AppConfig

	// Status indicators
	ConfigLoaded bool
	ConfigFile   string

	// Viper instance
	v *viper.Viper

	mu sync.Mutex
)

// Initialize loads configuration from cfgFile, or from the standard search
// paths when cfgFile is empty, overlaid with environment variables. Calling
// it again reloads from scratch.
func Initialize(cfgFile string) error {
	mu.Lock()
	defer mu.Unlock()

	nv := viper.New()
	setDefaults(nv)

	if cfgFile != "" {
		path, err := fsutil.ExpandTilde(cfgFile)
		if err != nil {
			return err
		}
		nv.SetConfigFile(path)
	} else {
		nv.SetConfigName(AppName)
		nv.SetConfigType("yaml")
		addSearchPaths(nv)
	}

	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	loaded, used := false, ""
	if readErr := nv.ReadInConfig(); readErr != nil {
		// An explicitly named file must exist; a missing file in the search
		// paths just means defaults and environment
		if _, ok := readErr.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return fmt.Errorf("error reading config file: %w", readErr)
		}
	} else {
		loaded, used = true, nv.ConfigFileUsed()
	}

	var cfg AppConfig
	if err := nv.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}

	v, Instance, ConfigLoaded, ConfigFile = nv, cfg, loaded, used
	ensureDirectories()
	return nil
}

// BindFlag makes a command-line flag override the given configuration key.
// Call Refresh once all flags are bound and parsed.
func BindFlag(key string, flag *pflag.Flag) error {
	mu.Lock()
	defer mu.Unlock()
	if v == nil {
		return fmt.Errorf("configuration not initialized")
	}
	return v.BindPFlag(key, flag)
}

// Refresh re-reads every source, including bound flags, into Instance
func Refresh() error {
	mu.Lock()
	defer mu.Unlock()
	if v == nil {
		return fmt.Errorf("configuration not initialized")
	}
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}
	Instance = cfg
	return nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Core settings
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")

	// Set default log file based on OS
	logDir, err := fsutil.GetLogDir(AppName)
	if err == nil {
		v.SetDefault("log_file", filepath.Join(logDir, "extractor.log"))
	} else {
		v.SetDefault("log_file", "logs/extractor.log")
	}

	// Capture defaults
	v.SetDefault("body.format", "auto")
	tempDir, err := fsutil.GetTempDir(AppName)
	if err == nil {
		v.SetDefault("body.temp_dir", tempDir)
	} else {
		v.SetDefault("body.temp_dir", "temp")
	}

	// Scan defaults, 0 selects the LVM2 default of four sectors
	v.SetDefault("scan.label_sectors", 0)
	v.SetDefault("scan.probe_step", "512")

	// Extraction defaults
	v.SetDefault("extract.workers", 4)
	v.SetDefault("extract.read_block_size", "4MiB")
	v.SetDefault("extract.hash", "sha256")
	v.SetDefault("extract.compress", "")

	// Metadata defaults
	v.SetDefault("metadata.dump_format", "json")
	v.SetDefault("metadata.history", false)
}

// addSearchPaths adds config search paths
func addSearchPaths(v *viper.Viper) {
	// Always check current directory first
	v.AddConfigPath(".")

	// In dev mode, only use current directory and user config directory
	if osutil.IsDevEnvironment() {
		if configDir, err := fsutil.GetConfigDir(AppName); err == nil {
			v.AddConfigPath(configDir)
		}
		return
	}

	// In CI/Pipeline, only use current directory and explicit CI directories
	if isRunningInPipeline() {
		v.AddConfigPath("/etc/" + AppName)
		return
	}

	// Standard operation - add user config directory
	if configDir, err := fsutil.GetConfigDir(AppName); err == nil {
		v.AddConfigPath(configDir)
	}

	// Add system-wide config directory
	if systemConfigDir, err := fsutil.GetSystemConfigDir(AppName); err == nil {
		v.AddConfigPath(systemConfigDir)
	}
}

// ensureDirectories creates necessary directories based on configuration
func ensureDirectories() {
	// Don't create directories in a pipeline environment unless explicitly requested
	if isRunningInPipeline() && os.Getenv("CREATE_DIRS") != "true" {
		return
	}

	if Instance.LogFile != "" {
		_ = fsutil.CreateDirIfNotExists(filepath.Dir(Instance.LogFile))
	}

	if Instance.Body.TempDir != "" {
		_ = fsutil.CreateDirIfNotExists(Instance.Body.TempDir)
	}
}

// ReadBlockSize returns extract.read_block_size in bytes. Both plain byte
// counts and sizes such as 512KiB or 4M are accepted; units are binary.
func (c *AppConfig) ReadBlockSize() (uint64, error) {
	return parseSize("extract.read_block_size", c.Extract.ReadBlockSize)
}

// ProbeStep returns scan.probe_step in bytes
func (c *AppConfig) ProbeStep() (int64, error) {
	n, err := parseSize("scan.probe_step", c.Scan.ProbeStep)
	return int64(n), err
}

func parseSize(key, s string) (uint64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative size", key, s)
	}
	return uint64(n), nil
}

// SaveConfig saves the current configuration to a file
func SaveConfig(filePath string) error {
	// Create a new viper instance for saving
	saveV := viper.New()
	saveV.SetConfigFile(filePath)

	for k, val := range structToMap(Instance) {
		saveV.Set(k, val)
	}

	// Ensure the directory exists
	configDir := filepath.Dir(filePath)
	if err := fsutil.CreateDirIfNotExists(configDir); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return saveV.WriteConfig()
}

// structToMap converts the configuration into nested maps keyed like the
// configuration file
func structToMap(cfg AppConfig) map[string]interface{} {
	m := map[string]interface{}{
		"debug":      cfg.Debug,
		"log_format": cfg.LogFormat,
		"log_file":   cfg.LogFile,
		"body": map[string]interface{}{
			"format":   cfg.Body.Format,
			"temp_dir": cfg.Body.TempDir,
		},
		"scan": map[string]interface{}{
			"label_sectors": cfg.Scan.LabelSectors,
			"probe_step":    cfg.Scan.ProbeStep,
		},
		"extract": map[string]interface{}{
			"workers":         cfg.Extract.Workers,
			"read_block_size": cfg.Extract.ReadBlockSize,
			"hash":            cfg.Extract.Hash,
			"compress":        cfg.Extract.Compress,
		},
		"metadata": map[string]interface{}{
			"dump_format": cfg.Metadata.DumpFormat,
			"history":     cfg.Metadata.History,
		},
	}
	return m
}

// isRunningInPipeline returns true if running in a CI/CD pipeline environment
func isRunningInPipeline() bool {
	return os.Getenv("CI") == "true" ||
		os.Getenv("PIPELINE") == "true" ||
		os.Getenv("GITHUB_ACTIONS") == "true" ||
		os.Getenv("JENKINS_URL") != ""
}
