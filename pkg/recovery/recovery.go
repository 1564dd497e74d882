// Package recovery is the embedding API of the extractor: it opens captures
// and runs recovery plans from Go code with the same configuration and
// logging the command line uses.
package recovery

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/deploymenttheory/go-lvm-extractor/internal/body"
	"github.com/deploymenttheory/go-lvm-extractor/internal/config"
	"github.com/deploymenttheory/go-lvm-extractor/internal/extractor"
	"github.com/deploymenttheory/go-lvm-extractor/internal/logger"
	"github.com/deploymenttheory/go-lvm-extractor/internal/workflow"
)

// InitOptions contains options for initializing the recovery API
type InitOptions struct {
	ConfigFile  string // Path to configuration file
	Debug       bool   // Enable debug logging
	LogFormat   string // Log format: "human" or "json"
	LogFile     string // Path to log file
	SuppressLog bool   // Suppress all logging
}

// PlanResult contains the results of a recovery plan
type PlanResult struct {
	Success      bool                   // Whether every step completed
	ErrorMessage string                 // Error message if any
	Variables    map[string]interface{} // Variables and step results after the run
}

var initialized bool

// Initialize loads the configuration and sets up logging
func Initialize(options InitOptions) error {
	if initialized {
		return nil
	}

	configErr := config.Initialize(options.ConfigFile)

	if options.Debug {
		config.Instance.Debug = true
	}
	if options.LogFormat != "" {
		config.Instance.LogFormat = options.LogFormat
	}
	if options.LogFile != "" {
		config.Instance.LogFile = options.LogFile
	}

	if !options.SuppressLog {
		if err := logger.InitLogger(logger.LoggerConfig{
			Debug:     config.Instance.Debug,
			LogFormat: config.Instance.LogFormat,
			LogFile:   config.Instance.LogFile,
		}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		logger.LogInfo("Recovery API initialized", map[string]interface{}{
			"config_file": config.ConfigFile,
			"debug":       config.Instance.Debug,
		})
		if configErr != nil {
			logger.LogWarn("Configuration initialization warning", map[string]interface{}{
				"error": configErr.Error(),
			})
		}
	}

	initialized = true
	return nil
}

// DefaultOptions returns the default initialization options
func DefaultOptions() InitOptions {
	return InitOptions{
		LogFormat: "human",
	}
}

func ensureInitialized() error {
	if initialized {
		return nil
	}
	if err := Initialize(DefaultOptions()); err != nil {
		return fmt.Errorf("failed to initialize recovery API: %w", err)
	}
	return nil
}

// Assemble scans already opened devices and assembles their volume groups
// using the configured scan and extraction settings. The devices are closed
// if assembly fails, and by Close on the returned extractor otherwise.
func Assemble(ctx context.Context, devices []extractor.Device) (*extractor.Extractor, error) {
	blockSize, err := config.Instance.ReadBlockSize()
	if err != nil {
		extractor.CloseDevices(devices)
		return nil, err
	}
	e, err := extractor.Open(ctx, devices, extractor.Options{
		LabelSectors:  config.Instance.Scan.LabelSectors,
		Workers:       config.Instance.Extract.Workers,
		ReadBlockSize: blockSize,
		Logger:        logger.Zap(),
	})
	if err != nil {
		extractor.CloseDevices(devices)
		return nil, err
	}
	return e, nil
}

// Open opens captures given as path[@offset] and assembles their volume
// groups
func Open(ctx context.Context, captures []string) (*extractor.Extractor, error) {
	format, err := body.ParseFormat(config.Instance.Body.Format)
	if err != nil {
		return nil, err
	}
	devices, err := extractor.OpenDevices(captures, 0,
		body.Options{Format: format, TempDir: config.Instance.Body.TempDir}, logger.Zap())
	if err != nil {
		return nil, err
	}
	return Assemble(ctx, devices)
}

// RunPlan loads, validates and runs the recovery plan in planFile. Captures
// replace the ones the plan lists, unless empty.
func RunPlan(ctx context.Context, planFile string, captures []string) (*PlanResult, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}

	logger.LogInfo("Running recovery plan", map[string]interface{}{
		"file": planFile,
	})

	wf, err := workflow.LoadWorkflow(planFile)
	if err != nil {
		return &PlanResult{
			ErrorMessage: fmt.Sprintf("Failed to load plan: %s", err.Error()),
		}, err
	}

	if errs := workflow.ValidateWorkflow(wf); len(errs) > 0 {
		var messages []string
		for _, err := range errs {
			messages = append(messages, err.Error())
		}
		message := fmt.Sprintf("Plan validation failed with %d errors: %s",
			len(errs), strings.Join(messages, "; "))
		return &PlanResult{ErrorMessage: message}, fmt.Errorf("%s", message)
	}

	if len(captures) == 0 {
		captures = wf.Bodies
	}
	open := func(ctx context.Context) (*extractor.Extractor, error) {
		return Open(ctx, captures)
	}
	if err := workflow.ExecuteWorkflow(ctx, wf, open); err != nil {
		return &PlanResult{
			ErrorMessage: fmt.Sprintf("Plan execution failed: %s", err.Error()),
			Variables:    wf.Variables,
		}, err
	}

	return &PlanResult{
		Success:   true,
		Variables: wf.Variables,
	}, nil
}

// RunPlanFromYAML runs a recovery plan given as a YAML document
func RunPlanFromYAML(ctx context.Context, planYAML string, captures []string) (*PlanResult, error) {
	tempFile, err := os.CreateTemp("", "plan-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.WriteString(planYAML); err != nil {
		tempFile.Close()
		return nil, fmt.Errorf("failed to write plan to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temporary file: %w", err)
	}

	return RunPlan(ctx, tempFile.Name(), captures)
}

// Shutdown flushes the logs
func Shutdown() error {
	if !initialized {
		return nil
	}
	logger.LogInfo("Recovery API shutting down", nil)
	return logger.Sync()
}
