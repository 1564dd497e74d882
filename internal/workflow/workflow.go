// Package workflow runs recovery plans: YAML or JSON files naming the
// captures of a case and the listings, metadata dumps and extractions to
// produce from them, so that a recovery can be repeated exactly.
package workflow

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-lvm-extractor/internal/config"
	"github.com/deploymenttheory/go-lvm-extractor/internal/extractor"
	"github.com/deploymenttheory/go-lvm-extractor/internal/logger"
)

// Opener assembles the volume groups of the captures a workflow works on
type Opener func(ctx context.Context) (*extractor.Extractor, error)

// LoadWorkflow loads a workflow from a file
func LoadWorkflow(filePath string) (*Workflow, error) {
	// Create a new viper instance for the workflow
	v := viper.New()

	// Check if the file exists
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("workflow file not found: %s", filePath)
	}

	v.SetConfigFile(filePath)

	// Determine the file type from the extension, YAML by default
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext != "" {
		v.SetConfigType(ext[1:])
	} else {
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading workflow file: %w", err)
	}

	workflow := &Workflow{}
	if err := v.Unmarshal(workflow); err != nil {
		return nil, fmt.Errorf("error parsing workflow: %w", err)
	}

	if workflow.Variables == nil {
		workflow.Variables = make(map[string]interface{})
	}
	addSystemVariables(workflow, filepath.Dir(filePath))

	if err := processTemplates(workflow); err != nil {
		return nil, fmt.Errorf("error processing templates: %w", err)
	}
	return workflow, nil
}

// addSystemVariables adds system and config variables to the workflow's
// variables without overriding ones the workflow sets itself
func addSystemVariables(workflow *Workflow, dir string) {
	set := func(k string, v interface{}) {
		if _, ok := workflow.Variables[k]; !ok {
			workflow.Variables[k] = v
		}
	}

	set("temp_dir", config.Instance.Body.TempDir)
	if abs, err := filepath.Abs(dir); err == nil {
		set("workflow_dir", abs)
	}
	if cwd, err := os.Getwd(); err == nil {
		set("current_dir", cwd)
	}

	now := time.Now().UTC()
	set("timestamp", fmt.Sprintf("%d", now.Unix()))
	set("date", now.Format("2006-01-02"))
	set("case", workflow.Case)
}

// processTemplates expands template strings in the captures and in step
// parameters
func processTemplates(workflow *Workflow) error {
	for i, b := range workflow.Bodies {
		processed, err := processTemplate(b, workflow.Variables)
		if err != nil {
			return fmt.Errorf("error processing template in body %d: %w", i+1, err)
		}
		workflow.Bodies[i] = processed
	}

	for i, step := range workflow.Steps {
		processedParams := make(map[string]interface{})
		for key, value := range step.Parameters {
			// Only process string values
			if strValue, ok := value.(string); ok {
				processed, err := processTemplate(strValue, workflow.Variables)
				if err != nil {
					return fmt.Errorf("error processing template in step %s, parameter %s: %w", step.Name, key, err)
				}
				processedParams[key] = processed
			} else {
				processedParams[key] = value
			}
		}
		workflow.Steps[i].Parameters = processedParams
	}
	return nil
}

// processTemplate processes a single template string
func processTemplate(templateString string, variables map[string]interface{}) (string, error) {
	if !strings.Contains(templateString, "{{") {
		return templateString, nil
	}

	tmpl, err := template.New("inline").Option("missingkey=error").Parse(templateString)
	if err != nil {
		return "", err
	}

	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, variables); err != nil {
		return "", err
	}
	return buffer.String(), nil
}

// ValidateWorkflow validates the workflow structure and parameters
func ValidateWorkflow(workflow *Workflow) []error {
	var errors []error

	if workflow.Name == "" {
		errors = append(errors, fmt.Errorf("workflow name is required"))
	}

	if len(workflow.Steps) == 0 {
		errors = append(errors, fmt.Errorf("workflow must contain at least one step"))
	}

	seen := make(map[string]bool)
	for i, step := range workflow.Steps {
		if step.Name == "" {
			errors = append(errors, fmt.Errorf("step %d: name is required", i+1))
		} else if seen[step.Name] {
			errors = append(errors, fmt.Errorf("step %d: duplicate name '%s'", i+1, step.Name))
		}
		seen[step.Name] = true

		if step.Type == "" {
			errors = append(errors, fmt.Errorf("step %d (%s): type is required", i+1, step.Name))
			continue
		}

		if _, ok := stepHandlers[step.Type]; !ok {
			errors = append(errors, fmt.Errorf("step %d (%s): invalid type '%s'", i+1, step.Name, step.Type))
			continue
		}

		for _, err := range validateStepParameters(step) {
			errors = append(errors, fmt.Errorf("step %d (%s): %w", i+1, step.Name, err))
		}
	}

	return errors
}

// required parameters per step type
var requiredParameters = map[string][]string{
	"decompress":  {"source", "destination"},
	"list":        nil,
	"dump":        {"vg", "output"},
	"extract":     {"volume", "output"},
	"extract_all": {"vg", "directory"},
}

// validateStepParameters validates parameters for a specific step type
func validateStepParameters(step Step) []error {
	var errors []error
	for _, key := range requiredParameters[step.Type] {
		if v, ok := step.Parameters[key]; !ok || v == nil || v == "" {
			errors = append(errors, fmt.Errorf("missing required parameter '%s'", key))
		}
	}
	if step.Type == "extract" {
		if volume, _ := step.Parameters["volume"].(string); volume != "" && !strings.Contains(volume, "/") {
			errors = append(errors, fmt.Errorf("parameter 'volume' must be <vg>/<lv>, got '%s'", volume))
		}
	}
	return errors
}

// ExecuteWorkflow runs the steps in order. The captures are only opened,
// through open, when the first step that needs them runs, so a decompress
// step can prepare them.
func ExecuteWorkflow(ctx context.Context, workflow *Workflow, open Opener) error {
	logger.LogInfo("Starting workflow execution", map[string]interface{}{
		"workflow": workflow.Name,
		"case":     workflow.Case,
		"examiner": workflow.Examiner,
		"steps":    len(workflow.Steps),
	})

	r := &runner{open: open}
	defer r.close()

	for i, step := range workflow.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.LogInfo(fmt.Sprintf("Executing step %d/%d: %s", i+1, len(workflow.Steps), step.Name),
			map[string]interface{}{
				"type":        step.Type,
				"description": step.Description,
			})

		// Check if step should be skipped based on condition
		if step.Condition != "" {
			shouldRun, err := evaluateCondition(step.Condition, workflow.Variables)
			if err != nil {
				return fmt.Errorf("error evaluating condition for step '%s': %w", step.Name, err)
			}
			if !shouldRun {
				logger.LogInfo(fmt.Sprintf("Skipping step %d/%d: %s (condition not met)", i+1, len(workflow.Steps), step.Name), nil)
				continue
			}
		}

		handler, found := stepHandlers[step.Type]
		if !found {
			return fmt.Errorf("no handler found for step type '%s'", step.Type)
		}

		result, err := handler(ctx, r, step)
		if err != nil {
			return fmt.Errorf("error executing step '%s': %w", step.Name, err)
		}

		// Step results become variables of later conditions
		for k, v := range result {
			workflow.Variables[resultKey(step.Name, k)] = v
		}

		logger.LogInfo(fmt.Sprintf("Completed step %d/%d: %s", i+1, len(workflow.Steps), step.Name), nil)
	}

	logger.LogInfo("Workflow execution completed successfully", map[string]interface{}{
		"workflow": workflow.Name,
	})
	return nil
}

// resultKey names a step result so templates can reference it, e.g. the
// sha256 of step "image home" is {{ .image_home_sha256 }}
func resultKey(step, key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, step+"_"+key)
	return strings.ToLower(name)
}

// evaluateCondition processes the condition as a template and checks the
// outcome reads as true
func evaluateCondition(condition string, variables map[string]interface{}) (bool, error) {
	result, err := processTemplate(condition, variables)
	if err != nil {
		return false, err
	}

	result = strings.TrimSpace(strings.ToLower(result))
	return result == "true" || result == "yes" || result == "1", nil
}

// runner lazily opens the captures for the steps that need them
type runner struct {
	open Opener
	e    *extractor.Extractor
}

func (r *runner) extractor(ctx context.Context) (*extractor.Extractor, error) {
	if r.e != nil {
		return r.e, nil
	}
	if r.open == nil {
		return nil, fmt.Errorf("workflow has no captures to open")
	}
	e, err := r.open(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range e.Warnings() {
		logger.LogWarn("scan warning", map[string]interface{}{"warning": w.Error()})
	}
	r.e = e
	return e, nil
}

func (r *runner) close() {
	if r.e != nil {
		_ = r.e.Close()
	}
}
