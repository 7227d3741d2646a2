package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ParameterType selects the SSM storage type.
type ParameterType int

const (
	ParamSecureString ParameterType = iota
	ParamString
)

// InputSource says where a step's value comes from.
type InputSource int

const (
	SourcePrompt InputSource = iota
	SourceGenerated
)

// BootstrapStep is one SSM parameter to populate.
type BootstrapStep struct {
	HumanLabel     string
	SSMCategoryKey string
	// EnvTarget is the variable the loader fills from this parameter via
	// <EnvTarget>_SSM_PARAM.
	EnvTarget  string
	ParamType  ParameterType
	Source     InputSource
	Prompt     string
	ValidateFn func(ctx context.Context, input string) ValidationResult
	IsSecret   bool
	Optional   bool
}

const maxRetries = 5

var errSkipped = errors.New("parameter skipped by operator")

// BuildInventory lists the parameters a panelhub deployment resolves from
// SSM at startup.
func BuildInventory(v *Validator) []BootstrapStep {
	return []BootstrapStep{
		{
			HumanLabel:     "Database URL",
			SSMCategoryKey: "database/url",
			EnvTarget:      "DATABASE_URL",
			ParamType:      ParamSecureString,
			Source:         SourcePrompt,
			Prompt:         "Paste the postgres://... connection string:",
			ValidateFn:     v.ValidateDatabaseURL,
			IsSecret:       true,
		},
		{
			HumanLabel:     "Redis URL",
			SSMCategoryKey: "redis/url",
			EnvTarget:      "REDIS_URL",
			ParamType:      ParamSecureString,
			Source:         SourcePrompt,
			Prompt:         "Paste the redis://... URL (Enter to skip and use LEASE_BACKEND=postgres):",
			ValidateFn:     v.ValidateRedisURL,
			IsSecret:       true,
			Optional:       true,
		},
		{
			HumanLabel:     "Public base URL",
			SSMCategoryKey: "subscription/public_base_url",
			EnvTarget:      "PUBLIC_BASE_URL",
			ParamType:      ParamString,
			Source:         SourcePrompt,
			Prompt:         "Origin clients use for subscription links, e.g. https://sub.example.com:",
			ValidateFn:     v.ValidatePublicURL,
		},
		{
			HumanLabel:     "Gateway key",
			SSMCategoryKey: "security/gateway_key",
			EnvTarget:      "GATEWAY_KEY",
			ParamType:      ParamSecureString,
			Source:         SourceGenerated,
		},
	}
}

// BootstrapRunner walks the inventory against SSM.
type BootstrapRunner struct {
	SSM       *SSMManager
	Validator *Validator
	Stdin     io.Reader
	Stderr    io.Writer

	scanner   *bufio.Scanner
	inventory []BootstrapStep
}

func NewBootstrapRunner(bctx *BootstrapContext) *BootstrapRunner {
	return &BootstrapRunner{
		SSM:       NewSSMManager(bctx),
		Validator: NewValidator(),
		Stdin:     os.Stdin,
		Stderr:    os.Stderr,
	}
}

type stepResult struct {
	Label  string
	Action string
	Path   string
	Env    string
	// InSSM is true when the parameter exists after the step.
	InSSM bool
}

// Run processes every step and prints the summary plus the pointer
// variables to deploy with.
func (r *BootstrapRunner) Run(ctx context.Context) ([]stepResult, error) {
	inventory := r.inventory
	if inventory == nil {
		inventory = BuildInventory(r.Validator)
	}

	results := make([]stepResult, 0, len(inventory))
	for i, step := range inventory {
		fmt.Fprintf(r.Stderr, "\n[%d/%d] %s\n", i+1, len(inventory), step.HumanLabel)
		res, err := r.processStep(ctx, step)
		if err != nil {
			return results, fmt.Errorf("step %q failed: %w", step.HumanLabel, err)
		}
		results = append(results, res)
	}
	r.printSummary(results)
	return results, nil
}

func (r *BootstrapRunner) processStep(ctx context.Context, step BootstrapStep) (stepResult, error) {
	path := r.SSM.SSMPath(step.SSMCategoryKey)
	res := stepResult{Label: step.HumanLabel, Path: path, Env: step.EnvTarget}

	exists, err := r.SSM.ParameterExists(ctx, path)
	if err != nil {
		return res, err
	}
	res.InSSM = exists
	if exists {
		fmt.Fprintf(r.Stderr, "  Parameter already exists: %s\n", path)
		overwrite, err := r.confirm("  [S]kip or [O]verwrite? ", "o", "s")
		if err != nil {
			return res, err
		}
		if !overwrite {
			res.Action = "skipped"
			return res, nil
		}
	}

	var value string
	switch step.Source {
	case SourceGenerated:
		if value, err = GenerateSecureToken(); err != nil {
			return res, err
		}
		fmt.Fprintf(r.Stderr, "  Auto-generated (%d chars)\n", len(value))
	default:
		value, err = r.promptAndValidate(ctx, step)
		if errors.Is(err, errSkipped) {
			fmt.Fprintln(r.Stderr, "  Skipped.")
			res.Action = "skipped"
			return res, nil
		}
		if err != nil {
			return res, err
		}
	}

	if step.ParamType == ParamSecureString {
		err = r.SSM.PutSecret(ctx, path, value, exists)
	} else {
		err = r.SSM.PutString(ctx, path, value)
	}
	if err != nil {
		return res, err
	}

	res.InSSM = true
	switch {
	case exists:
		res.Action = "overwritten"
	case step.Source == SourceGenerated:
		res.Action = "generated"
	default:
		res.Action = "written"
	}
	fmt.Fprintf(r.Stderr, "  Stored: %s\n", path)
	return res, nil
}

func (r *BootstrapRunner) promptAndValidate(ctx context.Context, step BootstrapStep) (string, error) {
	fmt.Fprintf(r.Stderr, "  %s\n", step.Prompt)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		read := r.readInput
		if step.IsSecret {
			read = r.readSecretInput
		}
		input, err := read("  > ")
		if err != nil {
			return "", fmt.Errorf("reading input for %s: %w", step.HumanLabel, err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			if step.Optional {
				return "", errSkipped
			}
			fmt.Fprintln(r.Stderr, "  A value is required.")
			continue
		}
		if step.IsSecret {
			fmt.Fprintf(r.Stderr, "  Received %d chars.\n", len(input))
		}
		if step.ValidateFn != nil {
			vr := step.ValidateFn(ctx, input)
			if !vr.Valid {
				fmt.Fprintf(r.Stderr, "  Validation failed: %s (%d/%d)\n", vr.Message, attempt, maxRetries)
				continue
			}
			fmt.Fprintf(r.Stderr, "  Validated: %s\n", vr.Message)
		}
		return input, nil
	}
	return "", fmt.Errorf("maximum retries (%d) exceeded for %s", maxRetries, step.HumanLabel)
}

func (r *BootstrapRunner) scanLine() (string, error) {
	if r.scanner == nil {
		r.scanner = bufio.NewScanner(r.Stdin)
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *BootstrapRunner) readInput(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	return r.scanLine()
}

// readSecretInput disables echo when stdin is a terminal.
func (r *BootstrapRunner) readSecretInput(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	if f, ok := r.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(r.Stderr)
		return string(b), err
	}
	return r.scanLine()
}

// confirm loops until the operator answers yes or no.
func (r *BootstrapRunner) confirm(prompt, yes, no string) (bool, error) {
	for {
		fmt.Fprint(r.Stderr, prompt)
		line, err := r.scanLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case yes, yes + "verwrite":
			return true, nil
		case no, no + "kip":
			return false, nil
		}
	}
}

func (r *BootstrapRunner) printSummary(results []stepResult) {
	fmt.Fprintln(r.Stderr, "\n============================================================")
	fmt.Fprintln(r.Stderr, "  Bootstrap Summary")
	fmt.Fprintln(r.Stderr, "============================================================")
	for _, res := range results {
		fmt.Fprintf(r.Stderr, "  %-14s %s\n", "["+strings.ToUpper(res.Action)+"]", res.Label)
	}
	fmt.Fprintln(r.Stderr, "------------------------------------------------------------")
	fmt.Fprintln(r.Stderr, "  Deploy with:")
	for _, res := range results {
		if !res.InSSM {
			continue
		}
		fmt.Fprintf(r.Stderr, "    %s_SSM_PARAM=%s\n", res.Env, res.Path)
	}
	fmt.Fprintln(r.Stderr)
}
