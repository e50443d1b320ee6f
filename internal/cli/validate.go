package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/chjohnst/Tron/internal/app"
	"github.com/chjohnst/Tron/internal/config"
	"github.com/chjohnst/Tron/internal/mcp"
)

// ErrInvalidConfig is returned when validation reports at least one problem.
var ErrInvalidConfig = errors.New("config is invalid")

// ValidationIssue is one problem found in the config.
type ValidationIssue struct {
	Job     string `json:"job,omitempty"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Jobs   int               `json:"jobs"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand checks a config file without starting anything.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate a config file without applying it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			res := validateFile(cmd.Context(), path)
			if err := writeResult(cmd.OutOrStdout(), res, rootOpts.JSON); err != nil {
				return err
			}
			if !res.Valid {
				return ErrInvalidConfig
			}
			return nil
		},
	}
}

func validateFile(ctx context.Context, path string) ValidationResult {
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ValidationResult{Errors: []ValidationIssue{{Message: err.Error()}}}
	}
	cfg, err := config.Decode(path, b)
	if err != nil {
		return ValidationResult{Errors: []ValidationIssue{{Message: err.Error()}}}
	}

	res := ValidationResult{Jobs: len(cfg.Jobs)}
	err = app.ValidateConfig(ctx, cfg, mcp.New(mcp.Options{}))
	if err == nil {
		res.Valid = true
		return res
	}
	ces := mcp.ConfigErrors(err)
	if len(ces) == 0 {
		res.Errors = append(res.Errors, ValidationIssue{Message: err.Error()})
		return res
	}
	for _, ce := range ces {
		res.Errors = append(res.Errors, ValidationIssue{Job: ce.Job, Action: ce.Action, Message: ce.Err.Error()})
	}
	return res
}

func writeResult(w io.Writer, res ValidationResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Valid {
		_, err := fmt.Fprintf(w, "ok: %d job(s)\n", res.Jobs)
		return err
	}
	for _, e := range res.Errors {
		var err error
		switch {
		case e.Job == "":
			_, err = fmt.Fprintf(w, "error: %s\n", e.Message)
		case e.Action == "":
			_, err = fmt.Fprintf(w, "error: job %s: %s\n", e.Job, e.Message)
		default:
			_, err = fmt.Fprintf(w, "error: job %s action %s: %s\n", e.Job, e.Action, e.Message)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
