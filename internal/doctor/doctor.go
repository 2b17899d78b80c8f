package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/moltbunker/fasset/internal/config"
)

// Doctor runs preflight checks against a daemon configuration
type Doctor struct {
	checkers []Checker
	output   *Output
	writer   io.Writer
	options  Options
}

// New creates a Doctor writing to stdout with the default checkers for cfg
func New(cfg *config.Config, opts Options) *Doctor {
	useColors := !opts.JSON && isTerminal(os.Stdout)
	return NewWithWriter(cfg, opts, os.Stdout, useColors)
}

// NewWithWriter creates a Doctor with a custom writer (useful for testing)
func NewWithWriter(cfg *config.Config, opts Options, w io.Writer, useColors bool) *Doctor {
	d := &Doctor{
		options: opts,
		output:  NewOutput(w, useColors),
		writer:  w,
	}
	if cfg != nil {
		d.checkers = DefaultCheckers(cfg)
	}
	return d
}

// DefaultCheckers returns the checks for cfg, in the order they run.
// Chain checks depend on whether cfg uses mock collaborators.
func DefaultCheckers(cfg *config.Config) []Checker {
	checkers := []Checker{
		NewConfigChecker(cfg),
		NewSettingsChecker(cfg),
		NewStoreChecker(cfg),
	}
	if cfg.Chain.Mock {
		checkers = append(checkers, NewMockPriceChecker(cfg))
	} else {
		checkers = append(checkers,
			NewOperatorKeyChecker(cfg),
			NewRPCChecker(cfg))
	}
	return append(checkers,
		NewListenAddrChecker(cfg.API.ListenAddr),
		NewFileDescriptorChecker())
}

// AddChecker adds a custom checker
func (d *Doctor) AddChecker(c Checker) {
	d.checkers = append(d.checkers, c)
}

// Run executes all checks and returns a report
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	checkers := d.filterCheckers()
	report := &Report{
		Checks: make([]CheckResult, 0, len(checkers)),
	}

	if d.options.JSON {
		for _, checker := range checkers {
			result := checker.Check(ctx)
			report.Checks = append(report.Checks, result)
			d.updateSummary(&report.Summary, result)
		}
		return report, d.outputJSON(report)
	}

	d.output.Header()
	for i, checker := range checkers {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("doctor interrupted: %w", err)
		}
		d.output.CheckStart(i+1, len(checkers), checker.Name())
		result := checker.Check(ctx)
		d.output.CheckResult(result)
		report.Checks = append(report.Checks, result)
		d.updateSummary(&report.Summary, result)
	}
	d.output.Summary(report.Summary)

	return report, nil
}

// filterCheckers returns checkers filtered by category if specified
func (d *Doctor) filterCheckers() []Checker {
	if d.options.Category == "" {
		return d.checkers
	}

	filtered := make([]Checker, 0)
	for _, c := range d.checkers {
		if c.Category() == d.options.Category {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func (d *Doctor) updateSummary(summary *Summary, result CheckResult) {
	summary.Total++
	switch result.Status {
	case StatusOK:
		summary.Passed++
	case StatusError:
		summary.Failed++
	case StatusWarning:
		summary.Warned++
	case StatusSkipped:
		summary.Skipped++
	}
}

func (d *Doctor) outputJSON(report *Report) error {
	enc := json.NewEncoder(d.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
