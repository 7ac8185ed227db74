package conformance

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by Report.Write.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Formats lists the output formats.
var Formats = []string{FormatText, FormatJSON, FormatYAML}

// ErrUnknownFormat is returned by Report.Write for an unsupported format.
var ErrUnknownFormat = errors.New("unknown output format")

// Summary counts results by status.
type Summary struct {
	Total   int `json:"total" yaml:"total"`
	Passed  int `json:"passed" yaml:"passed"`
	Failed  int `json:"failed" yaml:"failed"`
	Skipped int `json:"skipped" yaml:"skipped"`
}

// Report is the record of one conformance run.
type Report struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	Device     string    `json:"device" yaml:"device"`
	Version    string    `json:"version" yaml:"version"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Summary    Summary   `json:"summary" yaml:"summary"`
	Results    []Result  `json:"results" yaml:"results"`
}

func (r *Report) summarize() {
	s := Summary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status {
		case StatusPass:
			s.Passed++
		case StatusFail:
			s.Failed++
		case StatusSkip:
			s.Skipped++
		}
	}
	r.Summary = s
}

// Failed reports whether any test failed.
func (r *Report) Failed() bool {
	return r.Summary.Failed > 0
}

// Write renders the report in format.
func (r *Report) Write(w io.Writer, format string) error {
	switch format {
	case FormatText, "":
		return r.writeText(w)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

func (r *Report) writeText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TEST\tSTATUS\tDURATION\tMESSAGE\n")
	for _, res := range r.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.ID(), res.Status, res.Duration.Round(time.Microsecond), res.Message)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nrun %s on %s: %d passed, %d failed, %d skipped (%d total)\n",
		r.RunID, r.Device, r.Summary.Passed, r.Summary.Failed, r.Summary.Skipped, r.Summary.Total)
	return err
}
