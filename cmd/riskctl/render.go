package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/mbd888/riskdesk/pkg/riskdesk"
)

// renderer prints desk state for a terminal.
type renderer struct {
	w io.Writer
}

var (
	bold   = color.New(color.Bold).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
)

func bandColor(band string) func(a ...interface{}) string {
	switch band {
	case "great":
		return green
	case "best":
		return cyan
	case "better":
		return yellow
	case "bad":
		return red
	}
	return fmt.Sprint
}

func stateColor(state string) string {
	switch state {
	case riskdesk.StateCompleted:
		return green(state)
	case riskdesk.StateError:
		return red(state)
	case riskdesk.StateIdle:
		return faint(state)
	}
	return yellow(state)
}

func (r *renderer) riskTypes(types []riskdesk.RiskType) {
	for _, t := range types {
		fmt.Fprintf(r.w, "%s %s\n", bold(t.RiskType), faint("("+t.Title+")"))
		for _, f := range t.Fields {
			marker := " "
			if f.Required {
				marker = "*"
			}
			line := fmt.Sprintf("  %s %-22s %-7s", marker, f.Name, f.Kind)
			if v, ok := t.Preset[f.Name]; ok {
				line += fmt.Sprintf(" preset=%v", v)
			}
			fmt.Fprintln(r.w, strings.TrimRight(line, " "))
		}
	}
}

func (r *renderer) assessment(a *riskdesk.Assessment) {
	fmt.Fprintf(r.w, "%-24s %s", bold(a.RiskType), stateColor(a.State))
	if a.PollCount > 0 {
		fmt.Fprintf(r.w, " %s", faint(fmt.Sprintf("polls=%d", a.PollCount)))
	}
	if a.JobID != "" {
		fmt.Fprintf(r.w, " %s", faint("job="+a.JobID))
	}
	fmt.Fprintln(r.w)
	if a.Error != "" {
		fmt.Fprintf(r.w, "  %s\n", red(a.Error))
	}
	if a.Result != nil {
		r.result(a.Result)
	}
}

func (r *renderer) presentation(p *riskdesk.Presentation) {
	fmt.Fprintf(r.w, "%s\n", bold(p.Type))
	r.result(&p.Data)
}

func (r *renderer) result(res *riskdesk.Result) {
	paint := bandColor(res.Band)
	if res.RiskScoreRaw != nil {
		score := fmt.Sprintf("%.0f/100", *res.RiskScoreRaw)
		if res.Band != "" {
			score += " " + res.Band
		}
		fmt.Fprintf(r.w, "  score   %s\n", paint(score))
	}
	if res.RiskScorePercentage != "" {
		fmt.Fprintf(r.w, "  rating  %s\n", paint(res.RiskScorePercentage))
	}
	if len(res.InputData) > 0 {
		keys := make([]string, 0, len(res.InputData))
		for k := range res.InputData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, res.InputData[k]))
		}
		fmt.Fprintf(r.w, "  input   %s\n", strings.Join(pairs, " "))
	}
	if res.DetailedAssessment != "" {
		fmt.Fprintf(r.w, "\n%s\n", res.DetailedAssessment)
	}
}

func (r *renderer) runs(runs []riskdesk.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(r.w, faint("no runs"))
		return
	}
	for _, run := range runs {
		fmt.Fprintf(r.w, "%s  %-36s %s", run.StartedAt.Format("2006-01-02 15:04"), run.ID, stateColor(run.State))
		if run.Result != nil && run.Result.RiskScoreRaw != nil {
			fmt.Fprintf(r.w, " %s", bandColor(run.Result.Band)(fmt.Sprintf("%.0f", *run.Result.RiskScoreRaw)))
		}
		fmt.Fprintln(r.w)
	}
}
