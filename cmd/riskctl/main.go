// Command riskctl drives a riskdesk server from the terminal.
//
// Usage:
//
//	riskctl types                  # List risk types, input fields and presets
//	riskctl status [type]          # Show workflow state
//	riskctl run <type> [json]      # Start a run and follow it to the end
//	riskctl watch <type>           # Follow an in-flight run
//	riskctl latest                 # Show the most recent result
//	riskctl runs <type> [limit]    # Show run history
//
// RISKDESK_URL selects the server (default http://localhost:8080).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/mbd888/riskdesk/pkg/riskdesk"
)

// fallbackInterval paces status polling when the event stream is unavailable.
const fallbackInterval = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := os.Getenv("RISKDESK_URL")
	if url == "" {
		url = "http://localhost:8080"
	}

	if err := run(ctx, riskdesk.New(url), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: riskctl types|status [type]|run <type> [json]|watch <type>|latest|runs <type> [limit]")

func run(ctx context.Context, c *riskdesk.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	r := &renderer{w: out}

	switch args[0] {
	case "types":
		types, err := c.RiskTypes(ctx)
		if err != nil {
			return err
		}
		r.riskTypes(types)

	case "status":
		if len(args) > 1 {
			a, err := c.Assessment(ctx, args[1])
			if err != nil {
				return err
			}
			r.assessment(a)
			return nil
		}
		all, err := c.Assessments(ctx)
		if err != nil {
			return err
		}
		for i := range all {
			r.assessment(&all[i])
		}

	case "run":
		if len(args) < 2 {
			return errUsage
		}
		var input map[string]any
		if len(args) > 2 {
			if err := json.Unmarshal([]byte(args[2]), &input); err != nil {
				return fmt.Errorf("input must be a JSON object: %w", err)
			}
		}
		a, err := c.Start(ctx, args[1], input)
		if err != nil {
			var apiErr *riskdesk.APIError
			if errors.As(err, &apiErr) {
				for _, d := range apiErr.Details {
					fmt.Fprintf(out, "  %s: %s\n", d.Field, d.Message)
				}
			}
			return err
		}
		r.assessment(a)
		return follow(ctx, c, r, args[1])

	case "watch":
		if len(args) < 2 {
			return errUsage
		}
		return follow(ctx, c, r, args[1])

	case "latest":
		p, err := c.Latest(ctx)
		if riskdesk.IsNotFound(err) {
			fmt.Fprintln(out, "no assessment has completed yet")
			return nil
		}
		if err != nil {
			return err
		}
		r.presentation(p)

	case "runs":
		if len(args) < 2 {
			return errUsage
		}
		limit := 20
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil || n <= 0 {
				return fmt.Errorf("limit must be a positive integer")
			}
			limit = n
		}
		runs, err := c.Runs(ctx, args[1], limit)
		if err != nil {
			return err
		}
		r.runs(runs)

	default:
		return errUsage
	}
	return nil
}

// follow prints state changes of one workflow until its run ends. It uses
// the event stream and falls back to polling when the stream is unavailable.
func follow(ctx context.Context, c *riskdesk.Client, r *renderer, riskType string) error {
	current, err := c.Assessment(ctx, riskType)
	if err != nil {
		return err
	}
	if !current.InFlight() {
		r.assessment(current)
		return nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := c.Stream(streamCtx, riskType)
	if err != nil {
		fmt.Fprintln(r.w, faint("stream unavailable, polling"))
		return poll(ctx, c, r, riskType)
	}

	last := current.State
	for ev := range events {
		if ev.Type != riskdesk.EventAssessmentState {
			continue
		}
		a, err := ev.Assessment()
		if err != nil || a.RunID != current.RunID {
			continue
		}
		if a.State != last || a.Terminal() {
			r.assessment(a)
			last = a.State
		}
		if a.Terminal() {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Stream dropped mid-run
	return poll(ctx, c, r, riskType)
}

func poll(ctx context.Context, c *riskdesk.Client, r *renderer, riskType string) error {
	last := ""
	final, err := c.Wait(ctx, riskType, fallbackInterval, func(a *riskdesk.Assessment) {
		if a.State != last && a.InFlight() {
			r.assessment(a)
			last = a.State
		}
	})
	if err != nil {
		return err
	}
	r.assessment(final)
	return nil
}
