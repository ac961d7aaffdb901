package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackrun/stackrun/pkg/actions"
	"github.com/stackrun/stackrun/pkg/telemetry"
)

// runAction executes one action against the configured stacks and prints
// its result.
func runAction(ctx context.Context, name string, force bool) (err error) {
	kind, err := actions.KindFor(name)
	if err != nil {
		return err
	}

	env, err := openEnvironment(ctx)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if closed {
			return
		}
		if cerr := env.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	runner, err := env.runner(ctx, force)
	if err != nil {
		return err
	}

	var enc *lockedEncoder
	if jsonOutput {
		enc = &lockedEncoder{enc: json.NewEncoder(os.Stdout)}
		env.tel.Events.Subscribe(func(e telemetry.Event) {
			enc.Encode(e)
		}, nil)
	} else {
		env.tel.Events.Subscribe(progressPrinter(os.Stderr), progressFilter(verbose))
	}

	log.Info().
		Str("action", name).
		Str("namespace", env.cfg.Namespace).
		Int("stacks", len(env.cfg.Stacks)).
		Msg("Starting action")

	res, runErr := runner.Run(ctx, kind)

	// Drain pending events before the result is printed.
	closed = true
	if cerr := env.Close(ctx); cerr != nil {
		log.Warn().Err(cerr).Msg("Failed to close environment")
	}

	if res != nil {
		if jsonOutput {
			enc.Encode(res)
		} else {
			printResult(os.Stdout, res)
		}
	}
	return runErr
}

// lockedEncoder writes JSON lines from concurrent subscribers.
type lockedEncoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (l *lockedEncoder) Encode(v any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON output")
	}
}

// progressFilter passes step and policy events. Without verbose only
// warnings and errors are shown.
func progressFilter(verbose bool) telemetry.EventFilter {
	byType := telemetry.FilterByType(telemetry.EventTypeStepFinished, telemetry.EventTypePolicyViolation)
	if verbose {
		return byType
	}
	byLevel := telemetry.FilterByLevel(telemetry.EventLevelWarning)
	return func(e telemetry.Event) bool {
		return byType(e) && byLevel(e)
	}
}

func progressPrinter(w io.Writer) telemetry.EventSubscriber {
	var mu sync.Mutex
	return func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Stack != "" {
			fmt.Fprintf(w, "[%s] %s: %s\n", e.Level, e.Stack, e.Message)
			return
		}
		fmt.Fprintf(w, "[%s] %s\n", e.Level, e.Message)
	}
}

var changeSymbols = map[actions.ChangeAction]string{
	actions.ChangeCreate: "+",
	actions.ChangeUpdate: "~",
	actions.ChangeDelete: "-",
	actions.ChangeNone:   "=",
}

func printResult(w io.Writer, res *actions.Result) {
	fmt.Fprintf(w, "%s %s: %s\n", res.Action, res.Namespace, res.Status)
	if res.Status == actions.ResultNotConfirmed {
		fmt.Fprintf(w, "  nothing was changed, rerun with --force to %s\n", res.Action)
	}

	for _, c := range res.Changes {
		if c.Action == actions.ChangeNone && !verbose {
			continue
		}
		fmt.Fprintf(w, "  %s %s (%s)", changeSymbols[c.Action], c.Stack, c.FQN)
		if len(c.Details) > 0 {
			fmt.Fprintf(w, ": %s", strings.Join(c.Details, ", "))
		}
		fmt.Fprintln(w)
	}

	if o := res.Outcome; o != nil {
		if len(o.Failed) > 0 {
			fmt.Fprintf(w, "  failed: %s\n", strings.Join(o.Failed, ", "))
		}
		if len(o.SkippedDueToFailure) > 0 {
			fmt.Fprintf(w, "  not attempted: %s\n", strings.Join(o.SkippedDueToFailure, ", "))
		}
		if len(o.Pending) > 0 {
			fmt.Fprintf(w, "  interrupted: %s\n", strings.Join(o.Pending, ", "))
		}
	}

	s := res.Summary()
	fmt.Fprintf(w, "%d created, %d updated, %d deleted, %d unchanged in %s\n",
		s.Created, s.Updated, s.Deleted, s.Unchanged, res.Duration.Round(time.Millisecond))
}
