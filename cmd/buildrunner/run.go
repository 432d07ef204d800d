package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"buildrunner/internal/config"
	"buildrunner/internal/engine"
	"buildrunner/internal/engine/jenkins"
	"buildrunner/internal/events"
	"buildrunner/internal/service"
)

type runFlags struct {
	params  []string
	follow  bool
	monitor bool
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run JOB...",
		Short: "run jobs and wait for their results",
		Long: "run submits every JOB, waits until each build has a result and prints it.\n" +
			"Jobs run concurrently; the command fails when any build fails or does not succeed.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, jobs []string) error {
			params, err := parseParams(flags.params)
			if err != nil {
				return err
			}
			publisher, err := events.New(cfg.Events)
			if err != nil {
				return fmt.Errorf("initialize events: %w", err)
			}
			defer publisher.Close()

			client := jenkins.NewClient(cfg.Jenkins)
			return runJobs(cmd.Context(), client, publisher, cfg, jobs, params, flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringArrayVarP(&flags.params, "param", "p", nil, "build parameter KEY=VALUE, repeatable")
	cmd.Flags().BoolVarP(&flags.follow, "follow", "f", false, "stream console output while the builds run")
	cmd.Flags().BoolVar(&flags.monitor, "monitor-console", false, "read console output even without --follow")
	return cmd
}

// parseParams turns KEY=VALUE pairs into a map; a later key wins
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected KEY=VALUE", pair)
		}
		params[key] = value
	}
	return params, nil
}

// lockedWriter serializes writes of concurrent runs
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func runJobs(ctx context.Context, svc engine.JobService, publisher events.Publisher, c *config.Config, jobs []string, params map[string]string, flags runFlags, out io.Writer) error {
	rc := runnerConfig(c)
	rc.MonitorConsole = rc.MonitorConsole || flags.monitor || flags.follow

	runs := service.NewManager(svc, service.Options{Runner: rc, Publisher: publisher})
	defer runs.Close()

	w := &lockedWriter{w: out}
	prefix := len(jobs) > 1

	var g errgroup.Group
	for _, job := range jobs {
		req := service.Request{Job: job, Parameters: params}
		lines := &linePrefixer{}
		if flags.follow {
			if prefix {
				lines.prefix = "[" + job + "] "
			}
			req.Console = func(_ context.Context, fragment string) error {
				w.printf("%s", lines.apply(fragment))
				return nil
			}
		}

		run, err := runs.Start(ctx, req)
		if err != nil {
			_ = runs.Close()
			_ = g.Wait()
			return err
		}

		g.Go(func() error {
			snap, err := runs.Wait(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("%s: %w", job, err)
			}
			if lines.midLine {
				w.printf("\n")
			}
			if runErr := run.Err(); runErr != nil {
				w.printf("%s: %s\n", job, runErr)
				return fmt.Errorf("%s: %w", job, runErr)
			}
			w.printf("%s #%d: %s\n", job, snap.Build.Number, snap.Build.Result)
			if snap.Build.Result != "SUCCESS" {
				return fmt.Errorf("%s #%d finished with %s", job, snap.Build.Number, snap.Build.Result)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("interrupted: %w", err)
		}
		return err
	}
	return nil
}

// linePrefixer prefixes every output line of one run. Fragments of a run
// arrive in order and may end mid-line, so the prefix goes only where a
// line actually starts.
type linePrefixer struct {
	prefix  string
	midLine bool
}

func (p *linePrefixer) apply(fragment string) string {
	if fragment == "" {
		return fragment
	}
	var b strings.Builder
	for _, line := range strings.SplitAfter(fragment, "\n") {
		if line == "" {
			continue
		}
		if !p.midLine {
			b.WriteString(p.prefix)
		}
		b.WriteString(line)
		p.midLine = !strings.HasSuffix(line, "\n")
	}
	return b.String()
}
