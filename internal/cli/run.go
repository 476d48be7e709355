package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-idp/pipeline/internal/composite"
	"github.com/go-idp/pipeline/internal/config"
	"github.com/go-idp/pipeline/internal/definition"
	"github.com/go-idp/pipeline/internal/executor"
	"github.com/go-idp/pipeline/internal/model"
	"github.com/go-idp/pipeline/internal/plan"
	"github.com/go-idp/pipeline/internal/report"
	"github.com/go-idp/pipeline/internal/step"
)

type runOptions struct {
	params         []string
	maxConcurrency int
	timeout        time.Duration
	jsonOutput     bool
	verbose        bool
}

func newRunCommand(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Execute a pipeline definition locally",
		Long:  "Execute a pipeline definition from a file or an http(s) URL in this process.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.params, "param", "p", nil, "Pipeline param (KEY=VALUE, repeatable)")
	cmd.Flags().IntVar(&opts.maxConcurrency, "max-concurrency", a.cfg.MaxConcurrency, "Maximum steps running at once")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Overall run timeout (0 for none)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print step log lines")
	return cmd
}

// newBuilder wires the step kinds, including nested pipelines, to a plan
// builder and executor configured from cfg.
func newBuilder(cfg config.Config, opts ...executor.Option) (*plan.Builder, *executor.Executor) {
	builder := plan.NewBuilder(step.NewDefaultRegistry(), plan.Defaults{
		StepTimeout: cfg.StepTimeout,
		Retry: plan.RetryPolicy{
			MaxAttempts:    cfg.RetryAttempts,
			InitialBackoff: cfg.RetryBackoff,
			MaxBackoff:     cfg.RetryMaxBackoff,
			Multiplier:     2,
		},
	})
	x := executor.New(append([]executor.Option{executor.WithGracePeriod(cfg.GracePeriod)}, opts...)...)
	composite.Register(builder, x)
	return builder, x
}

func (a *app) run(ctx context.Context, ref string, opts runOptions) error {
	params, err := definition.ParseParams(opts.params)
	if err != nil {
		return err
	}
	def, err := definition.Open(ctx, ref)
	if err != nil {
		return err
	}

	logger := a.consoleLogger()
	builder, x := newBuilder(a.cfg,
		executor.WithMaxConcurrency(opts.maxConcurrency),
		executor.WithLogger(logger),
	)
	p, err := builder.Build(def)
	if err != nil {
		return err
	}

	out := a.stdout
	if opts.jsonOutput {
		out = a.stderr
	}
	printer := report.NewPrinter(out, opts.verbose)

	ec := executor.NewExecutionContext(ctx, model.NewID(), params,
		executor.WithEventSink(printer.Event),
		executor.WithTimeout(opts.timeout),
	)
	res, err := x.Execute(p, ec)
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		if err := report.WriteJSON(a.stdout, res); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	} else {
		printer.Summary(res)
	}
	return resultError(res.Status)
}
