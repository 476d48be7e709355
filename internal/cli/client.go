package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-idp/pipeline/internal/client"
	"github.com/go-idp/pipeline/internal/definition"
	"github.com/go-idp/pipeline/internal/model"
	"github.com/go-idp/pipeline/internal/report"
)

type clientOptions struct {
	params     []string
	username   string
	password   string
	jsonOutput bool
	verbose    bool
}

func newClientCommand(a *app) *cobra.Command {
	opts := clientOptions{username: a.cfg.Username, password: a.cfg.Password}

	cmd := &cobra.Command{
		Use:   "client <addr> <definition>",
		Short: "Run a pipeline definition on a server",
		Long:  "Submit a pipeline definition to a server, stream its progress and report the result.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRemote(cmd.Context(), args[0], args[1], opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.params, "param", "p", nil, "Pipeline param (KEY=VALUE, repeatable)")
	cmd.Flags().StringVar(&opts.username, "username", opts.username, "Basic auth username")
	cmd.Flags().StringVar(&opts.password, "password", opts.password, "Basic auth password")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print step log lines")
	return cmd
}

func (a *app) runRemote(ctx context.Context, addr, ref string, opts clientOptions) error {
	params, err := definition.ParseParams(opts.params)
	if err != nil {
		return err
	}
	def, err := definition.Open(ctx, ref)
	if err != nil {
		return err
	}

	c, err := client.New(addr,
		client.WithBasicAuth(opts.username, opts.password),
		client.WithLogger(a.consoleLogger()),
	)
	if err != nil {
		return err
	}

	out := a.stdout
	if opts.jsonOutput {
		out = a.stderr
	}
	printer := report.NewPrinter(out, opts.verbose)

	res, err := c.RunRemoteStream(ctx, def, params, func(ev model.Event) error {
		printer.Event(ev)
		return nil
	})
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
