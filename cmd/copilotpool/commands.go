package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"copilotpool/internal/app"
	"copilotpool/internal/core"
	"copilotpool/internal/credentials"
	"copilotpool/internal/server"
)

func (c *cli) newStatusCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the credential pool and the exhausted area",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := app.OpenStore(c.cfg)
			if err != nil {
				return err
			}
			inv, err := store.Inventory()
			if err != nil {
				return err
			}
			return writeInventory(cmd.OutOrStdout(), inv, output, time.Now())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "table, json or yaml")
	return cmd
}

func writeInventory(w io.Writer, inv credentials.Inventory, output string, now time.Time) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(inv)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(inv)
	case "table":
	default:
		return fmt.Errorf("unknown output format %q", output)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tRANK\tRECOVERS\tLOCATION")
	for _, e := range inv.Active {
		rank := "-"
		if e.State == credentials.KindRanked.String() {
			rank = fmt.Sprint(e.Rank)
		}
		fmt.Fprintf(tw, "%s\t%s\t-\t%s\n", e.State, rank, e.Location)
	}
	for _, e := range inv.Exhausted {
		recovers := "-"
		if e.RecoverAt != nil {
			recovers = e.RecoverAt.Format(time.RFC3339)
			if d := e.RecoverAt.Sub(now); d > 0 {
				recovers += " (in " + d.Round(time.Minute).String() + ")"
			} else {
				recovers += " (due)"
			}
		}
		fmt.Fprintf(tw, "%s\t-\t%s\t%s\n", e.State, recovers, e.Location)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d active, %d exhausted\n", len(inv.Active), len(inv.Exhausted))
	return err
}

func (c *cli) newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rotate to a credential with chat quota and print the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.New(c.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = application.Shutdown(cmd.Context()) }()

			if err := application.Sessions().Acquire(cmd.Context()); err != nil {
				return withHint(err)
			}
			return writeSession(cmd.OutOrStdout(), server.Summarize(application.Sessions().Current()))
		},
	}
}

func writeSession(w io.Writer, s server.SessionSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "token\t%s\n", s.Fingerprint)
	fmt.Fprintf(tw, "chat quota\t%d\n", s.ChatQuota)
	keys := make([]string, 0, len(s.Quotas))
	for k := range s.Quotas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s\t%d\n", k, s.Quotas[k])
	}
	if s.ResetAt != nil {
		fmt.Fprintf(tw, "resets\t%s\n", s.ResetAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "endpoint\t%s\n", s.APIBaseURL)
	fmt.Fprintf(tw, "telemetry\t%t\n", s.TelemetryEnabled)
	return tw.Flush()
}

func (c *cli) newAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add [file]",
		Short: "Add a GitHub token to the end of the pool",
		Long: "Add a GitHub token to the end of the pool. The token is read from " +
			"the given file, from standard input, or prompted for on a terminal.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := c.readSecret(args)
			if err != nil {
				return err
			}
			store, err := app.OpenStore(c.cfg)
			if err != nil {
				return err
			}
			cred, err := store.Add(secret)
			if err != nil {
				return fmt.Errorf("failed to add token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", cred.Location)
			return nil
		},
	}
}

func (c *cli) readSecret(args []string) (string, error) {
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	if f, ok := c.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(c.stderr, "GitHub token: ")
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(c.stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	line, err := bufio.NewReader(c.stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *cli) newChatCommand() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Send one chat completion through the pool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := app.New(c.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = application.Shutdown(cmd.Context()) }()

			resp, err := application.Client().ChatCompletion(cmd.Context(), &core.ChatRequest{
				Model:    model,
				Messages: []core.Message{{Role: "user", Content: strings.Join(args, " ")}},
			})
			if err != nil {
				return withHint(err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("upstream returned no choices")
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Choices[0].Message.Content)
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "gpt-4o", "model to request")
	return cmd
}

func (c *cli) newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models available to the current account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.New(c.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = application.Shutdown(cmd.Context()) }()

			resp, err := application.Client().ListModels(cmd.Context())
			if err != nil {
				return withHint(err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tVENDOR")
			for _, m := range resp.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ID, m.Name, m.Vendor)
			}
			return tw.Flush()
		},
	}
}
