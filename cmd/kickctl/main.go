// Command kickctl drives a running kickchat service over its HTTP control API.
//
//	kickctl add xqc
//	kickctl list
//	kickctl pause xqc
//	kickctl resume-all
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	apiURL   string
	token    string
	username string
	password string
	timeout  time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "kickctl",
		Short:         "Control channel recording on a kickchat service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	f := root.PersistentFlags()
	f.StringVar(&opts.apiURL, "api-url", envOr("KICKCHAT_API_URL", "http://127.0.0.1:8080"), "control API base URL")
	f.StringVar(&opts.token, "token", os.Getenv("ADMIN_TOKEN"), "admin token (X-Admin-Token)")
	f.StringVar(&opts.username, "username", os.Getenv("ADMIN_USERNAME"), "basic auth username")
	f.StringVar(&opts.password, "password", os.Getenv("ADMIN_PASSWORD"), "basic auth password")
	f.DurationVar(&opts.timeout, "timeout", 15*time.Second, "request timeout")

	clientFor := func() *client {
		return newClient(opts.apiURL, opts.token, opts.username, opts.password, opts.timeout)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "add <channel>",
			Short: "Start recording a channel",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				name, err := clientFor().add(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List configured channels and their session state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				list, err := clientFor().list(cmd.Context())
				if err != nil {
					return err
				}
				printList(cmd.OutOrStdout(), list)
				return nil
			},
		},
		simpleCmd("pause <channel>", "Pause recording a channel", "paused", func(ctx context.Context, name string) error {
			return clientFor().pause(ctx, name)
		}),
		simpleCmd("resume <channel>", "Resume a paused channel", "resumed", func(ctx context.Context, name string) error {
			return clientFor().resume(ctx, name)
		}),
		simpleCmd("remove <channel>", "Stop recording a channel; stored records are kept", "removed", func(ctx context.Context, name string) error {
			return clientFor().remove(ctx, name)
		}),
		&cobra.Command{
			Use:   "resume-all",
			Short: "Resume every paused channel",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				n, err := clientFor().resumeAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resumed %d channel(s)\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "stats <channel>",
			Short: "Show stored record counts for a channel",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				stats, err := clientFor().stats(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			},
		},
	)
	return root
}

func simpleCmd(use, short, verb string, fn func(ctx context.Context, name string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := fn(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
			return nil
		},
	}
}

func printList(w io.Writer, list []channelStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tSTATE\tPAUSED\tDEGRADED\tSTORED\tDECODE_ERR\tWRITE_ERR")
	for _, c := range list {
		state := c.State
		if c.Attempt > 0 {
			state = fmt.Sprintf("%s(%d)", state, c.Attempt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%d\t%d\t%d\n",
			c.Name, state, c.Paused, c.Degraded,
			c.Counters.Stored, c.Counters.DecodeFailures, c.Counters.WriteFailures)
	}
	_ = tw.Flush()
}
