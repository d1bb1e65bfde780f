package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/dat-relay/chat"
	"github.com/onnwee/dat-relay/config"
	"github.com/onnwee/dat-relay/dat"
)

// NewRootCmd builds the datctl command tree.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "datctl",
		Short:         "Query 2ch-compatible dat boards",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = version
	cmd.SetVersionTemplate("datctl version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().Bool("json", false, "output in JSON format")
	cmd.PersistentFlags().Duration("timeout", 0, "HTTP timeout (default DAT_HTTP_TIMEOUT)")

	cmd.AddCommand(
		newFetchCmd(),
		newSubjectCmd(),
		newSubjectsCmd(),
		newNextCmd(),
	)
	return cmd
}

// setup resolves the fetcher, thread and a bounded context for one command.
func setup(cmd *cobra.Command, uri string) (context.Context, context.CancelFunc, *dat.Fetcher, *dat.Thread, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	timeout := cfg.DatHTTPTimeout
	if d, _ := cmd.Flags().GetDuration("timeout"); d > 0 {
		timeout = d
	}
	th, err := dat.NewThread(uri)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*timeout+5*time.Second)
	return ctx, cancel, dat.NewFetcher(timeout, cfg.DatUserAgent), th, nil
}

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())
	if dat.ClassifyError(err) == dat.ErrorClassFatal {
		fmt.Fprintln(cmd.ErrOrStderr(), "Hint: the thread is gone from the board (dat落ち). Try: datctl next <uri>")
	}
	return err
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <thread-uri>",
		Short: "Fetch a thread and print its posts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, f, th, err := setup(cmd, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer cancel()

			recs, err := f.Retrieve(ctx, th, true)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if from, _ := cmd.Flags().GetInt("from"); from > 1 {
				recs = th.Records(from)
			}
			if last, _ := cmd.Flags().GetInt("last"); last > 0 && len(recs) > last {
				recs = recs[len(recs)-last:]
			}
			if jsonFlag(cmd) {
				return writeJSON(cmd, recs)
			}
			for _, r := range recs {
				fmt.Fprintln(cmd.OutOrStdout(), chat.FormatRecord(r))
			}
			return nil
		},
	}
	cmd.Flags().Int("from", 1, "first post number to print")
	cmd.Flags().Int("last", 0, "print only the last N posts")
	return cmd
}

func newSubjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subject <thread-uri>",
		Short: "Print a thread's subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, f, th, err := setup(cmd, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer cancel()

			subject, err := f.Subject(ctx, th)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonFlag(cmd) {
				return writeJSON(cmd, map[string]any{"uri": th.URI(), "subject": subject, "posts": th.Len()})
			}
			fmt.Fprintln(cmd.OutOrStdout(), subject)
			return nil
		},
	}
}

func newSubjectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subjects <thread-uri>",
		Short: "List the board index (subject.txt) of a thread's board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, f, th, err := setup(cmd, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer cancel()

			index, err := f.SubjectIndex(ctx, th)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonFlag(cmd) {
				return writeJSON(cmd, index)
			}
			for _, e := range index {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", e.Key, e.Posts, e.Subject)
			}
			return nil
		},
	}
}

func newNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <thread-uri>",
		Short: "Rank candidate successor threads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, f, th, err := setup(cmd, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer cancel()

			cands, err := f.GuessNext(ctx, th)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if top, _ := cmd.Flags().GetInt("top"); top > 0 && len(cands) > top {
				cands = cands[:top]
			}
			if jsonFlag(cmd) {
				return writeJSON(cmd, cands)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Current Thread: %s\n", th.Subject())
			for _, c := range cands {
				fmt.Fprintln(cmd.OutOrStdout(), chat.FormatCandidate(c))
			}
			return nil
		},
	}
	cmd.Flags().Int("top", 3, "number of candidates to print (0 for all)")
	return cmd
}
