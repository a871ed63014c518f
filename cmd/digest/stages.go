package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCollectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Fetch every active source once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sum, err := a.collector().Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "collected %d new articles from %d sources (%d failed) in %s\n",
				sum.New, sum.Succeeded, sum.Failed, sum.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newFilterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "filter",
		Short: "Score pending articles for relevance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sum, err := a.relevance().Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d: %d accepted, %d rejected, %d retried (%.0f%% acceptance) in %s\n",
				sum.Processed, sum.Accepted, sum.Rejected, sum.Retried, sum.AcceptanceRate*100, sum.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newSummarizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summarize",
		Short: "Summarize accepted articles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sum, err := a.summarizer().Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "summarized %d, %d failed, %d retried in %s\n",
				sum.Summarized, sum.Failed, sum.Retried, sum.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newCompileCmd(a *app) *cobra.Command {
	var (
		at     string
		notify bool
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile last week's summarized articles into an issue for review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref := time.Now()
			if at != "" {
				t, err := time.ParseInLocation(time.DateOnly, at, a.cfg.Location())
				if err != nil {
					return fmt.Errorf("invalid --at %q: want YYYY-MM-DD", at)
				}
				ref = t
			}

			res, err := a.compiler().Compile(cmd.Context(), ref)
			if err != nil {
				return err
			}
			n := res.Newsletter
			fmt.Fprintf(cmd.OutOrStdout(), "compiled issue #%d %q with %d articles, awaiting review\n",
				n.IssueNumber, n.SubjectLine, res.Articles)

			if notify {
				b, err := a.bot(nil)
				if err != nil {
					return err
				}
				if b != nil {
					b.NotifyPendingReview(n)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "compile the last full week before this date (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&notify, "notify", false, "ask the Telegram admin chat to review the issue")
	return cmd
}
