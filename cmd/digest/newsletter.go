package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nri_digest/internal/bot"
	"nri_digest/internal/delivery"
)

const defaultActor = "cli"

func newApproveCmd(a *app) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "approve <issue>",
		Short: "Approve an issue for sending, or re-arm one that failed or was interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := bot.ParseIssueArg(args[0])
			if err != nil {
				return err
			}
			n, err := delivery.Approve(cmd.Context(), a.store, issue, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "issue #%d approved\n", n.IssueNumber)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "name recorded as the reviewer")
	return cmd
}

func newScheduleCmd(a *app) *cobra.Command {
	var (
		actor string
		at    string
	)
	cmd := &cobra.Command{
		Use:   "schedule <issue>",
		Short: "Schedule an approved issue for automatic sending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := bot.ParseIssueArg(args[0])
			if err != nil {
				return err
			}
			when, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at %q: want RFC 3339, e.g. 2026-10-26T09:00:00+05:30", at)
			}
			n, err := delivery.Schedule(cmd.Context(), a.store, issue, when, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "issue #%d scheduled for %s\n",
				n.IssueNumber, when.In(a.cfg.Location()).Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "send time in RFC 3339")
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "name recorded on the status change")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newSendCmd(a *app) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "send <issue>",
		Short: "Send an approved or scheduled issue now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := bot.ParseIssueArg(args[0])
			if err != nil {
				return err
			}
			n, err := a.store.GetNewsletterByIssue(cmd.Context(), issue)
			if err != nil {
				return fmt.Errorf("load issue %d: %w", issue, err)
			}
			sender, err := a.sender()
			if err != nil {
				return err
			}
			sum, err := sender.Send(cmd.Context(), n.ID, actor)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), bot.FormatSendSummary(sum))
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "name recorded as the sender")
	return cmd
}
