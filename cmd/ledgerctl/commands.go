package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/obelisk/pkg/margin"
	"github.com/uhyunpark/obelisk/pkg/storage"
)

func newAccountsCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List account summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.withStore(func(store storage.LedgerStore) error {
				accounts, err := store.LoadAccounts()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VENUE\tEQUITY\tDEPOSITED\tREALIZED\tMARGIN\tPOSITIONS\tFROZEN")
				for _, a := range accounts {
					frozen := "-"
					if a.Frozen {
						frozen = a.FrozenReason
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
						a.Venue, a.Equity.StringFixed(4), a.Deposited.StringFixed(4),
						a.RealizedPnl.StringFixed(4), a.MarginUsed().StringFixed(4),
						len(a.Positions), frozen)
				}
				return w.Flush()
			})
		},
	}
}

func newHistoryCmd(rc *rootConfig) *cobra.Command {
	var (
		venueID string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List closed positions of a venue, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := margin.ValidateVenueID(venueID); err != nil {
				return fmt.Errorf("--venue: %w", err)
			}
			return rc.withStore(func(store storage.LedgerStore) error {
				recs, err := store.History(venueID, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CLOSED\tID\tCOIN\tSIDE\tSIZE\tENTRY\tEXIT\tREASON\tPNL")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						time.UnixMilli(r.ClosedAt).UTC().Format(time.RFC3339),
						r.ID, r.Instrument, r.Side, r.Size, r.EntryPrice, r.ExitPrice,
						r.CloseReason, r.Pnl.StringFixed(4))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&venueID, "venue", "", "venue id (required)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records, 0 for all")
	_ = cmd.MarkFlagRequired("venue")
	return cmd
}

func newVerifyCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every account against the ledger invariant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.withStore(func(store storage.LedgerStore) error {
				accounts, err := store.LoadAccounts()
				if err != nil {
					return err
				}
				failed := 0
				for _, a := range accounts {
					if err := a.CheckInvariant(); err != nil {
						failed++
						fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", a.Venue, err)
						continue
					}
					note := ""
					if a.Frozen {
						note = " (frozen: " + a.FrozenReason + ")"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "ok   %s%s\n", a.Venue, note)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d accounts failed verification", failed, len(accounts))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d accounts verified\n", len(accounts))
				return nil
			})
		},
	}
}

func newRepairCmd(rc *rootConfig) *cobra.Command {
	var (
		venueID string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Recompute equity from deposits and realized PnL, fix ownership and clear the freeze",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := margin.ValidateVenueID(venueID); err != nil {
				return fmt.Errorf("--venue: %w", err)
			}
			return rc.withStore(func(store storage.LedgerStore) error {
				acc, err := store.LoadAccount(venueID)
				if err != nil {
					return err
				}
				if acc == nil {
					return fmt.Errorf("%w: %s", margin.ErrVenueNotFound, venueID)
				}
				out := cmd.OutOrStdout()
				// Rows live under the venue's key prefix, so the prefix is the owner.
				changes, reowned, err := acc.Repair(time.Now().UnixMilli())
				for _, c := range changes {
					fmt.Fprintln(out, c)
				}
				if err != nil {
					return err
				}
				if dryRun {
					fmt.Fprintln(out, "dry run, nothing written")
					return nil
				}
				if len(reowned) > 0 {
					err = store.SavePositions(acc, reowned)
				} else {
					err = store.SaveAccount(acc)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s repaired\n", acc.Venue)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&venueID, "venue", "", "venue id (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without writing")
	_ = cmd.MarkFlagRequired("venue")
	return cmd
}
