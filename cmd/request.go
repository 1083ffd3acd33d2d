package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/courtsched/internal/config"
	"github.com/example/courtsched/internal/db"
	"github.com/example/courtsched/internal/migrate"
	"github.com/example/courtsched/internal/queue"
)

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Manage reservation requests (non-API)",
	}
	cmd.AddCommand(newRequestCreateCmd())
	cmd.AddCommand(newRequestListCmd())
	cmd.AddCommand(newRequestCancelCmd())
	return cmd
}

func openRepo(ctx context.Context) (*queue.Repo, *db.DB, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, nil, err
	}
	return queue.NewRepo(d, loc, cfg.BookingWindow, cfg.Courts), d, nil
}

func newRequestCreateCmd() *cobra.Command {
	var (
		owner   string
		channel string
		date    string
		at      string
		courts  string
		tier    string
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Queue a reservation request",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			repo, d, err := openRepo(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			prefs, err := parseCourtList(courts)
			if err != nil {
				return err
			}

			req, err := repo.Enqueue(ctx, queue.Submission{
				Owner:      queue.Owner{ID: owner, Channel: channel},
				TargetDate: date,
				TargetTime: at,
				CourtPrefs: prefs,
				Tier:       queue.Tier(tier),
			})
			if err != nil {
				return err
			}
			fmt.Printf("queued %s (opens %s)\n", req.ID, req.OpenAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}

	c.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	c.Flags().StringVar(&channel, "channel", "", "notification channel")
	c.Flags().StringVar(&date, "date", "", "target date YYYY-MM-DD (required)")
	c.Flags().StringVar(&at, "time", "", "slot start HH:MM (required)")
	c.Flags().StringVar(&courts, "courts", "", "preferred courts, e.g. 2,1,3 (required)")
	c.Flags().StringVar(&tier, "tier", string(queue.TierStandard), "priority tier: admin|elevated|standard")
	_ = c.MarkFlagRequired("owner")
	_ = c.MarkFlagRequired("date")
	_ = c.MarkFlagRequired("time")
	_ = c.MarkFlagRequired("courts")
	return c
}

func newRequestListCmd() *cobra.Command {
	var owner string
	var history bool

	c := &cobra.Command{
		Use:   "list",
		Short: "List an owner's requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			repo, d, err := openRepo(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			reqs, err := repo.ListForOwner(ctx, owner)
			if err != nil {
				return err
			}
			for _, r := range reqs {
				line := fmt.Sprintf("%s  %s %s  courts=%v  tier=%s  status=%s  attempts=%d",
					r.ID, r.TargetDate.Format("2006-01-02"), r.TargetTime, r.CourtPrefs, r.Tier, r.Status, r.AttemptCount)
				if r.ConfirmationRef != nil {
					line += "  ref=" + *r.ConfirmationRef
				}
				if r.LastError != nil {
					line += "  err=" + *r.LastError
				}
				fmt.Println(line)
			}

			if history {
				outcomes, err := repo.OutcomesForOwner(ctx, owner)
				if err != nil {
					return err
				}
				for _, o := range outcomes {
					fmt.Printf("history: %s  %s  %s  %s\n",
						o.RecordedAt.Format("2006-01-02 15:04:05"), o.RequestID, o.Status, o.Detail)
				}
			}
			return nil
		},
	}

	c.Flags().StringVar(&owner, "owner", "", "owner id (required)")
	c.Flags().BoolVar(&history, "history", false, "include terminal-outcome history")
	_ = c.MarkFlagRequired("owner")
	return c
}

func newRequestCancelCmd() *cobra.Command {
	var owner string

	c := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Queue a cancellation (applied on the scheduler's next cycle)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			repo, d, err := openRepo(ctx)
			if err != nil {
				return err
			}
			defer d.Close()

			// The CLI is an operator surface; cancellations are admin-capable.
			ok, err := repo.RequestCancellation(ctx, args[0], owner, true)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no cancellable request %s", args[0])
			}
			fmt.Println("cancellation queued")
			return nil
		},
	}

	c.Flags().StringVar(&owner, "owner", "", "acting owner id")
	return c
}

func parseCourtList(s string) ([]int, error) {
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid court %q", p)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("--courts must name at least one court")
	}
	return out, nil
}
