package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/juanfont/impersonate/admin"
	"github.com/juanfont/impersonate/config"
	"github.com/juanfont/impersonate/types"
	"github.com/spf13/cobra"
)

var logsFlags struct {
	session      string
	impersonator string
	started      string
	limit        int
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List impersonation logs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.GetConfig()
		loc, err := cfg.Impersonate.Location()
		if err != nil {
			return err
		}

		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		query := url.Values{}
		for param, value := range map[string]string{
			"session":      logsFlags.session,
			"impersonator": logsFlags.impersonator,
			"started":      logsFlags.started,
		} {
			if value != "" {
				query.Set(param, value)
			}
		}

		filters := admin.LogFilters(db, cfg.Impersonate.MaxFilterSize, loc, time.Now)
		return listLogs(cmd.Context(), cmd.OutOrStdout(), db, filters, query, logsFlags.limit, loc)
	},
}

func init() {
	logsCmd.Flags().StringVar(&logsFlags.session, "session", "", "session state: complete or incomplete")
	logsCmd.Flags().StringVar(&logsFlags.impersonator, "impersonator", "", "impersonator user ID")
	logsCmd.Flags().StringVar(&logsFlags.started, "started", "",
		"started at: today, past_7_days, this_month, this_year, no_date or has_date")
	logsCmd.Flags().IntVar(&logsFlags.limit, "limit", 50, "maximum number of rows, 0 for all")
}

func listLogs(
	ctx context.Context,
	out io.Writer,
	store admin.Store,
	filters []admin.ListFilter,
	query url.Values,
	limit int,
	loc *time.Location,
) error {
	filter, _, err := admin.ApplyFilters(filters, query)
	if err != nil {
		var herr types.HTTPError
		if errors.As(err, &herr) {
			return errors.New(herr.Msg)
		}
		return err
	}

	logs, total, err := store.ListImpersonationLogs(ctx, filter, limit, 0)
	if err != nil {
		return err
	}
	views, err := admin.LogViews(ctx, store, logs)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tIMPERSONATOR\tIMPERSONATING\tSESSION KEY\tSTARTED\tDURATION")
	for _, v := range views {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.Impersonator, v.Impersonating, v.SessionKey, formatStarted(v, loc), v.Duration)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d of %d sessions\n", len(views), total)
	return nil
}

func formatStarted(v types.ImpersonationLogView, loc *time.Location) string {
	if v.SessionStartedAt == nil {
		return "-"
	}
	return v.SessionStartedAt.In(loc).Format("2006-01-02 15:04:05")
}
