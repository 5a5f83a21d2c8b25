package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/spf13/cobra"

	"ferrysync/internal/admin"
	"ferrysync/internal/config"
	"ferrysync/internal/gtfs"
	"ferrysync/internal/model"
)

const timeLayout = "Mon 2006-01-02 15:04 MST"

// printResponse writes r and returns an error when it reports a failure, so
// the process exit status follows the outcome.
func printResponse(w io.Writer, r admin.Response, loc *time.Location) error {
	fmt.Fprintln(w, r.Message)
	if r.NextUpdate != nil {
		fmt.Fprintf(w, "Next update: %s\n", r.NextUpdate.In(loc).Format(timeLayout))
	}
	if !r.Success {
		return errors.New("operation failed")
	}
	return nil
}

func newRunNowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run-now",
		Short: "Check the mailbox and load the newest valid attachment",
		Long: `Run one ingestion cycle immediately. When loading the fetched file fails,
the newest valid file already in the update directory is loaded instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), a.admin.RunNow(cmd.Context()), a.cfg.Location())
		},
	}
}

func newLoadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Validate and load a timetable file",
		Long: `Validate and load a timetable file into the current store.
Files whose name contains "historical" are loaded into the historical store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), a.admin.LoadFile(cmd.Context(), args[0]), a.cfg.Location())
		},
	}
}

func newLoadHistoricalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load-historical <file>",
		Short: "Load a file into the historical store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			res, err := a.pipeline.LoadHistoricalFile(cmd.Context(), args[0])
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return err
		},
	}
}

func newFallbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fallback",
		Short: "Reload the newest valid file from the update directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), a.admin.Fallback(cmd.Context()), a.cfg.Location())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check that files have the timetable shape",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			invalid := 0
			for _, p := range args {
				if err := gtfs.Validate(p); err != nil {
					invalid++
					fmt.Fprintf(w, "INVALID %s: %v\n", p, err)
					continue
				}
				fmt.Fprintf(w, "OK      %s\n", p)
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d files invalid", invalid, len(args))
			}
			return nil
		},
	}
}

func newNextUpdateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "next-update",
		Short: "Show the next scheduled update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			next, ok := a.admin.NextUpdate()
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "No update days configured")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), next.In(a.cfg.Location()).Format(timeLayout))
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the update configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the update configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			writeConfig(cmd.OutOrStdout(), a.admin.Config())
			return nil
		},
	}

	var (
		at, subject, sender, dir string
		days                     []string
		daysBack                 int
		historical               bool
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change update configuration values",
		Long: `Change update configuration values. Only the given flags are changed.

Examples:
  # Run on Monday and Thursday at 04:30
  ferryctl config set --time 04:30 --days monday,thursday

  # Clear the sender filter
  ferryctl config set --sender ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			var p config.UpdatePatch
			if flags.Changed("time") {
				p.UpdateTime = &at
			}
			if flags.Changed("days") {
				p.UpdateDays = &days
			}
			if flags.Changed("subject") {
				p.Subject = &subject
			}
			if flags.Changed("sender") {
				p.Sender = &sender
			}
			if flags.Changed("days-back") {
				p.DaysBack = &daysBack
			}
			if flags.Changed("dir") {
				p.UpdateDirectory = &dir
			}
			if flags.Changed("historical") {
				p.EnableHistorical = &historical
			}

			if err := a.open(); err != nil {
				return err
			}
			if err := printResponse(cmd.OutOrStdout(), a.admin.UpdateConfig(p), a.cfg.Location()); err != nil {
				return err
			}
			writeConfig(cmd.OutOrStdout(), a.admin.Config())
			return nil
		},
	}
	set.Flags().StringVar(&at, "time", "", "update time of day, HH:MM")
	set.Flags().StringSliceVar(&days, "days", nil, "update weekdays, e.g. monday,wednesday")
	set.Flags().StringVar(&subject, "subject", "", "subject the update mail must contain")
	set.Flags().StringVar(&sender, "sender", "", "sender the update mail must come from (empty clears)")
	set.Flags().IntVar(&daysBack, "days-back", 0, "how many days back to search")
	set.Flags().StringVar(&dir, "dir", "", "update directory")
	set.Flags().BoolVar(&historical, "historical", false, "load historical companion files")

	cmd.AddCommand(show, set)
	return cmd
}

func writeConfig(w io.Writer, cfg config.UpdateConfig) {
	sender := "any"
	if cfg.EmailFilter.Sender != nil {
		sender = *cfg.EmailFilter.Sender
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "time\t%s\n", cfg.UpdateTime)
	fmt.Fprintf(tw, "days\t%s\n", strings.Join(cfg.UpdateDays, ","))
	fmt.Fprintf(tw, "subject\t%s\n", cfg.EmailFilter.Subject)
	fmt.Fprintf(tw, "sender\t%s\n", sender)
	fmt.Fprintf(tw, "days_back\t%d\n", cfg.EmailFilter.DaysBack)
	fmt.Fprintf(tw, "directory\t%s\n", cfg.UpdateDirectory)
	fmt.Fprintf(tw, "historical\t%t\n", cfg.EnableHistorical)
	_ = tw.Flush()
}

func newFilesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "List files in the update directory, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			files, err := a.admin.ListFiles()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED\tKIND")
			for _, f := range files {
				kind := "current"
				if f.Historical {
					kind = "historical"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", filepath.Base(f.Path), f.Size,
					f.ModTime.In(a.cfg.Location()).Format("2006-01-02 15:04"), kind)
			}
			return tw.Flush()
		},
	}
}

func newHistoricalCmd(a *app) *cobra.Command {
	var asCSV bool
	cmd := &cobra.Command{
		Use:   "historical <origin> <destination>",
		Short: "Show past operating date ranges of a port pair",
		Long: `Show past operating date ranges of a port pair. Ports may be given by code
or name; names are matched case-insensitively, partial names are accepted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			ranges, err := a.admin.Historical(cmd.Context(), model.HistoricalQuery{Origin: args[0], Destination: args[1]})
			if err != nil {
				return err
			}
			if asCSV {
				return writeCSV(cmd.OutOrStdout(), ranges)
			}
			return writeHistorical(cmd.OutOrStdout(), ranges)
		},
	}
	cmd.Flags().BoolVar(&asCSV, "csv", false, "write CSV instead of a table")
	return cmd
}

func writeHistorical(w io.Writer, ranges []model.HistoricalDateRange) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORIGIN\tDESTINATION\tSTART\tEND\tSEEN")
	for _, r := range ranges {
		fmt.Fprintf(tw, "%s (%s)\t%s (%s)\t%s\t%s\t%s\n",
			r.OriginName, r.OriginCode, r.DestinationName, r.DestinationCode, r.StartDate, r.EndDate, r.AppearDate)
	}
	return tw.Flush()
}

// fareRow is the CSV shape of a fare. Prices are in major units.
type fareRow struct {
	RouteID            int64  `csv:"route_id"`
	RouteNumber        string `csv:"route_number"`
	Company            string `csv:"company"`
	Origin             string `csv:"origin"`
	Destination        string `csv:"destination"`
	Date               string `csv:"date"`
	Departure          string `csv:"departure"`
	Arrival            string `csv:"arrival"`
	Vessel             string `csv:"vessel"`
	IndicativePrice    string `csv:"indicative_price"`
	Accommodation      string `csv:"accommodation"`
	AccommodationPrice string `csv:"accommodation_price"`
}

func fareRows(fares []model.Fare) []fareRow {
	rows := make([]fareRow, 0, len(fares))
	for _, f := range fares {
		rows = append(rows, fareRow{
			RouteID:            f.RouteID,
			RouteNumber:        f.RouteNumber,
			Company:            f.Company,
			Origin:             f.OriginPortName,
			Destination:        f.DestinationPortName,
			Date:               f.Date,
			Departure:          f.DepartureTime,
			Arrival:            f.ArrivalTime,
			Vessel:             f.Vessel,
			IndicativePrice:    f.IndicativePrice.String(),
			Accommodation:      f.Accommodation,
			AccommodationPrice: f.AccommodationPrice.String(),
		})
	}
	return rows
}

func newFaresCmd(a *app) *cobra.Command {
	var (
		filter model.FareFilter
		asCSV  bool
	)
	cmd := &cobra.Command{
		Use:   "fares",
		Short: "Query sailings with their prices",
		Long: `Query the joined view of routes, sailings and prices.

Examples:
  # All sailings from Piraeus on a date
  ferryctl fares --from PIR --date 2024-07-01

  # Export a route as CSV
  ferryctl fares --from Piraeus --to Naxos --csv > fares.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			fares, err := a.routes.Fares(cmd.Context(), filter)
			if err != nil {
				return err
			}
			rows := fareRows(fares)
			if asCSV {
				return writeCSV(cmd.OutOrStdout(), rows)
			}
			return writeFares(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVar(&filter.Origin, "from", "", "origin port code or name")
	cmd.Flags().StringVar(&filter.Destination, "to", "", "destination port code or name")
	cmd.Flags().StringVar(&filter.Date, "date", "", "sailing date, YYYY-MM-DD")
	cmd.Flags().BoolVar(&asCSV, "csv", false, "write CSV instead of a table")
	return cmd
}

func writeFares(w io.Writer, rows []fareRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tDEP\tARR\tROUTE\tVESSEL\tPRICE\tACCOMMODATION\tACC PRICE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s - %s\t%s\t%s\t%s\t%s\n",
			r.Date, r.Departure, r.Arrival, r.Origin, r.Destination, r.Vessel,
			r.IndicativePrice, r.Accommodation, r.AccommodationPrice)
	}
	return tw.Flush()
}

func writeCSV(w io.Writer, v any) error {
	data, err := csvutil.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func newDownloadCmd(a *app) *cobra.Command {
	var load bool
	cmd := &cobra.Command{
		Use:   "download <url>",
		Short: "Download a timetable file into the update directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), a.admin.Download(cmd.Context(), args[0], load), a.cfg.Location())
		},
	}
	cmd.Flags().BoolVar(&load, "load", true, "load the file after downloading")
	return cmd
}

func newTestMailCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "testmail",
		Short: "Check that the mailbox credentials work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), a.admin.TestConnection(cmd.Context()), a.cfg.Location())
		},
	}
}
