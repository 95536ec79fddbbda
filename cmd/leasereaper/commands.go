package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sashakarcz/leasereaper/internal/config"
	"github.com/sashakarcz/leasereaper/internal/netio"
	"github.com/sashakarcz/leasereaper/internal/probe"
	"github.com/sashakarcz/leasereaper/internal/release"
	"github.com/sashakarcz/leasereaper/internal/stats"
	"github.com/sashakarcz/leasereaper/internal/storage"
)

const timeLayout = "2006-01-02 15:04:05"

// withStore runs fn against a bootstrapped store
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, store *storage.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, store, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, cfg, store)
}

// releaser sends a single release on behalf of an operator
type releaser interface {
	Release(ctx context.Context, t release.Target, dryRun bool) (succeeded, wasDryRun bool)
}

// manualRelease releases the lease held by mac using the current engine
// settings. A dry run leaves the registry untouched.
func manualRelease(ctx context.Context, store *storage.Store, rel releaser, mac string, now time.Time) (string, error) {
	mac, err := config.NormalizeMAC(mac)
	if err != nil {
		return "", fmt.Errorf("invalid hardware address: %w", err)
	}
	d, err := store.GetDevice(ctx, mac)
	if err != nil {
		return "", err
	}
	if d == nil {
		return "", storage.ErrNotFound
	}
	st, err := store.GetSettings(ctx)
	if err != nil {
		return "", err
	}

	ok, dry := rel.Release(ctx, release.Target{
		IP:        d.IP,
		MAC:       d.MAC,
		ServerIP:  st.DHCPServerIP,
		Interface: st.Interface,
	}, st.DryRun)
	if !ok {
		msg := fmt.Sprintf("Manual release failed for IP %s", d.IP)
		if err := store.AppendLog(ctx, storage.LevelError, storage.CategoryError, msg); err != nil {
			return "", err
		}
		return "", errors.New(msg)
	}
	if dry {
		return fmt.Sprintf("Simulated release of %s completed", d.IP), nil
	}

	entry := storage.LogEntry{
		Level:    storage.LevelInfo,
		Category: storage.CategoryUser,
		Message:  fmt.Sprintf("IP %s released manually (MAC: %s)", d.IP, d.MAC),
	}
	if err := store.MarkReleasedManual(ctx, d.MAC, entry, stats.DateOf(now)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Release for %s sent", d.IP), nil
}

func newReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <mac>",
		Short: "Release the lease held by a device now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.Store) error {
				msg, err := manualRelease(ctx, store, release.New(netio.Injector{}, store), args[0], time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}
}

func newExcludeCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "exclude <mac>",
		Short: "Protect a device from automatic release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mac, err := config.NormalizeMAC(args[0])
			if err != nil {
				return fmt.Errorf("invalid hardware address: %w", err)
			}
			return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.Store) error {
				d, err := store.SetExcluded(ctx, mac, !off)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) excluded=%t\n", d.MAC, d.IP, d.IsExcluded)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "Remove the exclusion instead of setting it")
	return cmd
}

func newPingCmd() *cobra.Command {
	var (
		timeout    time.Duration
		privileged bool
	)
	cmd := &cobra.Command{
		Use:   "ping <ip>",
		Short: "Check whether an address answers a reachability probe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			up, err := probe.New(timeout, privileged).Reachable(ctx, args[0])
			if err != nil {
				return err
			}
			state := "down"
			if up {
				state = "up"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", args[0], state)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "Probe timeout")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "Use raw ICMP sockets")
	return cmd
}

func newDevicesCmd() *cobra.Command {
	var q storage.DeviceQuery
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List registry devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.Store) error {
				page, err := store.ListDevices(ctx, q)
				if err != nil {
					return err
				}
				printDevices(cmd.OutOrStdout(), page)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Search, "search", "", "Substring match on IP, MAC or vendor")
	cmd.Flags().StringVar(&q.SortBy, "sort", "last_seen", "Sort field")
	cmd.Flags().BoolVar(&q.Desc, "desc", true, "Sort descending")
	cmd.Flags().IntVar(&q.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&q.PerPage, "per-page", 50, "Devices per page")
	return cmd
}

func printDevices(out io.Writer, page *storage.DevicePage) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MAC\tIP\tVENDOR\tSTATUS\tEXCLUDED\tSEEN BY\tLAST SEEN")
	for _, d := range page.Devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			d.MAC, d.IP, d.Vendor, d.Status, d.IsExcluded, d.LastSeenBy,
			d.LastSeen.Local().Format(timeLayout))
	}
	tw.Flush()
	fmt.Fprintf(out, "page %d/%d, %d devices\n", page.Page, page.TotalPages, page.TotalItems)
}

func newLogsCmd() *cobra.Command {
	var (
		limit    int
		category string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent audit log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.Store) error {
				entries, err := store.ListLogs(ctx, storage.LogQuery{
					Limit:    limit,
					Category: storage.LogCategory(category),
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, e := range entries {
					fmt.Fprintf(out, "%s %-7s [%s] %s\n",
						e.Timestamp.Local().Format(timeLayout), e.Level, e.Category, e.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum entries")
	cmd.Flags().StringVar(&category, "category", "", "Filter by category (user, release, discovery, error, dry_run, system)")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show daily release statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if to == "" {
				to = stats.DateOf(time.Now())
			}
			if from == "" {
				t, err := time.ParseInLocation(stats.DateLayout, to, time.Local)
				if err != nil {
					return fmt.Errorf("invalid --to date: %w", err)
				}
				from = stats.DateOf(t.AddDate(0, 0, -6))
			}
			return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.Store) error {
				days, err := store.DailyStats(ctx, from, to)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "DATE\tINACTIVITY\tMAC LIST\tMANUAL\tPEAK ACTIVE\tTOTAL")
				for _, d := range days {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n",
						d.Date, d.ReleasesInactivity, d.ReleasesMACList, d.ReleasesManual,
						d.PeakActiveDevices, d.TotalDevices)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "First day (YYYY-MM-DD), defaults to a week before --to")
	cmd.Flags().StringVar(&to, "to", "", "Last day (YYYY-MM-DD), defaults to today")
	return cmd
}

func newClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every device and audit log entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.Store) error {
				devices, logs, err := store.ClearAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d devices and %d log entries\n", devices, logs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the deletion")
	return cmd
}

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the engine settings",
		Args:  cobra.NoArgs,
	}
	flags := cmd.Flags()
	flags.String("subnet", "", "Subnet to sweep (CIDR)")
	flags.String("server", "", "DHCP server address")
	flags.String("interface", "", "Network interface")
	flags.Int("threshold-hours", 0, "Inactivity threshold in hours, 0 disables")
	flags.StringSlice("mac-prefixes", nil, "Hardware address prefixes to release")
	flags.Bool("dry-run", true, "Only log releases")
	flags.String("mode", "", "Discovery mode (active, passive, both)")
	flags.String("policy", "", "Release policy (immediate, verify-liveness-first)")
	flags.Int("interval", 0, "Poll interval in seconds")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.Store) error {
			st, err := store.GetSettings(ctx)
			if err != nil {
				return err
			}
			updated, err := applySettingsFlags(cmd, st)
			if err != nil {
				return err
			}
			if changes := config.Diff(st, updated); len(changes) > 0 {
				if err := store.SaveSettings(ctx, updated); err != nil {
					return err
				}
				parts := make([]string, 0, len(changes))
				for _, c := range changes {
					parts = append(parts, c.String())
				}
				msg := "Settings updated: " + strings.Join(parts, ", ")
				if err := store.AppendLog(ctx, storage.LevelInfo, storage.CategoryUser, msg); err != nil {
					return err
				}
				st = updated
			}
			printSettings(cmd.OutOrStdout(), st)
			return nil
		})
	}
	return cmd
}

// applySettingsFlags copies every explicitly set flag onto st
func applySettingsFlags(cmd *cobra.Command, st config.Settings) (config.Settings, error) {
	f := cmd.Flags()
	if f.Changed("subnet") {
		st.ScanSubnet, _ = f.GetString("subnet")
	}
	if f.Changed("server") {
		st.DHCPServerIP, _ = f.GetString("server")
	}
	if f.Changed("interface") {
		st.Interface, _ = f.GetString("interface")
	}
	if f.Changed("threshold-hours") {
		st.InactivityThresholdHours, _ = f.GetInt("threshold-hours")
	}
	if f.Changed("mac-prefixes") {
		prefixes, _ := f.GetStringSlice("mac-prefixes")
		st.MACPrefixes = strings.Join(prefixes, "\n")
	}
	if f.Changed("dry-run") {
		st.DryRun, _ = f.GetBool("dry-run")
	}
	if f.Changed("mode") {
		mode, _ := f.GetString("mode")
		st.DiscoveryMode = config.DiscoveryMode(mode)
	}
	if f.Changed("policy") {
		p, _ := f.GetString("policy")
		st.ReleasePolicy = config.ReleasePolicy(p)
	}
	if f.Changed("interval") {
		st.PollIntervalSeconds, _ = f.GetInt("interval")
	}

	if err := st.Validate(); err != nil {
		return st, err
	}
	return st, nil
}

func printSettings(out io.Writer, st config.Settings) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "scan_subnet\t%s\n", st.ScanSubnet)
	fmt.Fprintf(tw, "dhcp_server_ip\t%s\n", st.DHCPServerIP)
	fmt.Fprintf(tw, "network_interface\t%s\n", st.Interface)
	fmt.Fprintf(tw, "inactivity_threshold_hours\t%d\n", st.InactivityThresholdHours)
	fmt.Fprintf(tw, "mac_prefixes\t%s\n", strings.Join(st.Prefixes(), ", "))
	fmt.Fprintf(tw, "dry_run\t%t\n", st.DryRun)
	fmt.Fprintf(tw, "discovery_mode\t%s\n", st.DiscoveryMode)
	fmt.Fprintf(tw, "release_policy\t%s\n", st.ReleasePolicy)
	fmt.Fprintf(tw, "poll_interval_seconds\t%d\n", st.PollIntervalSeconds)
	tw.Flush()
}
