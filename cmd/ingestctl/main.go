// Command ingestctl is the operator CLI for an ingestd deployment: it
// inspects and replays the archive, lists and replays dead-lettered
// items, reports dedup cache occupancy, and validates a config file
// without starting the service.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalsink/ingestd/internal/archive"
	"github.com/vitalsink/ingestd/internal/clix"
	"github.com/vitalsink/ingestd/internal/config"
	"github.com/vitalsink/ingestd/internal/dedup"
	"github.com/vitalsink/ingestd/internal/dlq"
	"github.com/vitalsink/ingestd/internal/domain"
	"github.com/vitalsink/ingestd/internal/transform"
	"github.com/vitalsink/ingestd/internal/tswriter"
)

type rootOptions struct {
	format     string
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(clix.GetExitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ingestctl",
		Short: "Operate a running ingestd deployment",
		Long:  "Inspect the archive, dead-letter queue, and dedup cache of an ingestd deployment, and validate configuration, without starting the HTTP service.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "json" && opts.format != "text" {
				return clix.NewExitError(clix.ExitInvalidArgs, fmt.Sprintf("invalid --format %q: must be json or text", opts.format))
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config file")

	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newArchiveCommand(opts))
	cmd.AddCommand(newDLQCommand(opts))
	cmd.AddCommand(newDedupCommand(opts))
	return cmd
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return config.Config{}, clix.WrapExitError(clix.ExitOperationalError, "load config", err)
	}
	return cfg, nil
}

func (o *rootOptions) formatter(cmd *cobra.Command) *clix.Formatter {
	return &clix.Formatter{Format: o.format, Writer: cmd.OutOrStdout()}
}

// --- config ---

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(newConfigValidateCommand(opts))
	return cmd
}

func newConfigValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate",
		Short:         "Load and validate a config file without starting the service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				opts.formatter(cmd).Failure("E_CONFIG", err.Error())
				return err
			}
			return opts.formatter(cmd).Success(cfg, "config is valid")
		},
	}
}

// --- archive ---

func newArchiveCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "archive", Short: "Inspect and replay the archive store"}
	cmd.AddCommand(newArchiveStatsCommand(opts))
	cmd.AddCommand(newArchiveReplayCommand(opts))
	return cmd
}

func (o *rootOptions) openArchive() (config.Config, *archive.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return cfg, nil, err
	}
	if !cfg.Archive.Enabled {
		return cfg, nil, clix.NewExitError(clix.ExitOperationalError, "archive is disabled in config")
	}
	arc, err := archive.New(cfg.Archive)
	if err != nil {
		return cfg, nil, clix.WrapExitError(clix.ExitOperationalError, "open archive", err)
	}
	return cfg, arc, nil
}

func newArchiveStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Report archive file counts and disk usage",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, arc, err := opts.openArchive()
			if err != nil {
				opts.formatter(cmd).Failure("E_ARCHIVE", err.Error())
				return err
			}
			st, err := arc.Stats()
			if err != nil {
				wrapped := clix.WrapExitError(clix.ExitOperationalError, "read archive stats", err)
				opts.formatter(cmd).Failure("E_ARCHIVE", wrapped.Error())
				return wrapped
			}
			return opts.formatter(cmd).Success(st, fmt.Sprintf(
				"archive %s: %d jsonl, %d compressed, %d bytes, %d writes",
				st.ArchiveDir, st.JSONLFiles, st.CompressedFiles, st.TotalSizeBytes, st.WriteCount))
		},
	}
}

type replayOptions struct {
	*rootOptions
	start   string
	end     string
	dryRun  bool
}

func newArchiveReplayCommand(opts *rootOptions) *cobra.Command {
	ropts := &replayOptions{rootOptions: opts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay archived payloads from a date range back through the pipeline",
		Long: `Replay walks every rotation file between --start and --end (inclusive,
UTC calendar days) and re-runs each entry through transform, dedup, and the
time series writer. Use --dry-run to count entries without writing anything.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchiveReplay(ropts, cmd)
		},
	}
	cmd.Flags().StringVar(&ropts.start, "start", "", "start date, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&ropts.end, "end", "", "end date, YYYY-MM-DD (defaults to --start)")
	cmd.Flags().BoolVar(&ropts.dryRun, "dry-run", false, "count entries without writing")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

type replayResult struct {
	EntriesRead     int `json:"entries_read"`
	PointsProduced  int `json:"points_produced"`
	PointsWritten   int `json:"points_written"`
	PointsDuplicate int `json:"points_duplicate"`
	TransformErrors int `json:"transform_errors"`
}

func runArchiveReplay(opts *replayOptions, cmd *cobra.Command) error {
	start, err := time.Parse("2006-01-02", opts.start)
	if err != nil {
		ee := clix.NewExitError(clix.ExitInvalidArgs, fmt.Sprintf("invalid --start %q", opts.start))
		opts.formatter(cmd).Failure("E_ARGS", ee.Error())
		return ee
	}
	end := start
	if opts.end != "" {
		end, err = time.Parse("2006-01-02", opts.end)
		if err != nil {
			ee := clix.NewExitError(clix.ExitInvalidArgs, fmt.Sprintf("invalid --end %q", opts.end))
			opts.formatter(cmd).Failure("E_ARGS", ee.Error())
			return ee
		}
	}

	cfg, arc, err := opts.openArchive()
	if err != nil {
		opts.formatter(cmd).Failure("E_ARCHIVE", err.Error())
		return err
	}

	registry := transform.NewRegistry(cfg.App.DefaultSource)

	var dedupCache *dedup.Cache
	if cfg.Dedup.Enabled {
		dedupCache = dedup.New(dedup.Opts{
			MaxSize:        cfg.Dedup.MaxSize,
			TTL:            time.Duration(cfg.Dedup.TTLHours) * time.Hour,
			ReservationTTL: time.Duration(cfg.Dedup.ReservationTTLSec) * time.Second,
			PersistPath:    cfg.Dedup.PersistPath,
		})
		if cfg.Dedup.PersistEnabled {
			_ = dedupCache.Restore()
		}
	}

	var writer *tswriter.Writer
	if !opts.dryRun {
		writer = tswriter.New(cfg.TSDB, cfg.Breaker, cfg.Limiter, cmdLogger(), nil)
	}

	res := replayResult{}
	cb := func(topic string, payload []byte, id string) error {
		res.EntriesRead++
		raw, decodeErr := decodeJSONMap(payload)
		if decodeErr != nil {
			res.TransformErrors++
			return nil
		}
		points, failures := registry.Process(raw)
		res.TransformErrors += len(failures)
		res.PointsProduced += len(points)
		if len(points) == 0 {
			return nil
		}

		toWrite := points
		if dedupCache != nil {
			toWrite = dedupCache.FilterDuplicates(points)
		}
		res.PointsDuplicate += len(points) - len(toWrite)
		if len(toWrite) == 0 {
			return nil
		}

		if opts.dryRun {
			res.PointsWritten += len(toWrite)
			return nil
		}
		writer.Write(context.Background(), toWrite)
		for _, p := range toWrite {
			if dedupCache != nil {
				dedupCache.MarkProcessed(p)
			}
		}
		res.PointsWritten += len(toWrite)
		return nil
	}

	if _, err := arc.Replay(context.Background(), start, end, cb); err != nil {
		ee := clix.WrapExitError(clix.ExitOperationalError, "replay failed", err)
		opts.formatter(cmd).Failure("E_REPLAY", ee.Error())
		return ee
	}

	if writer != nil {
		if err := writer.Flush(context.Background()); err != nil {
			opts.formatter(cmd).Failure("E_REPLAY", err.Error())
			return clix.WrapExitError(clix.ExitOperationalError, "final flush failed", err)
		}
	}
	if dedupCache != nil && cfg.Dedup.PersistEnabled {
		_ = dedupCache.Checkpoint()
	}

	return opts.formatter(cmd).Success(res, fmt.Sprintf(
		"replayed %d entries: %d points produced, %d written, %d duplicate, %d transform errors",
		res.EntriesRead, res.PointsProduced, res.PointsWritten, res.PointsDuplicate, res.TransformErrors))
}

// --- dlq ---

func newDLQCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "dlq", Short: "Inspect and replay the dead-letter queue"}
	cmd.AddCommand(newDLQListCommand(opts))
	cmd.AddCommand(newDLQShowCommand(opts))
	cmd.AddCommand(newDLQReplayCommand(opts))
	cmd.AddCommand(newDLQClearCommand(opts))
	cmd.AddCommand(newDLQStatsCommand(opts))
	return cmd
}

func (o *rootOptions) openDLQ() (config.Config, *dlq.Queue, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return cfg, nil, err
	}
	if !cfg.DLQ.Enabled {
		return cfg, nil, clix.NewExitError(clix.ExitOperationalError, "dlq is disabled in config")
	}
	q, err := dlq.Open(cfg.DLQ)
	if err != nil {
		return cfg, nil, clix.WrapExitError(clix.ExitOperationalError, "open dlq", err)
	}
	return cfg, q, nil
}

func newDLQStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Report dead-letter queue occupancy by category",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, q, err := opts.openDLQ()
			if err != nil {
				opts.formatter(cmd).Failure("E_DLQ", err.Error())
				return err
			}
			defer q.Close()
			st, err := q.Stats()
			if err != nil {
				ee := clix.WrapExitError(clix.ExitOperationalError, "read dlq stats", err)
				opts.formatter(cmd).Failure("E_DLQ", ee.Error())
				return ee
			}
			return opts.formatter(cmd).Success(st, fmt.Sprintf("dlq: %d/%d entries, avg retry %.1f", st.TotalEntries, st.MaxEntries, st.AvgRetryCount))
		},
	}
}

func newDLQListCommand(opts *rootOptions) *cobra.Command {
	var category string
	var limit, offset int

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List dead-lettered entries, newest first",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, q, err := opts.openDLQ()
			if err != nil {
				opts.formatter(cmd).Failure("E_DLQ", err.Error())
				return err
			}
			defer q.Close()
			entries, err := q.GetEntries(domain.DLQCategory(category), limit, offset)
			if err != nil {
				ee := clix.WrapExitError(clix.ExitOperationalError, "list dlq entries", err)
				opts.formatter(cmd).Failure("E_DLQ", ee.Error())
				return ee
			}
			return opts.formatter(cmd).Success(entries, fmt.Sprintf("%d entries", len(entries)))
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func newDLQShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <id>",
		Short:         "Show one dead-lettered entry's decoded payload",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, q, err := opts.openDLQ()
			if err != nil {
				opts.formatter(cmd).Failure("E_DLQ", err.Error())
				return err
			}
			defer q.Close()
			e, err := q.GetEntry(args[0])
			if err != nil {
				ee := clix.WrapExitError(clix.ExitOperationalError, "get dlq entry", err)
				opts.formatter(cmd).Failure("E_DLQ", ee.Error())
				return ee
			}
			return opts.formatter(cmd).Success(e, string(e.Payload))
		},
	}
}

func newDLQReplayCommand(opts *rootOptions) *cobra.Command {
	var category string
	var id string
	var limit int

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-submit one entry or every entry in a category to the pipeline",
		Long: `Replay decodes the entry's payload, runs it through transform and
dedup, and writes surviving points to the time series backend. A successful
replay deletes the entry; a failed one increments its retry count.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" && category == "" {
				ee := clix.NewExitError(clix.ExitInvalidArgs, "one of --id or --category is required")
				opts.formatter(cmd).Failure("E_ARGS", ee.Error())
				return ee
			}
			return runDLQReplay(opts, cmd, id, category, limit)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "replay a single entry by id")
	cmd.Flags().StringVar(&category, "category", "", "replay every entry in a category")
	cmd.Flags().IntVar(&limit, "limit", 100, "max entries to replay when using --category")
	return cmd
}

func runDLQReplay(opts *rootOptions, cmd *cobra.Command, id, category string, limit int) error {
	cfg, q, err := opts.openDLQ()
	if err != nil {
		opts.formatter(cmd).Failure("E_DLQ", err.Error())
		return err
	}
	defer q.Close()

	registry := transform.NewRegistry(cfg.App.DefaultSource)
	var dedupCache *dedup.Cache
	if cfg.Dedup.Enabled {
		dedupCache = dedup.New(dedup.Opts{
			MaxSize:        cfg.Dedup.MaxSize,
			TTL:            time.Duration(cfg.Dedup.TTLHours) * time.Hour,
			ReservationTTL: time.Duration(cfg.Dedup.ReservationTTLSec) * time.Second,
		})
	}
	writer := tswriter.New(cfg.TSDB, cfg.Breaker, cfg.Limiter, cmdLogger(), nil)

	fn := func(topic string, payload []byte) error {
		raw, decodeErr := decodeJSONMap(payload)
		if decodeErr != nil {
			return decodeErr
		}
		points, failures := registry.Process(raw)
		if len(failures) > 0 && len(points) == 0 {
			return failures[0].Err
		}
		if dedupCache != nil {
			points = dedupCache.FilterDuplicates(points)
		}
		if len(points) == 0 {
			return nil
		}
		writer.Write(context.Background(), points)
		return writer.Flush(context.Background())
	}

	if id != "" {
		if err := q.ReplayEntry(id, fn); err != nil {
			ee := clix.WrapExitError(clix.ExitOperationalError, "replay entry", err)
			opts.formatter(cmd).Failure("E_REPLAY", ee.Error())
			return ee
		}
		return opts.formatter(cmd).Success(map[string]string{"id": id, "status": "replayed"}, "entry replayed")
	}

	success, failure, err := q.ReplayCategory(domain.DLQCategory(category), limit, fn)
	if err != nil {
		ee := clix.WrapExitError(clix.ExitOperationalError, "replay category", err)
		opts.formatter(cmd).Failure("E_REPLAY", ee.Error())
		return ee
	}
	return opts.formatter(cmd).Success(
		map[string]int{"success": success, "failure": failure},
		fmt.Sprintf("replayed category %s: %d succeeded, %d failed", category, success, failure))
}

func newDLQClearCommand(opts *rootOptions) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:           "clear",
		Short:         "Delete every entry in the dead-letter queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				ee := clix.NewExitError(clix.ExitInvalidArgs, "refusing to clear without --yes")
				opts.formatter(cmd).Failure("E_ARGS", ee.Error())
				return ee
			}
			_, q, err := opts.openDLQ()
			if err != nil {
				opts.formatter(cmd).Failure("E_DLQ", err.Error())
				return err
			}
			defer q.Close()
			n, err := q.Clear()
			if err != nil {
				ee := clix.WrapExitError(clix.ExitOperationalError, "clear dlq", err)
				opts.formatter(cmd).Failure("E_DLQ", ee.Error())
				return ee
			}
			return opts.formatter(cmd).Success(map[string]int{"deleted": n}, fmt.Sprintf("deleted %d entries", n))
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm deletion of every entry")
	return cmd
}

// --- dedup ---

func newDedupCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "dedup", Short: "Inspect the dedup fingerprint cache"}
	cmd.AddCommand(newDedupStatsCommand(opts))
	return cmd
}

func newDedupStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Report dedup cache size restored from its last checkpoint (hit counters are not checkpointed)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				opts.formatter(cmd).Failure("E_DEDUP", err.Error())
				return err
			}
			if !cfg.Dedup.Enabled {
				ee := clix.NewExitError(clix.ExitOperationalError, "dedup is disabled in config")
				opts.formatter(cmd).Failure("E_DEDUP", ee.Error())
				return ee
			}
			c := dedup.New(dedup.Opts{
				MaxSize:        cfg.Dedup.MaxSize,
				TTL:            time.Duration(cfg.Dedup.TTLHours) * time.Hour,
				ReservationTTL: time.Duration(cfg.Dedup.ReservationTTLSec) * time.Second,
				PersistPath:    cfg.Dedup.PersistPath,
			})
			if err := c.Restore(); err != nil {
				ee := clix.WrapExitError(clix.ExitOperationalError, "restore dedup checkpoint", err)
				opts.formatter(cmd).Failure("E_DEDUP", ee.Error())
				return ee
			}
			st := c.Stats()
			return opts.formatter(cmd).Success(st, fmt.Sprintf("dedup: %d/%d cached, %.1f%% hit rate", st.Size, st.MaxSize, st.HitRatePct))
		},
	}
}
