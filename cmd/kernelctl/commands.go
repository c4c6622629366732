package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/orneryd/nornicdb-kernel/pkg/config"
	"github.com/orneryd/nornicdb-kernel/pkg/fsys"
	"github.com/orneryd/nornicdb-kernel/pkg/kernel"
	"github.com/orneryd/nornicdb-kernel/pkg/logging"
	"github.com/orneryd/nornicdb-kernel/pkg/recovery"
	"github.com/orneryd/nornicdb-kernel/pkg/txlog"
)

func openLog(cfg *config.Config) (*txlog.LogicalLog, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return txlog.Open(fsys.NewOS(), cfg.LogDir(), txlog.Options{Logger: logger})
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}
	log, err := openLog(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	segments := log.Segments()
	if len(segments) == 0 {
		fmt.Fprintf(out, "No log segments in %s\n", log.Dir())
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Segment", "Version", "Log ID", "Size", "Records", "First Tx", "Last Tx", "Sealed", "Torn Tail", "Status"})
	table.SetAutoFormatHeaders(false)

	var (
		failed int
		last   txlog.SegmentSummary
	)
	for _, seq := range segments {
		r, err := log.Reader(seq)
		if err != nil {
			return err
		}
		s := r.Inspect()
		last = s

		status := "ok"
		switch {
		case s.Err != nil:
			status = s.Err.Error()
			failed++
		case s.Header.LogID != seq:
			status = fmt.Sprintf("log id mismatch (header %d)", s.Header.LogID)
			failed++
		case s.Header.Version != txlog.CurrentFormatVersion:
			status = fmt.Sprintf("format v%d, build v%d", s.Header.Version, txlog.CurrentFormatVersion)
		}

		table.Append([]string{
			txlog.SegmentFileName(seq),
			strconv.Itoa(int(s.Header.Version)),
			strconv.FormatUint(s.Header.LogID, 10),
			config.FormatByteSize(s.Size),
			strconv.Itoa(s.Records),
			strconv.FormatUint(s.FirstTxID, 10),
			strconv.FormatUint(s.LastTxID, 10),
			yesNo(s.Sealed),
			yesNo(s.TornTail),
			status,
		})
	}
	table.Render()

	if last.Clean() {
		fmt.Fprintln(out, "Last shutdown: clean")
	} else {
		fmt.Fprintln(out, "Last shutdown: unclean")
	}
	if failed > 0 {
		return fmt.Errorf("%d malformed segment(s)", failed)
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("read-only") {
		cfg.Database.ReadOnly, _ = cmd.Flags().GetBool("read-only")
	}
	if engine, _ := cmd.Flags().GetString("storage-engine"); engine != "" {
		cfg.Storage.Engine = engine
	}

	out := cmd.OutOrStdout()
	k, err := kernel.Open(cfg)
	var startupErr *kernel.StartupError
	if errors.As(err, &startupErr) {
		printResult(cmd, startupErr.Result)
		if recovery.IsVersionSkew(err) {
			fmt.Fprintln(out, "The log was written by a different format version and cannot be replayed safely.")
		}
		return err
	}
	if err != nil {
		return err
	}

	printResult(cmd, k.Startup())
	if err := k.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func printResult(cmd *cobra.Command, res recovery.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "State:           %s\n", res.State)
	fmt.Fprintf(out, "Read-only:       %s\n", yesNo(res.ReadOnly))
	fmt.Fprintf(out, "Segments:        %d scanned\n", len(res.Scanned))
	fmt.Fprintf(out, "Clean shutdown:  %s\n", yesNo(res.CleanShutdown))
	fmt.Fprintf(out, "Upgraded:        %s\n", yesNo(res.Upgraded))
	fmt.Fprintf(out, "Replayed:        %d records, %d operations\n", res.Replayed, res.Operations)
	fmt.Fprintf(out, "Last tx:         %d\n", res.LastTxID)
	if res.Err != nil {
		fmt.Fprintf(out, "Error:           %v\n", res.Err)
	}
}

func runDowngrade(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}
	seq, err := parseSegment(args[1])
	if err != nil {
		return err
	}
	log, err := openLog(cfg)
	if err != nil {
		return err
	}

	r, err := log.Reader(seq)
	if err != nil {
		return err
	}
	s := r.Inspect()
	if s.Err != nil {
		return s.Err
	}

	to, _ := cmd.Flags().GetInt("to")
	if to < 0 {
		if s.Header.Version == 0 {
			return fmt.Errorf("segment %d is already at version 0", seq)
		}
		to = int(s.Header.Version) - 1
	}
	if to > 255 {
		return fmt.Errorf("version %d out of range", to)
	}

	h, err := log.SetSegmentVersion(seq, uint8(to))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d -> %d\n", txlog.SegmentFileName(seq), s.Header.Version, h.Version)
	return nil
}
