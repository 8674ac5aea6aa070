package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/NodePath81/joule/internal/app"
	"github.com/NodePath81/joule/internal/click"
	"github.com/NodePath81/joule/internal/config"
	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/meter"
	"github.com/NodePath81/joule/internal/store"
	"github.com/NodePath81/joule/internal/util"
)

func newProfileCommand(g *globalOptions) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Run every stint of a descriptor and record power and traffic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g, &o)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(g)
			if err != nil {
				return err
			}
			defer closeLog()

			supervisor := app.NewSupervisor(cfg, logger)
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				logger.Info("shutdown requested")
				supervisor.Stop()
				<-sigCh
				logger.Error("second signal, exiting without cleanup")
				os.Exit(1)
			}()

			err = supervisor.Run()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	addRunFlags(cmd, &o)
	cmd.Flags().StringVar(&o.results, "results", "", "record stints in this SQLite database")
	cmd.Flags().StringVar(&o.broker, "broker", "", "publish readings and stints to this MQTT broker")
	return cmd
}

func newMeterCommand(g *globalOptions) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "meter",
		Short: "Print power readings until interrupted",
		Long: `meter runs the configured power meter on its own. In dual mode every
line carries the physical reading, the model estimate and their difference.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g, &o)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(g)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			client := click.NewClient(cfg.Control.Timeout.Duration(), logger)
			client.Banner = cfg.Control.Banner
			m, closeMeter, err := app.OpenMeter(ctx, cfg, client, logger)
			if err != nil {
				return err
			}
			defer closeMeter()
			return runMeter(ctx, m, logger)
		},
	}
	addRunFlags(cmd, &o)
	return cmd
}

func runMeter(ctx context.Context, m meter.Meter, logger util.Logger) error {
	for {
		r, err := m.Fetch(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			return fmt.Errorf("power meter closed: %w", err)
		case err != nil:
			logger.Warn("meter fetch failed", "error", err)
			continue
		}
		if r.Source == meter.SourceDual {
			logger.Info("reading",
				"physical", util.FormatWatts(r.Power),
				"virtual", util.FormatWatts(r.Virtual),
				"error", util.FormatWatts(r.Virtual-r.Power),
			)
			continue
		}
		logger.Info("reading", "power", util.FormatWatts(r.Power), "source", string(r.Source))
	}
}

func newTemplateCommand() *cobra.Command {
	var (
		output   string
		rates    string
		sizes    string
		duration float64
		probeA   string
		probeB   string
	)
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Generate a descriptor with one stint per rate, size and direction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rateList, err := util.ParseRates(rates)
			if err != nil {
				return err
			}
			sizeList, err := util.ParseSizes(sizes)
			if err != nil {
				return err
			}
			d := descriptor.Template(descriptor.TemplateOptions{
				ProbeA:    probeA,
				ProbeB:    probeB,
				Rates:     rateList,
				Sizes:     sizeList,
				DurationS: duration,
			})
			if output == "" || output == "-" {
				data, err := descriptor.Encode(d)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return descriptor.Save(output, d)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	f.StringVar(&rates, "rates", descriptor.DefaultRates, "bitrates in Mb/s")
	f.StringVar(&sizes, "sizes", descriptor.DefaultSizes, "packet sizes in bytes")
	f.Float64Var(&duration, "duration", descriptor.DefaultDuration, "stint and idle duration in seconds")
	f.StringVar(&probeA, "probe-a", descriptor.DefaultProbeIP, "address of probe A")
	f.StringVar(&probeB, "probe-b", descriptor.DefaultProbeIP, "address of probe B")
	return cmd
}

func newCheckCommand(g *globalOptions) *cobra.Command {
	var (
		o        runOptions
		importDB string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate config, descriptor and model, and report model error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g, &o)
			if err != nil {
				return err
			}
			report, err := app.Check(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "descriptor valid: %d probes, %d stints, meter %s\n",
				len(report.Descriptor.Probes), len(report.Descriptor.Stints), cfg.Meter.Mode)
			if report.Model != nil {
				printModelErrors(out, report)
			}
			if importDB == "" {
				return nil
			}
			return importResults(cmd.Context(), out, importDB, cfg, report.Descriptor)
		},
	}
	addRunFlags(cmd, &o)
	cmd.Flags().StringVar(&importDB, "import", "", "store the descriptor's results in this SQLite database and print x_max bounds")
	return cmd
}

func printModelErrors(w io.Writer, report *app.CheckReport) {
	if len(report.Errors) == 0 {
		fmt.Fprintln(w, "no profiled stints to compare with the model")
		return
	}
	probes := report.Descriptor.Probes
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LINK\tMODEL\tBITRATE\tSIZE\tLOSS\tMEDIAN\tMEAN\tESTIMATED\tERROR")
	for _, e := range report.Errors {
		loss := "-"
		if e.Losses != nil {
			loss = strconv.FormatFloat(*e.Losses, 'f', 4, 64)
		}
		fmt.Fprintf(tw, "%s -> %s\t%s\t%.2f\t%d\t%s\t%.4f\t%.4f\t%.4f\t%+.4f\n",
			probes[e.Src].IP, probes[e.Dst].IP, e.Direction,
			e.BitrateMbps, e.PacketSize, loss, e.Median, e.Mean, e.Estimated, e.Error)
	}
	_ = tw.Flush()
}

func importResults(ctx context.Context, w io.Writer, path string, cfg config.Config, d *descriptor.Descriptor) error {
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()
	run := store.Run{
		ID:         uuid.NewString(),
		Profile:    cfg.Schedule.Profile,
		MeterMode:  cfg.Meter.Mode,
		Descriptor: cfg.Descriptor,
		StartedAt:  time.Now(),
	}
	n, xMax, err := app.ImportResults(ctx, st, run, d)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "imported %d stints as run %s\n", n, run.ID)

	names := make([]string, 0, len(xMax))
	for name := range xMax {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sizes := make([]int, 0, len(xMax[name]))
		for size := range xMax[name] {
			sizes = append(sizes, size)
		}
		sort.Ints(sizes)
		for _, size := range sizes {
			fmt.Fprintf(w, "%s x_max[%d] = %.4f Mb/s\n", name, size, xMax[name][size])
		}
	}
	return nil
}
