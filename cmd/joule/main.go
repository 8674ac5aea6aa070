package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/NodePath81/joule/internal/config"
	"github.com/NodePath81/joule/internal/util"
	"github.com/NodePath81/joule/internal/version"
)

type globalOptions struct {
	configPath string
	verbose    bool
	logPath    string
}

// runOptions are the per-command overrides of config file values. Only the
// flags the user actually set are applied.
type runOptions struct {
	descriptor string
	models     string
	mode       string
	device     string
	baud       int
	interval   time.Duration
	profile    string
	results    string
	broker     string
}

func main() {
	var g globalOptions
	root := &cobra.Command{
		Use:   "joule",
		Short: "WLAN energy consumption profiler",
		Long: `joule drives pairs of Click traffic probes through a list of stints
(bitrate, packet size, direction) while sampling a physical or model-based
power meter, and writes power and traffic statistics back into the
descriptor.

Examples:
  joule template -o joule.json --rates "1 5 10" --sizes "64 1460"
  joule profile -j joule.json -d /dev/ttyACM0
  joule profile --config joule.yaml -m models.json --results results.db
  joule check -j joule.json -m models.json`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVarP(&g.logPath, "log", "l", "", "write logs to this file instead of stdout")

	root.AddCommand(
		newProfileCommand(&g),
		newMeterCommand(&g),
		newTemplateCommand(),
		newCheckCommand(&g),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				cmd.Println(version.Version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		util.NewLoggerTo(os.Stderr, false).Error(err.Error())
		os.Exit(1)
	}
}

func addRunFlags(cmd *cobra.Command, o *runOptions) {
	f := cmd.Flags()
	f.StringVarP(&o.descriptor, "descriptor", "j", "", "descriptor file (default ./joule.json)")
	f.StringVarP(&o.models, "models", "m", "", "model file; selects the virtual meter")
	f.StringVar(&o.mode, "mode", "", "meter mode: virtual, device or dual")
	f.StringVarP(&o.device, "device", "d", "", "power meter serial device")
	f.IntVarP(&o.baud, "bps", "b", 0, "power meter serial speed")
	f.DurationVarP(&o.interval, "interval", "i", 0, "virtual meter sampling interval")
	f.StringVarP(&o.profile, "profile", "p", "", "medium profile for the shaper rate")
}

// loadConfig reads the config file when one is given, applies the flags
// the user set and validates the result.
func loadConfig(cmd *cobra.Command, g *globalOptions, o *runOptions) (config.Config, error) {
	var cfg config.Config
	if g.configPath != "" {
		loaded, err := config.LoadConfig(g.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("descriptor") {
		cfg.Descriptor = o.descriptor
	}
	if flags.Changed("models") {
		cfg.Models = o.models
		if !flags.Changed("mode") && g.configPath != "" && cfg.Meter.Mode == config.MeterDevice {
			cfg.Meter.Mode = config.MeterVirtual
		}
	}
	if flags.Changed("mode") {
		cfg.Meter.Mode = o.mode
	}
	if flags.Changed("device") {
		cfg.Device.Path = o.device
	}
	if flags.Changed("bps") {
		baud := o.baud
		cfg.Device.Baud = &baud
	}
	if flags.Changed("interval") {
		cfg.Meter.Interval = config.Duration(o.interval)
	}
	if flags.Changed("profile") {
		cfg.Schedule.Profile = o.profile
	}
	if flags.Changed("results") {
		cfg.Results.Path = o.results
	}
	if flags.Changed("broker") {
		cfg.Publish.Broker = o.broker
	}
	if err := cfg.Finalize(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(g *globalOptions) (util.Logger, func(), error) {
	if g.logPath == "" {
		return util.NewLoggerTo(os.Stdout, g.verbose), func() {}, nil
	}
	f, err := os.Create(g.logPath)
	if err != nil {
		return nil, nil, err
	}
	return util.NewLoggerTo(f, g.verbose), func() { _ = f.Close() }, nil
}
