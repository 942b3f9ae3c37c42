package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/metacog-lab/backend/internal/config"
	"github.com/metacog-lab/backend/internal/simulate"
	"github.com/metacog-lab/backend/internal/staircase"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var (
	verbose bool
	logger  *zap.Logger
)

// runOptions are the flags of the run command.
type runOptions struct {
	method     string
	configPath string
	trials     int
	seed       int64
	alpha      float64
	accuracy   float64
	condition  string
	output     string
}

var opts runOptions

var rootCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Offline checks of the dot-task staircase",
	Long: `simulate drives the adaptive staircase with a synthetic observer so a
configuration can be checked before it is used with participants.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one simulated session and print every trial",
	Long: `Run presents --trials trials to a simulated observer and prints the
trial-by-trial values and the final summary.

The observer follows a psychometric function with threshold --alpha, or
answers correctly with a fixed probability when --accuracy is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulation(opts, logger, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runCmd.Flags().StringVar(&opts.method, "method", "", "Staircase method: classic or quest (default: from config)")
	runCmd.Flags().StringVar(&opts.configPath, "config", "", "Staircase config file (.yaml, .toml or .json)")
	runCmd.Flags().IntVar(&opts.trials, "trials", 200, "Number of trials")
	runCmd.Flags().Int64Var(&opts.seed, "seed", 1, "Observer random seed")
	runCmd.Flags().Float64Var(&opts.alpha, "alpha", 30, "Observer threshold in dots")
	runCmd.Flags().Float64Var(&opts.accuracy, "accuracy", 0, "Fixed observer accuracy; overrides --alpha when set")
	runCmd.Flags().StringVar(&opts.condition, "condition", "both", "Condition schedule: easy, difficult or both")
	runCmd.Flags().StringVarP(&opts.output, "output", "o", "json", "Output format: json or yaml")

	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSimulation(o runOptions, log *zap.Logger, w io.Writer) error {
	if log == nil {
		log = zap.NewNop()
	}
	if o.trials <= 0 {
		return fmt.Errorf("--trials must be positive, got %d", o.trials)
	}

	cfg := staircase.DefaultConfig()
	if o.configPath != "" {
		loaded, err := config.LoadStaircase(o.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if o.method != "" {
		cfg.Method = staircase.Method(strings.ToLower(o.method))
	}
	cfg.Logging = verbose

	schedule, err := parseSchedule(o.condition)
	if err != nil {
		return err
	}

	est, err := staircase.New(cfg, staircase.WithLogger(log.Named("staircase")))
	if err != nil {
		return err
	}

	var obs simulate.Observer
	if o.accuracy > 0 {
		obs = simulate.NewFixedAccuracy(o.accuracy, o.seed)
	} else {
		psy := staircase.Psychometric{Beta: cfg.Quest.Beta, Lapse: cfg.Quest.Lapse, Guess: cfg.Quest.Guess}
		obs = simulate.NewPsychometricObserver(o.alpha, psy, o.seed)
	}

	res, err := simulate.Run(est, obs, o.trials, schedule)
	if err != nil {
		return err
	}
	log.Info("simulation finished",
		zap.String("method", string(res.Method)),
		zap.Int("trials", len(res.Trials)),
		zap.Int("easy_final", res.Summary.Easy.FinalValue),
		zap.Int("difficult_final", res.Summary.Difficult.FinalValue))

	switch strings.ToLower(o.output) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", o.output)
	}
}

func parseSchedule(name string) (simulate.Schedule, error) {
	switch strings.ToLower(name) {
	case "", "both":
		return simulate.Alternate, nil
	}
	cond, err := staircase.ParseCondition(strings.ToLower(name))
	if err != nil {
		return nil, err
	}
	return simulate.Only(cond), nil
}
