// Package experiments implements the operator CLI for the experiment engine.
package experiments

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/readyscore/experiments/internal/experiment/analytics"
	"github.com/readyscore/experiments/internal/experiment/domain"
	"github.com/readyscore/experiments/internal/experiment/service"
	"github.com/readyscore/experiments/internal/experiment/storage/sqlite"
	platformcmd "github.com/readyscore/experiments/internal/platform/cmd"
	"github.com/readyscore/experiments/internal/platform/random"
)

// Config holds experiments command configuration.
type Config struct {
	StorePath             string  `env:"READYSCORE_EXPERIMENTS_DB"         envDefault:"experiments.db"`
	SignificanceThreshold float64 `env:"READYSCORE_SIGNIFICANCE_THRESHOLD" envDefault:"0.05"`
	ConfidenceLevel       float64 `env:"READYSCORE_CONFIDENCE_LEVEL"       envDefault:"0.95"`
	MinSampleSize         int64   `env:"READYSCORE_MIN_SAMPLE_SIZE"        envDefault:"100"`
	EventBuffer           int     `env:"READYSCORE_EVENT_BUFFER"           envDefault:"256"`
}

// ParseConfig parses environment variables and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := platformcmd.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.StorePath, "db", cfg.StorePath, "path to the experiments database")
	fs.Float64Var(&cfg.SignificanceThreshold, "significance-threshold", cfg.SignificanceThreshold, "p-value cutoff for declaring a winner")
	fs.Float64Var(&cfg.ConfidenceLevel, "confidence-level", cfg.ConfidenceLevel, "coverage of the reported confidence interval")
	fs.Int64Var(&cfg.MinSampleSize, "min-sample", cfg.MinSampleSize, "per-arm exposures required before evaluation")
	fs.IntVar(&cfg.EventBuffer, "event-buffer", cfg.EventBuffer, "analytics dispatcher buffer size")
	if err := platformcmd.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes one experiments subcommand: create, get, list, or simulate.
func Run(ctx context.Context, cfg Config, args []string, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if len(args) == 0 {
		return errors.New("missing subcommand: create, get, list, or simulate")
	}

	store, err := sqlite.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	dispatcher := analytics.NewDispatcher(analytics.Multi(
		analytics.NewLogSink(nil),
		analytics.NewStoreSink(store),
	), cfg.EventBuffer)
	defer dispatcher.Close()

	svc, err := service.New(store, dispatcher, service.Config{
		SignificanceThreshold: cfg.SignificanceThreshold,
		ConfidenceLevel:       cfg.ConfidenceLevel,
		MinSampleSize:         cfg.MinSampleSize,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	switch args[0] {
	case "create":
		return runCreate(ctx, svc, args[1:], out)
	case "get":
		return runGet(ctx, svc, args[1:], out)
	case "list":
		return runList(ctx, svc, out)
	case "simulate":
		return runSimulate(ctx, svc, args[1:], out)
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

// definitionFile is the YAML shape operators use to declare an experiment.
type definitionFile struct {
	Name         string    `yaml:"name"`
	Description  string    `yaml:"description"`
	Kind         string    `yaml:"kind"`
	TargetMetric string    `yaml:"target_metric"`
	StartTime    time.Time `yaml:"start_time"`
	EndTime      time.Time `yaml:"end_time"`
	Variants     []string  `yaml:"variants"`
}

// ParseDefinitionFile reads a YAML experiment definition.
func ParseDefinitionFile(path string) (domain.CreateExperimentInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.CreateExperimentInput{}, fmt.Errorf("read definition: %w", err)
	}

	var def definitionFile
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return domain.CreateExperimentInput{}, fmt.Errorf("parse definition: %w", err)
	}

	kind := domain.KindUnspecified
	if strings.TrimSpace(def.Kind) != "" {
		kind = domain.ParseKind(def.Kind)
		if kind == domain.KindUnspecified {
			return domain.CreateExperimentInput{}, fmt.Errorf("unknown experiment kind %q", def.Kind)
		}
	}

	return domain.CreateExperimentInput{
		Name:         def.Name,
		Description:  def.Description,
		Kind:         kind,
		TargetMetric: def.TargetMetric,
		StartTime:    def.StartTime,
		EndTime:      def.EndTime,
		Variants:     def.Variants,
	}, nil
}

func runCreate(ctx context.Context, svc *service.Service, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	file := fs.String("file", "", "path to a YAML experiment definition")
	if err := platformcmd.ParseArgs(fs, args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("create requires -file")
	}

	input, err := ParseDefinitionFile(*file)
	if err != nil {
		return err
	}
	experiment, err := svc.CreateExperiment(ctx, input)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "created experiment id=%s\n", experiment.ID)
	writeExperiment(out, experiment)
	return nil
}

func runGet(ctx context.Context, svc *service.Service, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("get requires exactly one experiment id")
	}
	experiment, err := svc.GetExperiment(ctx, args[0])
	if err != nil {
		return err
	}
	writeExperiment(out, experiment)
	return nil
}

func runList(ctx context.Context, svc *service.Service, out io.Writer) error {
	experiments, err := svc.ListActiveExperiments(ctx)
	if err != nil {
		return err
	}
	if len(experiments) == 0 {
		fmt.Fprintln(out, "no active experiments")
		return nil
	}
	for _, experiment := range experiments {
		fmt.Fprintf(out, "%s  %s  metric=%s  control=%d/%d  variant=%d/%d\n",
			experiment.ID, experiment.Name, experiment.TargetMetric,
			experiment.Counts.Control.Converted, experiment.Counts.Control.Exposed,
			experiment.Counts.Variant.Converted, experiment.Counts.Variant.Exposed)
	}
	return nil
}

func runSimulate(ctx context.Context, svc *service.Service, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	users := fs.Int("users", 500, "number of simulated users")
	controlRate := fs.Float64("control-rate", 0.2, "true conversion rate for the control arm")
	variantRate := fs.Float64("variant-rate", 0.3, "true conversion rate for the variant arm")
	seed := fs.Int64("seed", 0, "seed for the conversion draws, 0 for random")
	if err := platformcmd.ParseArgs(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("simulate requires exactly one experiment id")
	}
	experimentID := fs.Arg(0)

	var draws random.Source
	if *seed != 0 {
		draws = random.NewSeededSource(*seed)
	} else {
		source, err := random.NewSource()
		if err != nil {
			return err
		}
		draws = source
	}

	for i := 0; i < *users; i++ {
		userID := fmt.Sprintf("sim-user-%d", i)
		arm, err := svc.Assign(ctx, experimentID, userID, fmt.Sprintf("sim-sess-%d", i))
		if err != nil {
			return fmt.Errorf("assign %s: %w", userID, err)
		}

		rate := *controlRate
		if arm == domain.ArmVariant {
			rate = *variantRate
		}
		if draws.Float64() >= rate {
			continue
		}
		outcome := domain.Outcome{Metrics: map[string]float64{
			"time_on_page": 30 + 120*draws.Float64(),
		}}
		if err := svc.RecordConversion(ctx, experimentID, userID, outcome); err != nil {
			return fmt.Errorf("convert %s: %w", userID, err)
		}
	}

	experiment, err := svc.GetExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "simulated users=%d control_rate=%.2f variant_rate=%.2f\n", *users, *controlRate, *variantRate)
	writeExperiment(out, experiment)
	return nil
}

func writeExperiment(out io.Writer, experiment domain.Experiment) {
	fmt.Fprintf(out, "experiment %s\n", experiment.ID)
	fmt.Fprintf(out, "  name:          %s\n", experiment.Name)
	if experiment.Description != "" {
		fmt.Fprintf(out, "  description:   %s\n", experiment.Description)
	}
	fmt.Fprintf(out, "  kind:          %s\n", experiment.Kind)
	fmt.Fprintf(out, "  status:        %s\n", experiment.Status)
	fmt.Fprintf(out, "  target metric: %s\n", experiment.TargetMetric)
	fmt.Fprintf(out, "  window:        %s .. %s\n",
		experiment.StartTime.Format(time.RFC3339), experiment.EndTime.Format(time.RFC3339))

	writeArm(out, experiment, domain.ArmControl, experiment.ControlLabel)
	writeArm(out, experiment, domain.ArmVariant, experiment.VariantLabel)

	if sig := experiment.Significance; sig != nil {
		fmt.Fprintf(out, "  z-score:       %.4f\n", sig.ZScore)
		fmt.Fprintf(out, "  p-value:       %.6f\n", sig.PValue)
		fmt.Fprintf(out, "  interval:      [%.4f, %.4f] @ %.0f%%\n",
			sig.Interval.Lower, sig.Interval.Upper, sig.Interval.Level*100)
	}
	if experiment.Status == domain.StatusCompleted {
		fmt.Fprintf(out, "  winner:        %s\n", experiment.Winner)
	}
}

func writeArm(out io.Writer, experiment domain.Experiment, arm domain.Arm, label string) {
	counts := experiment.Counts.ByArm(arm)
	fmt.Fprintf(out, "  %s (%s): exposed=%d converted=%d rate=%.4f\n",
		arm, label, counts.Exposed, counts.Converted, counts.Rate())

	averages := experiment.MetricSamples.Averages(arm)
	if len(averages) == 0 {
		return
	}
	metrics := make([]string, 0, len(averages))
	for metric := range averages {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)
	for _, metric := range metrics {
		fmt.Fprintf(out, "    avg %s: %.2f\n", metric, averages[metric])
	}
}
