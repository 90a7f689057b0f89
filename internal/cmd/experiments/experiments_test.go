package experiments

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/readyscore/experiments/internal/experiment/domain"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("experiments", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.StorePath != "experiments.db" {
		t.Fatalf("store path = %q, want experiments.db", cfg.StorePath)
	}
	if cfg.SignificanceThreshold != 0.05 {
		t.Fatalf("significance threshold = %v, want 0.05", cfg.SignificanceThreshold)
	}
	if cfg.MinSampleSize != 100 {
		t.Fatalf("min sample size = %d, want 100", cfg.MinSampleSize)
	}
}

func TestParseConfigFlagsOverrideDefaults(t *testing.T) {
	fs := flag.NewFlagSet("experiments", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-db", "/tmp/exp.db", "-min-sample", "25", "-significance-threshold", "0.01"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.StorePath != "/tmp/exp.db" {
		t.Fatalf("store path = %q, want /tmp/exp.db", cfg.StorePath)
	}
	if cfg.MinSampleSize != 25 {
		t.Fatalf("min sample size = %d, want 25", cfg.MinSampleSize)
	}
	if cfg.SignificanceThreshold != 0.01 {
		t.Fatalf("significance threshold = %v, want 0.01", cfg.SignificanceThreshold)
	}
}

func writeDefinition(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	return path
}

func TestParseDefinitionFile(t *testing.T) {
	t.Parallel()

	path := writeDefinition(t, `
name: Persona CTA copy
description: shorter call to action
kind: ui_modification
target_metric: report_purchased
start_time: 2026-04-01T00:00:00Z
end_time: 2026-04-15T00:00:00Z
variants:
  - current copy
  - short copy
`)

	input, err := ParseDefinitionFile(path)
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	if input.Name != "Persona CTA copy" {
		t.Fatalf("name = %q", input.Name)
	}
	if input.Kind != domain.KindUIModification {
		t.Fatalf("kind = %v, want ui modification", input.Kind)
	}
	if input.TargetMetric != "report_purchased" {
		t.Fatalf("target metric = %q", input.TargetMetric)
	}
	want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if !input.StartTime.Equal(want) {
		t.Fatalf("start time = %v, want %v", input.StartTime, want)
	}
	if len(input.Variants) != 2 || input.Variants[1] != "short copy" {
		t.Fatalf("variants = %v", input.Variants)
	}
}

func TestParseDefinitionFileRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	path := writeDefinition(t, `
name: Broken
kind: coin_flip
target_metric: report_purchased
variants: [a, b]
`)
	if _, err := ParseDefinitionFile(path); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestRunRequiresSubcommand(t *testing.T) {
	t.Parallel()

	cfg := Config{StorePath: filepath.Join(t.TempDir(), "exp.db")}
	if err := Run(context.Background(), cfg, nil, io.Discard); err == nil {
		t.Fatal("expected missing subcommand error")
	}
	if err := Run(context.Background(), cfg, []string{"bogus"}, io.Discard); err == nil {
		t.Fatal("expected unknown subcommand error")
	}
}

func TestRunCreateGetListSimulate(t *testing.T) {
	t.Parallel()

	cfg := Config{
		StorePath:             filepath.Join(t.TempDir(), "exp.db"),
		SignificanceThreshold: 0.05,
		ConfidenceLevel:       0.95,
		MinSampleSize:         100,
		EventBuffer:           64,
	}
	ctx := context.Background()
	definition := writeDefinition(t, `
name: Persona CTA copy
kind: ui_modification
target_metric: report_purchased
variants: [control, variant]
`)

	var created bytes.Buffer
	if err := Run(ctx, cfg, []string{"create", "-file", definition}, &created); err != nil {
		t.Fatalf("create: %v", err)
	}
	firstLine, _, _ := strings.Cut(created.String(), "\n")
	experimentID := strings.TrimPrefix(firstLine, "created experiment id=")
	if experimentID == "" || experimentID == firstLine {
		t.Fatalf("unexpected create output %q", created.String())
	}

	var listed bytes.Buffer
	if err := Run(ctx, cfg, []string{"list"}, &listed); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(listed.String(), "Persona CTA copy") {
		t.Fatalf("list output missing experiment: %q", listed.String())
	}

	var simulated bytes.Buffer
	err := Run(ctx, cfg, []string{
		"simulate", "-users", "80", "-seed", "7",
		"-control-rate", "0.2", "-variant-rate", "0.4",
		experimentID,
	}, &simulated)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	var got bytes.Buffer
	if err := Run(ctx, cfg, []string{"get", experimentID}, &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	report := got.String()
	if !strings.Contains(report, "status:        active") {
		t.Fatalf("expected active status below minimum sample, got %q", report)
	}
	if !strings.Contains(report, "exposed=") {
		t.Fatalf("expected arm counters in report, got %q", report)
	}
}

func TestRunGetUnknownExperimentFails(t *testing.T) {
	t.Parallel()

	cfg := Config{StorePath: filepath.Join(t.TempDir(), "exp.db")}
	if err := Run(context.Background(), cfg, []string{"get", "missing"}, io.Discard); err == nil {
		t.Fatal("expected not found error")
	}
}
