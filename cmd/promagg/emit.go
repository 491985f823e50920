package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/promagg/internal/client"
	"github.com/ethpandaops/promagg/internal/config"
	"github.com/ethpandaops/promagg/internal/exporter"
	"github.com/ethpandaops/promagg/internal/record"
)

type emitOptions struct {
	kind    string
	name    string
	help    string
	value   float64
	buckets []float64
	labels  map[string]string
	timeout time.Duration
}

func emitCmd() *cobra.Command {
	opts := emitOptions{}

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Send one observation to the aggregator",
		Example: `  promagg emit --type counter --name jobs_total --description "Jobs run." --value 1 --label queue=mail
  promagg emit --type histogram --name job_seconds --value 0.42 --bucket 0.1 --bucket 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}

			return runEmit(cmd.Context(), log, cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.kind, "type", "counter", "metric type (counter, gauge, histogram)")
	cmd.Flags().StringVar(&opts.name, "name", "", "metric name (required)")
	cmd.Flags().StringVar(&opts.help, "description", "", "metric help text")
	cmd.Flags().Float64Var(&opts.value, "value", 1, "observed value")
	cmd.Flags().Float64SliceVar(&opts.buckets, "bucket", nil, "histogram bucket upper bound, repeatable")
	cmd.Flags().StringToStringVar(&opts.labels, "label", nil, "label as key=value, repeatable")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "how long to wait for delivery")

	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}

func runEmit(ctx context.Context, log logrus.FieldLogger, cfg *config.Config, opts emitOptions) error {
	kind, err := record.ParseKind(opts.kind)
	if err != nil {
		return err
	}

	probe := record.Record{Kind: kind, Name: opts.name, Buckets: opts.buckets, Value: opts.value}
	if err := probe.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	exp, err := exporter.New(log, cfg.Exporter)
	if err != nil {
		return fmt.Errorf("creating exporter: %w", err)
	}

	c := client.New(exp, client.WithDefaultLabels(cfg.DefaultLabels))

	switch kind {
	case record.KindCounter:
		c.Counter(opts.name, opts.help, opts.value, opts.labels)
	case record.KindGauge:
		c.Gauge(opts.name, opts.help, opts.value, opts.labels)
	default:
		c.Histogram(opts.name, opts.help, opts.value, opts.buckets, opts.labels)
	}

	drainCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	drainErr := drain(drainCtx, exp)

	// The loop finishes the record in flight before it stops, and a
	// write is bounded by IOTimeout.
	exp.Stop()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 2*exporter.IOTimeout)
	defer cancelWait()

	if err := exp.Wait(waitCtx); err != nil {
		return fmt.Errorf("waiting for exporter: %w", err)
	}

	if drainErr != nil {
		return fmt.Errorf("record not delivered to %s:%d: %w", cfg.Exporter.Host, cfg.Exporter.Port, drainErr)
	}

	log.WithField("metric", opts.name).Info("Record handed to the aggregator link")

	return nil
}

// drain waits until the delivery loop has taken every queued record.
func drain(ctx context.Context, exp *exporter.Exporter) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for exp.Backlog() > 0 {
		select {
		case <-ctx.Done():
			return errors.New("timed out with records still queued")
		case <-ticker.C:
		}
	}

	return nil
}
