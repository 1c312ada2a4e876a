package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/config"
	"github.com/clinicdesk/opd-console/internal/infrastructure/redpanda"
)

func topicsCmd(envFile *string) *cobra.Command {
	var replication int16

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Create the audit topic and its dead letter topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(*envFile)
			if err != nil {
				return err
			}
			if len(cfg.KafkaBrokers) == 0 || cfg.AuditTopic == "" {
				return fmt.Errorf("KAFKA_BROKERS and AUDIT_TOPIC are required")
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
				return fmt.Errorf("brokers unreachable: %w", err)
			}

			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
			if err != nil {
				return fmt.Errorf("connect to brokers: %w", err)
			}
			defer admin.Close()

			existing, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			logger.Info("existing topics", zap.Strings("topics", existing))

			if err := admin.EnsureTopics(ctx, cfg.AuditTopic, replication); err != nil {
				return err
			}
			for _, topic := range []string{cfg.AuditTopic, redpanda.DeadLetterTopic(cfg.AuditTopic)} {
				details, err := admin.DescribeTopic(ctx, topic)
				if err != nil {
					return err
				}
				logger.Info("topic ready",
					zap.String("topic", topic),
					zap.Int("partitions", len(details.Partitions)))
			}
			return nil
		},
	}
	cmd.Flags().Int16Var(&replication, "replication", 1, "replication factor of created topics")
	return cmd
}
