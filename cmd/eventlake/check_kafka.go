package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/steveinatorx/data-pipeline/internal/rawsink"
)

var checkKafkaCmd = &cobra.Command{
	Use:   "check-kafka",
	Short: "Test the Kafka connection and that the topic exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, "sink")
		if err != nil {
			return err
		}
		if err := rawsink.CheckConnection(cfg.Kafka.Brokers, cfg.Topic); err != nil {
			log.Printf("❌ Kafka connection test failed: %v", err)
			return err
		}
		log.Printf("✅ Kafka connection test successful")
		return nil
	},
}
