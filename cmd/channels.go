package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/psds-microservice/repair-service/internal/channels"
	"github.com/psds-microservice/repair-service/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "External delivery channels",
}

var channelsTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Probe connectivity of every configured channel",
	RunE:  runChannelsTest,
}

func init() {
	channelsCmd.AddCommand(channelsTestCmd)
}

// buildDispatcher собирает диспетчер по конфигу — та же связка, что в api.
func buildDispatcher(cfg *config.Config, log zerolog.Logger) (*channels.Dispatcher, *channels.KafkaChannel) {
	kafkaCh := channels.NewKafkaChannel(channels.ParseBrokers(cfg.KafkaBrokers), cfg.KafkaTopicEvents)
	d := channels.NewDispatcher(log, cfg.ChannelTimeout,
		channels.NewTelegramChannel(cfg.TelegramBotToken, cfg.TelegramChatID),
		channels.NewWebhookChannel(cfg.WebhookURL),
		kafkaCh,
	)
	return d, kafkaCh
}

func runChannelsTest(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	dispatcher, kafkaCh := buildDispatcher(cfg, zerolog.Nop())
	defer kafkaCh.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	results := dispatcher.TestAll(ctx)

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := "FAIL (or disabled)"
		if results[name] {
			state = "OK"
		}
		fmt.Printf("%-10s %s\n", name, state)
	}
	return nil
}
