package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/psds-microservice/repair-service/internal/channels"
	"github.com/psds-microservice/repair-service/internal/config"
	"github.com/psds-microservice/repair-service/internal/database"
	"github.com/psds-microservice/repair-service/internal/model"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Send the daily request summary to all configured channels",
	RunE:  runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	type row struct {
		Status string
		N      int
	}
	var rows []row
	err = db.WithContext(ctx).Model(&model.Request{}).
		Select("status, count(*) as n").
		Where("created_at >= ?", dayStart).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("count requests: %w", err)
	}

	report := channels.DailyReport{
		Date:     dayStart.Format("2006-01-02"),
		ByStatus: make(map[string]int, len(rows)),
	}
	for _, r := range rows {
		report.ByStatus[r.Status] = r.N
		report.Total += r.N
	}

	dispatcher, kafkaCh := buildDispatcher(cfg, zerolog.Nop())
	defer kafkaCh.Close()
	results := dispatcher.Dispatch(ctx, report)
	fmt.Printf("report %s: %d requests, delivered: %v\n", report.Date, report.Total, results)
	return nil
}
