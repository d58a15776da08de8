// Command worker drains the email queue and delivers messages over SMTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/iliyamo/devauth/internal/config"
	"github.com/iliyamo/devauth/internal/logger"
	"github.com/iliyamo/devauth/internal/mailer"
	"github.com/iliyamo/devauth/internal/queue"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m mailer.Mailer = mailer.LogMailer{Log: log}
	if cfg.SMTPHost != "" {
		m = mailer.NewSMTPMailer(mailer.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
	}

	c := &queue.Consumer{URL: cfg.RabbitMQURL, Queue: cfg.EmailQueue, Mailer: m, Log: log}
	log.Info("email worker started", zap.String("queue", cfg.EmailQueue), zap.Bool("smtp", cfg.SMTPHost != ""))
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("email worker stopped", zap.Error(err))
	}
	log.Info("email worker stopped")
}
