package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/iliyamo/devauth/internal/cache"
	"github.com/iliyamo/devauth/internal/config"
	"github.com/iliyamo/devauth/internal/database"
	"github.com/iliyamo/devauth/internal/handler"
	"github.com/iliyamo/devauth/internal/logger"
	"github.com/iliyamo/devauth/internal/mailer"
	"github.com/iliyamo/devauth/internal/metrics"
	"github.com/iliyamo/devauth/internal/middleware"
	"github.com/iliyamo/devauth/internal/otp"
	"github.com/iliyamo/devauth/internal/queue"
	"github.com/iliyamo/devauth/internal/repository"
	"github.com/iliyamo/devauth/internal/router"
	"github.com/iliyamo/devauth/internal/service"
	"github.com/iliyamo/devauth/internal/token"
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

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy := database.RetryPolicy{Attempts: uint(cfg.DBRetryAttempts), Backoff: cfg.DBRetryBackoff}
	db, err := database.Open(ctx, cfg.DBDriver, cfg.DSN(), cfg.DBMaxConns, policy)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.AutoMigrate {
		if err := database.Migrate(db, "up"); err != nil {
			return err
		}
		log.Info("migrations applied")
	}

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	mail, closeMail, err := newMailer(cfg, log)
	if err != nil {
		return err
	}
	defer closeMail()

	users := repository.NewUserRepo(db, policy)
	records := repository.NewRefreshTokenRepo(db, policy)
	m := metrics.New()
	issuer := token.NewIssuer(token.Secrets{
		Access:  cfg.AccessSecret,
		Refresh: cfg.RefreshSecret,
		Email:   cfg.EmailSecret,
	}, cfg.AccessTTL, records, nil)

	svc := service.NewAuthService(service.Deps{
		Users:         users,
		RefreshTokens: records,
		MFA:           repository.NewMFARepo(db, policy),
		AuthTokens:    repository.NewAuthTokenRepo(db, policy),
		Challenges:    cache.NewChallengeStore(rdb, cfg.OTPTTL),
		Cooldowns:     cache.NewCooldown(rdb),
		Tokens:        issuer,
		Mailer:        mail,
		Codes:         otp.New(),
		Log:           log,
		Metrics:       m,
	}, service.Options{
		RefreshTTL:     cfg.RefreshTTL,
		EmailTokenTTL:  cfg.EmailTokenTTL,
		LinkTokenTTL:   cfg.LinkTokenTTL,
		ResendCooldown: cfg.EmailResendCooldown,
		BcryptCost:     cfg.BcryptCost,
		TOTPIssuer:     cfg.TOTPIssuer,
		PublicBaseURL:  cfg.PublicBaseURL,
		FrontendURL:    cfg.FrontendURL,
	})

	showCause := !cfg.IsProduction()
	e := router.New(router.Deps{
		Auth: handler.NewAuthHandler(svc, log, cfg.CookieSecure, showCause),
		Guard: &middleware.Guard{
			Records:   records,
			Tokens:    issuer,
			Log:       log,
			Metrics:   m,
			Secure:    cfg.CookieSecure,
			ShowCause: showCause,
		},
		Sessions: &middleware.Sessions{
			Store:  cache.NewSessionStore(rdb, cfg.SessionTTL),
			Linker: records,
			Log:    log,
			TTL:    cfg.SessionTTL,
			Secure: cfg.CookieSecure,
		},
		Limiter: middleware.NewLimiter(rdb, cfg.RateLimit()),
		Metrics: m.Handler(),
		Log:     log,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env), zap.String("mail_driver", cfg.MailDriver))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	// let queued verification and OTP emails go out before closing the mailer
	svc.Wait()
	return nil
}

// newMailer picks the delivery driver. The returned func releases it.
func newMailer(cfg *config.Config, log *zap.Logger) (mailer.Mailer, func(), error) {
	switch cfg.MailDriver {
	case "smtp":
		return mailer.NewSMTPMailer(smtpConfig(cfg)), func() {}, nil
	case "amqp":
		p := queue.NewPublisher(cfg.RabbitMQURL, cfg.EmailQueue, log)
		return p, func() {
			if err := p.Close(); err != nil {
				log.Warn("close email publisher", zap.Error(err))
			}
		}, nil
	case "log":
		return mailer.LogMailer{Log: log}, func() {}, nil
	}
	return nil, nil, errors.New("unknown MAIL_DRIVER " + cfg.MailDriver)
}

func smtpConfig(cfg *config.Config) mailer.SMTPConfig {
	return mailer.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	}
}
