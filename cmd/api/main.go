package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"agencyflow/agent"
	"agencyflow/auth"
	"agencyflow/config"
	"agencyflow/contact"
	"agencyflow/db"
	"agencyflow/disclosure"
	"agencyflow/logging"
	"agencyflow/messaging"
	"agencyflow/outbox"
	"agencyflow/presentation"
	"agencyflow/prospect"
	"agencyflow/revalidate"
	"agencyflow/timeline"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()
	logging.Init(logging.Options{Service: cfg.AppName, Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Logger.WithError(err).Fatal("agencyflow stopped")
	}
	logging.Logger.Info("agencyflow stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	var cache revalidate.Revalidator = revalidate.Noop{}
	var routes routeCache = revalidate.Noop{}
	if cfg.RedisURL != "" {
		rc, err := revalidate.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logging.Logger.WithError(err).Warn("route cache disabled")
		} else {
			cache, routes = rc, rc
		}
	}

	server, sweeper := buildServer(cfg, pool, cache, routes)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1h", sweeper.sweepLinks); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc("@every 10m", sweeper.sweepVisitors); err != nil {
		return err
	}

	if cfg.AMQPURL != "" {
		publisher, err := outbox.NewRabbitMQPublisher(cfg.AMQPURL)
		if err != nil {
			return err
		}
		defer publisher.Close()
		relay := outbox.NewRelay(pool, outbox.NewStore(), publisher)
		if _, err := scheduler.AddFunc("@every 5s", relay.Tick); err != nil {
			return err
		}
	} else {
		logging.Logger.Info("AMQP_URL not set; outbox events stay pending")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logging.Logger.Info("shutting down http server")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// housekeeping holds the periodic cleanup jobs run by the scheduler.
type housekeeping struct {
	links    *disclosure.Service
	visitors *ipLimiter
}

func (h housekeeping) sweepLinks() {
	if _, err := h.links.SweepExpiredLinks(context.Background()); err != nil {
		logging.Logger.WithError(err).Error("sweep expired signing links")
	}
}

func (h housekeeping) sweepVisitors() {
	if n := h.visitors.Sweep(time.Hour); n > 0 {
		logging.Logger.WithField("removed", n).Debug("signing rate limiter swept")
	}
}

func buildServer(cfg *config.Config, pool *pgxpool.Pool, cache revalidate.Revalidator, routes routeCache) (*Server, housekeeping) {
	events := timeline.NewWriter()
	queue := outbox.NewWriter()

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	agentSvc := agent.NewService(agent.NewRepository(pool), cache)
	prospectSvc := prospect.NewService(pool, prospect.NewRepository(pool), events, queue, cache)
	contactSvc := contact.NewService(pool, contact.NewRepository(pool), prospectSvc, queue, cache)
	disclosureSvc := disclosure.NewService(pool, disclosure.NewRepository(pool), prospectSvc, events, queue, cache).
		WithSigningLinks(cfg.PublicBaseURL, cfg.SigningLinkTTL)
	messagingSvc := messaging.NewService(pool, messaging.NewRepository(pool), messaging.NewProviders(cfg), messaging.Deps{
		Prospects:   prospectSvc,
		Contacts:    contactSvc,
		Agents:      agentSvc,
		Timeline:    events,
		Outbox:      queue,
		Revalidator: cache,
	})
	presentationSvc := presentation.NewService(presentation.NewRepository(pool), prospectSvc, cache)

	var webhooks webhookValidator
	if cfg.TwilioAuthToken != "" {
		webhooks = messaging.NewTwilioValidator(cfg.TwilioAuthToken, cfg.WebhookBaseURL)
	} else {
		logging.Logger.Warn("TWILIO_AUTH_TOKEN not set; webhook signatures are not checked")
	}

	limiter := newIPLimiter(30, 10)
	server := &Server{
		authService:         authSvc,
		agentService:        agentSvc,
		prospectService:     prospectSvc,
		contactService:      contactSvc,
		disclosureService:   disclosureSvc,
		messagingService:    messagingSvc,
		presentationService: presentationSvc,
		webhooks:            webhooks,
		cache:               routes,
		signLimiter:         limiter,
		corsOrigins:         cfg.CORSOrigins,
		ready:               pool.Ping,
	}
	return server, housekeeping{links: disclosureSvc, visitors: limiter}
}
