// README: Entry point; loads config, wires services, starts HTTP server and the expiry sweeper.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ampstop/internal/config"
	httptransport "ampstop/internal/http"
	"ampstop/internal/infra"
	"ampstop/internal/logging"
	"ampstop/internal/modules/billing"
	"ampstop/internal/modules/directory"
	"ampstop/internal/modules/geofence"
	"ampstop/internal/modules/notify"
	"ampstop/internal/modules/orderlookup"
	"ampstop/internal/modules/session"
	"ampstop/internal/sms"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("AMPSTOP_FIREBASE_PROJECT_ID is required")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}

	redisClient := infra.NewRedis(cfg.Redis.Addr)

	var geocoder directory.Geocoder
	if cfg.Maps.APIKey != "" {
		geocoder, err = directory.NewGoogleGeocoder(cfg.Maps.APIKey)
		if err != nil {
			log.Fatalf("maps init: %v", err)
		}
	}
	directorySvc := directory.NewService(directory.NewStore(dbPool), geocoder, logger)

	var adapter orderlookup.Adapter = orderlookup.NewManualAdapter()
	if cfg.POS.Endpoint != "" {
		adapter = orderlookup.NewPOSAdapter(cfg.POS.Endpoint, cfg.POS.Timeout, logger)
	}

	var transport sms.Transport
	if cfg.SMS.Endpoint != "" {
		transport = sms.NewHTTPTransport(cfg.SMS, logger)
	}
	dispatcher := notify.NewDispatcher(directorySvc, transport, redisClient, cfg.Session.Window, logger)

	var publisher *billing.Publisher
	if cfg.Kafka.Brokers != "" {
		publisher = billing.NewPublisher(strings.Split(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic, logger)
		defer func() { _ = publisher.Close() }()
	}

	billingStore := billing.NewStore(dbPool)
	sessionSvc := session.NewService(session.Deps{
		Store:     session.NewStore(dbPool),
		Billing:   billingStore,
		Publisher: publisher,
		Adapter:   adapter,
		Geofence:  geofence.NewEvaluator(cfg.Geofence),
		Directory: directorySvc,
		Notifier:  dispatcher,
		Cache:     session.NewCache(redisClient),
		Session:   cfg.Session,
		BillCfg:   cfg.Billing,
		Logger:    logger,
	})

	inbound := notify.NewInboundHandler(sessionSvc, cfg.Billing.Currency, logger)

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Sessions: sessionSvc,
		Billing:  billingStore,
		Inbound:  inbound,
		Verifier: verifier,
		SMS:      cfg.SMS,
		Currency: cfg.Billing.Currency,
		Logger:   logger,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go sessionSvc.RunExpirySweeper(ctx)

	logger.Info("listening", "addr", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
