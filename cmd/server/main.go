package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsapp-sdr/internal/api"
	"whatsapp-sdr/internal/automation"
	"whatsapp-sdr/internal/campaign"
	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/database"
	"whatsapp-sdr/internal/followup"
	"whatsapp-sdr/internal/governor"
	"whatsapp-sdr/internal/llm"
	"whatsapp-sdr/internal/pkg/logger"
	"whatsapp-sdr/internal/store"
	"whatsapp-sdr/internal/webhook"
	"whatsapp-sdr/internal/whatsapp"
	"whatsapp-sdr/internal/ws"
	"whatsapp-sdr/pkg/phone"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.LoadConfig()
	log := logger.New(cfg.LogFilePath, cfg.IsProduction())
	zap.ReplaceGlobals(log)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	camp, err := config.LoadCampaign(cfg.CampaignFile)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	log.Info("Database ready", zap.String("driver", cfg.DBDriver))

	contacts := store.NewContactStore(db, log.Named("contacts"))
	sessions := store.NewSessionStore(db, log.Named("sessions"))
	audit := store.NewAuditStore(db, log.Named("audit"))
	campaignState := store.NewCampaignStore(db, log.Named("campaign_state"), camp.Location())

	hub := ws.NewHub(log.Named("ws"))
	waClient := whatsapp.NewClient(cfg)
	provider := llm.NewOpenAIProvider(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)

	engine := automation.NewEngine(camp, automation.Deps{
		Contacts:    contacts,
		Sessions:    sessions,
		Audit:       audit,
		Sender:      waClient,
		LLM:         provider,
		Notifier:    hub,
		Log:         log.Named("automation"),
		CallTimeout: cfg.LLMTimeout,
	})
	defer engine.Close()

	policy := governor.PolicyFromCampaign(camp)
	gov := governor.New(policy, campaignState, log.Named("governor"))
	campaignScheduler := campaign.NewScheduler(camp, campaign.Deps{
		Contacts: contacts,
		Sessions: sessions,
		Audit:    audit,
		Governor: gov,
		Runner:   engine,
		Sender:   waClient,
		Notifier: hub,
		Log:      log.Named("campaign"),
	})
	followupScheduler := followup.NewScheduler(camp, followup.Deps{
		Contacts: contacts,
		Sessions: sessions,
		Audit:    audit,
		Runner:   engine,
		Sender:   waClient,
		Notifier: hub,
		Hours:    policy,
		Log:      log.Named("followup"),
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), api.CORS())

	webhookHandler := webhook.NewHandler(cfg, engine, log.Named("webhook"))
	r.GET("/webhook", webhookHandler.VerifyWebhook)
	r.POST("/webhook", webhookHandler.HandleMessage)
	r.GET("/ws", func(c *gin.Context) { hub.ServeWs(c.Writer, c.Request) })

	api.RegisterRoutes(r.Group("/api"),
		api.NewContactHandler(contacts, sessions, phone.Normalizer{
			CountryCode: camp.DefaultCountryCode,
			AreaCode:    camp.DefaultAreaCode,
		}, log.Named("api")),
		api.NewAutomationHandler(engine, audit),
		api.NewDashboardHandler(gov))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return campaignScheduler.Run(ctx) })
	g.Go(func() error { return followupScheduler.Run(ctx) })
	g.Go(func() error {
		log.Info("Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
