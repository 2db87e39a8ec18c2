//cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-scheduler/internal/config"
	"github.com/unclebandit/campaign-scheduler/internal/db"
	"github.com/unclebandit/campaign-scheduler/internal/logger"
	"github.com/unclebandit/campaign-scheduler/internal/model"
	"github.com/unclebandit/campaign-scheduler/internal/repository"
	"github.com/unclebandit/campaign-scheduler/internal/service"
)

// draftOnly leaves seeded campaigns in draft; start them through the API.
type draftOnly struct{}

func (draftOnly) Wake(int64) {}
func (draftOnly) Stop(int64) {}

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "apply the schema without inserting demo campaigns")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logr := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer logr.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DB, logr)
	if err != nil {
		logr.Fatal("database", zap.Error(err))
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		logr.Fatal("migrate", zap.Error(err))
	}
	logr.Info("schema applied")
	if *migrateOnly {
		return
	}

	svc := &service.CampaignService{
		Store:     repository.NewPostgresStore(conn),
		Runners:   draftOnly{},
		Templates: service.NewTemplateService(),
		Log:       logr,
	}
	for _, in := range demoCampaigns() {
		c, err := svc.CreateCampaign(ctx, in)
		if err != nil {
			logr.Error("seed campaign failed", zap.String("name", in.Name), zap.Error(err))
			os.Exit(1)
		}
		logr.Info("seeded campaign", zap.Int64("campaign_id", c.ID), zap.String("name", c.Name))
	}
	logr.Info("database seeding completed")
}

func demoCampaigns() []service.CreateCampaignInput {
	now := time.Now()
	return []service.CreateCampaignInput{
		{
			OwnerID:         "demo",
			Name:            "Spring launch",
			Kind:            model.KindBroadcast,
			Channel:         model.ChannelWhatsApp,
			MessageTemplate: "Hi {{ name | default: 'there' }}, {{ product }} just landed in {{ location }}!",
			Pacing:          model.Pacing{Mode: model.PacingJittered, MinSeconds: 2, MaxSeconds: 6},
			Recipients: []service.RecipientInput{
				{Address: "+254700000001", DisplayName: "Alice", Variables: map[string]string{"product": "Shoes", "location": "Nairobi"}},
				{Address: "+254700000002", DisplayName: "Bob", Variables: map[string]string{"product": "Hats", "location": "Mombasa"}},
				{Address: "+254700000003", Variables: map[string]string{"product": "Bags", "location": "Kisumu"}},
			},
		},
		{
			OwnerID:         "demo",
			Name:            "Abandoned cart recovery",
			Kind:            model.KindDrip,
			Category:        "abandoned_cart",
			MessageTemplate: "Hi {{ name }}, your cart is still waiting for you.",
			Pacing:          model.Pacing{Mode: model.PacingFixed},
			Steps: []model.DripStep{
				{StepIndex: 0, Delay: model.Delay{Unit: model.UnitMinutes, Value: 30}, Channel: model.ChannelWhatsApp},
				{StepIndex: 1, Delay: model.Delay{Unit: model.UnitHours, Value: 4}, Channel: model.ChannelEmail},
				{StepIndex: 2, Delay: model.Delay{Unit: model.UnitDays, Value: 1}, Channel: model.ChannelBoth,
					TemplateOverride: "Last call {{ name }}: 10% off if you check out today."},
			},
			Enrollments: []service.EnrollInput{
				{Phone: "+254700000001", Email: "alice@example.com", DisplayName: "Alice", OriginReference: "cart-1001", OriginEventTime: now},
				{Phone: "+254700000002", Email: "bob@example.com", DisplayName: "Bob", OriginReference: "cart-1002", OriginEventTime: now},
			},
		},
	}
}
