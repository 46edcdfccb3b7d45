package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailcast-backend/internal/app"
	"github.com/unclebandit/mailcast-backend/internal/config"
	"github.com/unclebandit/mailcast-backend/internal/model"
)

func TestDemoWatchDeliversCampaign(t *testing.T) {
	cfg := config.Config{
		StoreDriver:        "memory",
		PublicBaseURL:      "http://localhost:8080",
		ProviderRatePerSec: 10000,
		Dispatch:           config.DispatchConfig{PerRunCap: 1000, BatchLimit: 100},
	}
	a, err := app.New(context.Background(), cfg, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = run(ctx, a, options{demo: true, tenantID: 1, tag: "vip", watch: true, interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	campaigns, _, err := a.Service.ListCampaigns(context.Background(), 1, 10, 1, model.CampaignSent)
	if err != nil {
		t.Fatal(err)
	}
	// alice and carol; erin is unsubscribed
	if len(campaigns) != 1 || campaigns[0].SentCount != 2 {
		t.Errorf("campaigns = %+v", campaigns)
	}
}
