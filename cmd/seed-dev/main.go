package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/models"
	"bitbucket.org/fixmatehq/dispatch_backend/utils"
	"github.com/google/uuid"
)

// Seeds a local database with a customer, a few helpers around a test
// location, and a funded customer wallet so the full dispatch flow can be
// exercised by hand.
func main() {
	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	if err := models.SeedDefaults(ctx); err != nil {
		log.Fatalf("seed defaults: %v", err)
	}

	db := config.GetDB()
	password, err := utils.HashPassword("password123")
	if err != nil {
		log.Fatal(err)
	}

	customer := models.User{
		ID:       uuid.NewString(),
		Phone:    "+911000000001",
		FullName: "Dev Customer",
		Password: string(password),
		Role:     models.UserRoleCustomer,
	}
	if err := db.Create(&customer).Error; err != nil {
		log.Fatalf("seed customer: %v", err)
	}

	now := time.Now().UTC()
	helpers := []struct {
		phone      string
		name       string
		lat, lng   float64
		rating     float64
		jobs       int
		categories string
	}{
		{"+911000000002", "Dev Helper A", 12.9716, 77.5946, 4.8, 120, "plumbing,electrical"},
		{"+911000000003", "Dev Helper B", 12.9750, 77.6000, 4.2, 30, "plumbing"},
		{"+911000000004", "Dev Helper C", 12.9600, 77.5800, 3.9, 8, "cleaning,plumbing"},
	}
	for _, h := range helpers {
		user := models.User{
			ID:       uuid.NewString(),
			Phone:    h.phone,
			FullName: h.name,
			Password: string(password),
			Role:     models.UserRoleHelper,
		}
		if err := db.Create(&user).Error; err != nil {
			log.Fatalf("seed helper user: %v", err)
		}
		profile := models.HelperProfile{
			HelperId:          user.ID,
			Categories:        h.categories,
			IsActive:          utils.NewTrue(),
			IsOnJob:           utils.NewFalse(),
			CurrentLat:        h.lat,
			CurrentLng:        h.lng,
			LocationUpdatedAt: &now,
			Rating:            h.rating,
			CompletedJobs:     h.jobs,
		}
		if err := db.Create(&profile).Error; err != nil {
			log.Fatalf("seed helper profile: %v", err)
		}
	}

	// Fund the customer through the capture path so the wallet, ledger and
	// webhook log all line up.
	capture, _ := json.Marshal(models.PaymentCapturePayload{
		EventType:        "payment.captured",
		PaymentReference: "seed-" + uuid.NewString(),
		CustomerId:       customer.ID,
		Amount:           500000,
	})
	if _, err := models.ProcessPaymentCapture(ctx, capture); err != nil {
		log.Fatalf("seed wallet: %v", err)
	}

	log.Printf("seeded customer %s (password123) and %d helpers", customer.Phone, len(helpers))
}
