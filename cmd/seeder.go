package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/credit-ledger/internal/auth"
	purchaseDM "github.com/frahmantamala/credit-ledger/internal/core/datamodel/purchase"
	purchasePostgres "github.com/frahmantamala/credit-ledger/internal/purchase/postgres"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

const seedPackageID = "seed"

var clearData bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Grant starter credits to demo users and print access tokens for them.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		db, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer db.Close()

		gdb, err := initGorm(db, cfg.App.Env)
		if err != nil {
			log.Fatalf("failed to init gorm: %v", err)
		}

		lg := logger.LoggerWrapper()
		credits := newLedger(cfg, db, gdb, lg)
		purchases := purchasePostgres.NewPurchaseRepository(gdb)
		tokens := auth.NewJWTTokenGenerator(cfg.Security.JWTSecret, cfg.Security.JWTAudience)

		users := []struct {
			ID      string
			Email   string
			Role    string
			Credits int
		}{
			{"5f0c7a52-1d7e-4c41-9d4b-0a4f3c2e9a11", "fadhil@mail.com", "", 10},
			{"8b6e2d90-3f1a-4b7c-8e55-6c1d2a7f4b22", "padil@mail.com", cfg.Security.AdminRole, 50},
		}

		for _, u := range users {
			if clearData {
				for _, table := range []string{"credit_transactions", "video_generations", "credit_purchases", "user_profiles"} {
					if err := gdb.Exec("DELETE FROM "+table+" WHERE user_id = ?", u.ID).Error; err != nil {
						log.Fatalf("failed to clear %s for %s: %v", table, u.Email, err)
					}
				}
				fmt.Println("Cleared data for", u.Email)
			}

			var seeded int64
			if err := gdb.Model(&purchaseDM.CreditPurchase{}).
				Where("user_id = ? AND package_id = ?", u.ID, seedPackageID).
				Count(&seeded).Error; err != nil {
				log.Fatalf("failed to look up seed purchase for %s: %v", u.Email, err)
			}

			if seeded == 0 {
				p := &purchaseDM.CreditPurchase{
					UserID:        u.ID,
					PackageID:     seedPackageID,
					CreditsAmount: u.Credits,
					Currency:      cfg.MercadoPago.Currency,
					PaymentStatus: purchaseDM.StatusApproved,
				}
				if err := purchases.Create(ctx, p); err != nil {
					log.Fatalf("failed to insert seed purchase for %s: %v", u.Email, err)
				}

				res, err := credits.ApplyPurchase(ctx, p.ID)
				if err != nil {
					log.Fatalf("failed to grant seed credits to %s: %v", u.Email, err)
				}
				fmt.Printf("Seeded %d credits for %s (balance %d)\n", u.Credits, u.Email, res.NewBalance)
			} else {
				fmt.Println("seed credits already granted to", u.Email)
			}

			token, err := tokens.GenerateAccessToken(u.ID, u.Email, u.Role)
			if err != nil {
				log.Fatalf("failed to sign token for %s: %v", u.Email, err)
			}
			fmt.Printf("Access token for %s: %s\n", u.Email, token)
		}
	},
}

func init() {
	seedCmd.Flags().BoolVar(&clearData, "clear", false, "Clear existing data before seeding")
}
