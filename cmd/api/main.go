package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexifinance/loanledger/pkg/config"
	"github.com/flexifinance/loanledger/pkg/ledger"
	"github.com/flexifinance/loanledger/pkg/mpesa"
	"github.com/flexifinance/loanledger/pkg/notify"
	"github.com/flexifinance/loanledger/pkg/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "loanledger",
	Short: "Flat-rate loan ledger service",
	Long: `loanledger manages loan products, loan applications, repayment
schedules and payment application for a flat-rate microfinance lender,
with M-Pesa STK push initiation for installment collection.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE:  runServe,
}

var generateSchedulesCmd = &cobra.Command{
	Use:   "generate-schedules",
	Short: "Generate repayment schedules for approved loans without one",
	RunE:  runGenerateSchedules,
}

var seedProductsCmd = &cobra.Command{
	Use:   "seed-products",
	Short: "Load the default loan product catalog",
	RunE:  runSeedProducts,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "loanledger.toml", "Path to the TOML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateSchedulesCmd)
	rootCmd.AddCommand(seedProductsCmd)
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	return s, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sqliteStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer sqliteStore.Close()

	var notifier notify.Notifier
	if cfg.Notifications.Enabled {
		notifier = notify.NewLogNotifier()
	}

	var mpesaClient *mpesa.Client
	if cfg.Mpesa.ConsumerKey != "" {
		mpesaClient = mpesa.NewClient(mpesa.Config{
			Environment:    cfg.Mpesa.Environment,
			ConsumerKey:    cfg.Mpesa.ConsumerKey,
			ConsumerSecret: cfg.Mpesa.ConsumerSecret,
			Passkey:        cfg.Mpesa.Passkey,
			Shortcode:      cfg.Mpesa.Shortcode,
			CallbackURL:    cfg.Mpesa.CallbackURL,
		})
	} else {
		log.Println("M-Pesa credentials not configured; STK push disabled")
	}

	server := NewServer(sqliteStore, notifier, mpesaClient)

	// Periodically flip past-due pending installments to OVERDUE.
	go func() {
		ticker := time.NewTicker(cfg.Sweep.IntervalDuration())
		defer ticker.Stop()

		for range ticker.C {
			marked, err := server.ledger.MarkOverdueInstallments()
			if err != nil {
				log.Printf("Overdue sweep failed: %v", err)
				continue
			}
			if marked > 0 {
				log.Printf("Overdue sweep marked %d installments", marked)
			}
		}
	}()

	log.Printf("Server starting on %s", cfg.API.Addr())
	return http.ListenAndServe(cfg.API.Addr(), server.Router())
}

func runGenerateSchedules(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sqliteStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer sqliteStore.Close()

	l := ledger.NewLedger(sqliteStore, nil)
	generated, err := l.GenerateDueSchedules()
	if err != nil {
		return err
	}
	fmt.Printf("Generated repayment schedules for %d loans\n", generated)
	return nil
}

func runSeedProducts(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sqliteStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer sqliteStore.Close()

	l := ledger.NewLedger(sqliteStore, nil)
	count, err := l.SeedDefaultProducts()
	if err != nil {
		return err
	}
	fmt.Printf("Seeded %d loan products\n", count)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
