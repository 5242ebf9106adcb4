package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/database"
	"github.com/llmgate/llmgate/internal/services/key"
)

var (
	keyUserOID string
	keyLabel   string
	keyBudget  float64
	keyRPM     int
	keyGrace   int
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage API keys",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Mint a new API key for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyUserOID == "" {
			return fmt.Errorf("--user is required")
		}

		svc, cleanup, err := keyService()
		if err != nil {
			return err
		}
		defer cleanup()

		var budget *float64
		if keyBudget > 0 {
			budget = &keyBudget
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		apiKey, generated, err := svc.Create(ctx, keyUserOID, keyLabel, budget, keyRPM)
		if err != nil {
			return err
		}

		fmt.Printf("key id:     %s\n", apiKey.ID)
		fmt.Printf("plaintext:  %s\n", generated.Plaintext)
		fmt.Printf("prefix:     %s\n", generated.DisplayPrefix)
		fmt.Println("store the plaintext now; it cannot be recovered")
		return nil
	},
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate <key-id>",
	Short: "Rotate an API key, keeping the old one valid through a grace period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("key id must be a UUID: %w", err)
		}

		svc, cleanup, err := keyService()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := svc.Rotate(ctx, keyID, keyGrace, "cli", "")
		if err != nil {
			return err
		}

		fmt.Printf("new key id: %s\n", result.NewKeyID)
		fmt.Printf("plaintext:  %s\n", result.NewKey)
		fmt.Printf("old key expires at %s\n", result.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func keyService() (*key.Service, func(), error) {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.Initialize(cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)

	cleanup := func() {
		redisClient.Close()
		db.Close()
	}
	return key.NewService(db.DB, redisClient, zap.NewNop(), cfg.Gateway.APIKeyCacheTTL), cleanup, nil
}

func init() {
	keyGenerateCmd.Flags().StringVar(&keyUserOID, "user", "", "owner user oid")
	keyGenerateCmd.Flags().StringVar(&keyLabel, "label", "", "human-readable label")
	keyGenerateCmd.Flags().Float64Var(&keyBudget, "budget", 0, "monthly budget (0 = unlimited)")
	keyGenerateCmd.Flags().IntVar(&keyRPM, "rpm", 60, "rate limit in requests per minute")
	keyRotateCmd.Flags().IntVar(&keyGrace, "grace-hours", 24, "hours the old key stays valid")

	keyCmd.AddCommand(keyGenerateCmd)
	keyCmd.AddCommand(keyRotateCmd)
}
