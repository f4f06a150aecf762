package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shelfware/bindery/config"
)

// NewConfigCommand groups configuration inspection subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(newConfigShowCommand())
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the merged configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fmt.Println("[server]")
			fmt.Printf("  port             = %d\n", cfg.Server.Port)
			fmt.Printf("  api_key          = %s\n", mask(cfg.Server.APIKey))
			fmt.Printf("  max_upload_bytes = %d\n", cfg.Server.MaxUploadBytes)
			fmt.Println("[store]")
			fmt.Printf("  addr       = %s\n", cfg.Store.Addr)
			fmt.Printf("  db         = %d\n", cfg.Store.DB)
			fmt.Printf("  key_prefix = %s\n", cfg.Store.KeyPrefix)
			fmt.Printf("  retention  = %s\n", cfg.Store.Retention())
			fmt.Printf("  lease_ttl  = %s\n", cfg.Store.LeaseTTL())
			fmt.Println("[blob]")
			fmt.Printf("  endpoint   = %s\n", cfg.Blob.Endpoint)
			fmt.Printf("  region     = %s\n", cfg.Blob.Region)
			fmt.Printf("  bucket     = %s\n", cfg.Blob.Bucket)
			fmt.Printf("  access_key = %s\n", mask(cfg.Blob.AccessKey))
			fmt.Printf("  secret_key = %s\n", mask(cfg.Blob.SecretKey))
			fmt.Printf("  prefix     = %s\n", cfg.Blob.Prefix)
			fmt.Println("[pipeline]")
			fmt.Printf("  image_base    = %s\n", cfg.Pipeline.ImageBase)
			fmt.Printf("  stage_timeout = %s\n", cfg.Pipeline.StageTimeout())
			fmt.Printf("  retry_limit   = %d\n", cfg.Pipeline.RetryLimit)
			fmt.Printf("  backoff       = %s .. %s\n", cfg.Pipeline.BackoffBase(), cfg.Pipeline.BackoffMax())
			fmt.Println("[pool]")
			fmt.Printf("  workers             = %d\n", cfg.Pool.Workers)
			fmt.Printf("  poll_interval       = %s\n", cfg.Pool.PollInterval())
			fmt.Printf("  dispatch_per_second = %.1f\n", cfg.Pool.DispatchPerSecond)
			fmt.Printf("  reaper_interval     = %s\n", cfg.Pool.ReaperInterval())
			fmt.Printf("  memory_threshold    = %.0f%%\n", cfg.Pool.MemoryThresholdPct)
			fmt.Println("[log]")
			fmt.Printf("  json  = %v\n", cfg.Log.JSON)
			fmt.Printf("  level = %s\n", cfg.Log.Level)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to bindery.toml")
	return cmd
}

// mask hides all but a hint of a secret value
func mask(s string) string {
	if s == "" {
		return "(unset)"
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
