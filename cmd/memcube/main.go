package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/memcube/internal/config"
	"github.com/stellarlinkco/memcube/internal/schema"
	"github.com/stellarlinkco/memcube/internal/service"
)

// ServeOptions for running the service with injectable dependencies (allows
// signal injection in tests).
type ServeOptions struct {
	SignalChan chan os.Signal
}

var rootCmd = &cobra.Command{
	Use:   "memcube",
	Short: "memcube - bounded multi-tier memory for conversational agents",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler service (queue consumer + consolidation + weblog)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize the config file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config and per-tier memory counts",
	RunE:  runStatus,
}

var addCmd = &cobra.Command{
	Use:   "add [text]...",
	Short: "Store memories for a user",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search a user's memories",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var (
	userFlag string
	cubeFlag string
	tierFlag string
	topFlag  int
)

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, addCmd, searchCmd} {
		cmd.Flags().StringVarP(&userFlag, "user", "u", "", "User id")
		cmd.Flags().StringVarP(&cubeFlag, "cube", "c", "default", "Cube id")
	}
	addCmd.Flags().StringVarP(&tierFlag, "tier", "t", "", "Target tier (working, long-term, user, outer)")
	searchCmd.Flags().IntVarP(&topFlag, "top", "n", 0, "Maximum results (0 uses the configured top-k)")
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd, addCmd, searchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	return runServeWithOptions(ServeOptions{})
}

// runServeWithOptions runs the service with injectable dependencies for testing
func runServeWithOptions(opts ServeOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'memcube onboard' or set MEMCUBE_API_KEY / OPENAI_API_KEY")
	}

	svc, err := service.NewWithOptions(cfg, service.Options{SignalChan: opts.SignalChan})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	return svc.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set MEMCUBE_API_KEY environment variable")
	fmt.Println("  3. Run 'memcube add --user you \"I live in Lisbon\"' to store a first memory")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Store: %s\n", backendDisplay(cfg.Store.Backend, "sqlite"))
	if !strings.EqualFold(strings.TrimSpace(cfg.Store.Backend), "memory") && cfg.Store.DBPath != "" {
		fmt.Printf("DB: %s\n", cfg.Store.DBPath)
	}
	fmt.Printf("Queue: %s\n", backendDisplay(cfg.Queue.Backend, "memory"))
	fmt.Printf("Model: %s\n", cfg.Provider.Model)
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}

	if strings.TrimSpace(userFlag) == "" {
		return nil
	}

	owner, err := flagOwner()
	if err != nil {
		return err
	}
	svc, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer svc.Shutdown()

	counts, err := svc.Status(context.Background(), owner)
	if err != nil {
		return err
	}
	fmt.Printf("\nMemories for %s:\n", owner.Key())
	for _, tier := range schema.AllTiers() {
		fmt.Printf("  %s: %s\n", tier, countsDisplay(counts[tier]))
	}
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	local := localQueue(cfg.Queue.Backend)
	if local && cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'memcube onboard' or set MEMCUBE_API_KEY / OPENAI_API_KEY")
	}

	owner, err := flagOwner()
	if err != nil {
		return err
	}
	tier, err := parseTier(tierFlag)
	if err != nil {
		return err
	}

	svc, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer svc.Shutdown()

	ctx := context.Background()
	msg, err := svc.SubmitAdd(ctx, owner, tier, args)
	if err != nil {
		return err
	}

	// A redis queue has a serve process consuming it; the in-process queue
	// dies with this command, so drain it before exiting.
	if local {
		if err := svc.ProcessQueued(ctx); err != nil {
			return err
		}
		fmt.Printf("Stored %d memories for %s\n", len(msg.Records), owner.Key())
	} else {
		fmt.Printf("Queued %d memories for %s\n", len(msg.Records), owner.Key())
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'memcube onboard' or set MEMCUBE_API_KEY / OPENAI_API_KEY")
	}

	owner, err := flagOwner()
	if err != nil {
		return err
	}

	svc, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer svc.Shutdown()

	res, err := svc.Search(context.Background(), owner, args[0], topFlag)
	if err != nil {
		return err
	}
	if len(res.Ranked) == 0 {
		fmt.Println("No memories found.")
		return nil
	}
	for i, rec := range res.Ranked {
		fmt.Printf("%d. [%s %.3f] %s\n", i+1, rec.Tier, res.Scores[rec.ID], rec.Content)
	}
	if res.Answerable {
		fmt.Println("Answerable: yes")
	} else {
		fmt.Println("Answerable: no")
	}
	return nil
}

func flagOwner() (schema.Owner, error) {
	user := strings.TrimSpace(userFlag)
	if user == "" {
		return schema.Owner{}, fmt.Errorf("user not set. Pass --user")
	}
	cube := strings.TrimSpace(cubeFlag)
	if cube == "" {
		cube = "default"
	}
	return schema.Owner{UserID: user, CubeID: cube}, nil
}

// parseTier maps CLI-friendly tier names onto the canonical ones. Empty input
// means no tier preference.
func parseTier(s string) (schema.Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "working":
		return schema.TierWorking, nil
	case "long", "longterm", "long-term":
		return schema.TierLongTerm, nil
	case "user", "preference":
		return schema.TierUser, nil
	case "outer":
		return schema.TierOuter, nil
	}
	if schema.ValidTier(schema.Tier(s)) {
		return schema.Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q (working, long-term, user, outer)", s)
}

func localQueue(backend string) bool {
	b := strings.ToLower(strings.TrimSpace(backend))
	return b == "" || b == "memory"
}

func backendDisplay(name, fallback string) string {
	if strings.TrimSpace(name) == "" {
		return fallback + " (default)"
	}
	return strings.ToLower(strings.TrimSpace(name))
}

func countsDisplay(byStatus map[schema.Status]int) string {
	if len(byStatus) == 0 {
		return "empty"
	}
	var parts []string
	for _, status := range []schema.Status{schema.StatusActivated, schema.StatusArchived, schema.StatusDeleted} {
		if n := byStatus[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, ", ")
}
