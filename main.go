// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mheijden/linkup/internal/app"
	"github.com/mheijden/linkup/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("linkup v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "agent":
		runAgent(args[1])
	case "hub":
		runHub(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runAgent(dirArg string) {
	absDir, cfgPath, cfg := loadConfig(dirArg)

	fmt.Printf("linkup agent\n")
	fmt.Printf("  Directory: %s\n", absDir)
	fmt.Printf("  Config:    %s\n", cfgPath)
	fmt.Printf("  Identity:  %s\n", cfg.Identity.ID)
	fmt.Printf("  Hub:       %s\n", cfg.Hub.URL)
	fmt.Println()

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}

func runHub(dirArg string) {
	absDir, cfgPath, cfg := loadConfig(dirArg)

	// Relative data dirs resolve under the hub directory.
	if !filepath.IsAbs(cfg.Hub.DataDir) {
		cfg.Hub.DataDir = filepath.Join(absDir, cfg.Hub.DataDir)
	}

	fmt.Printf("linkup hub\n")
	fmt.Printf("  Config: %s\n", cfgPath)
	fmt.Printf("  Listen: %s\n", cfg.Hub.Listen)
	fmt.Printf("  Data:   %s\n", cfg.Hub.DataDir)
	fmt.Println()

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunHub(ctx, cfg); err != nil {
		log.Fatalf("Hub failed: %v", err)
	}
}

func loadConfig(dirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "linkup.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s — edit identity.id before connecting\n", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func showUsage() {
	fmt.Println("linkup - one-to-one messaging and calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  linkup agent <directory>   Run an agent (interactive prompt)")
	fmt.Println("  linkup hub <directory>     Run the signaling and relay hub")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  agent <directory>")
	fmt.Println("        Run an agent using <directory>/linkup.json")
	fmt.Println("        A default config is created on first run")
	fmt.Println()
	fmt.Println("  hub <directory>")
	fmt.Println("        Run the hub; agents connect to its /ws endpoint")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}
