package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/vault"
)

const version = "0.3.0"

// Exit codes:
//
//	0 = ok
//	1 = runtime error
//	2 = usage error
//	3 = configuration error
const (
	exitOK = iota
	exitRuntime
	exitUsage
	exitConfig
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:], stderr)
	case "genkey":
		return runGenKey(stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "facegate-vault version %s\n", version)
		return exitOK
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[0])
		printUsage(stderr)
		return exitUsage
	}
}

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "Path to configuration file")
	envFile := fs.String("env", ".env", "Path to a dotenv file with secrets")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(stderr, "facegate-vault: %v\n", err)
		return exitConfig
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(stderr, "facegate-vault: Configuration error: %v\n", err)
		return exitConfig
	}
	cfg.ExpandPaths()

	if err := cfg.ValidateVaultServer(); err != nil {
		fmt.Fprintf(stderr, "facegate-vault: Configuration error: %v\n", err)
		return exitConfig
	}

	if err := logging.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		fmt.Fprintf(stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	if err := logging.SetFormat(cfg.Logging.Format); err != nil {
		fmt.Fprintf(stderr, "Warning: %v\n", err)
	}

	engine, err := vault.NewEngineFromConfig(cfg.VaultServer)
	if err != nil {
		fmt.Fprintf(stderr, "facegate-vault: Key error: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.WithFields(logging.Fields{
		"listen": cfg.VaultServer.Listen,
		"key_id": cfg.VaultServer.KeyID,
		"tls":    cfg.VaultServer.TLSCertFile != "",
	}).Infof("facegate-vault v%s starting", version)

	srv := vault.NewServer(engine, vault.ServerConfig{
		Listen:      cfg.VaultServer.Listen,
		Token:       cfg.VaultServer.ServiceToken,
		TLSCertFile: cfg.VaultServer.TLSCertFile,
		TLSKeyFile:  cfg.VaultServer.TLSKeyFile,
	})
	if err := srv.Run(ctx); err != nil {
		logging.WithError(err).Errorf("Vault server stopped")
		fmt.Fprintf(stderr, "facegate-vault: %v\n", err)
		return exitRuntime
	}
	logging.Infof("Vault server stopped")
	return exitOK
}

// runGenKey prints a fresh base64 encryption key for vault_server.key.
func runGenKey(stdout, stderr io.Writer) int {
	key := make([]byte, vault.KeySize)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(stderr, "facegate-vault: %v\n", err)
		return exitRuntime
	}
	fmt.Fprintln(stdout, base64.StdEncoding.EncodeToString(key))
	return exitOK
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "facegate-vault - Password hashing and descriptor encryption service")
	fmt.Fprintf(w, "Version: %s\n\n", version)
	fmt.Fprintln(w, "Usage: facegate-vault <command> [options]")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  serve [-config file] [-env file]   Run the vault gRPC service")
	fmt.Fprintln(w, "  genkey                             Print a new base64 encryption key")
	fmt.Fprintln(w, "  version                            Show version information")
	fmt.Fprintln(w, "\nSecrets are read from FACEGATE_VAULT_KEY, FACEGATE_VAULT_PEPPER")
	fmt.Fprintln(w, "and FACEGATE_VAULT_TOKEN.")
}
