package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/MrCodeEU/facegate/pkg/logging"
)

const version = "0.3.0"

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command
)

// commandOrder is the order commands are listed in usage output.
var commandOrder = []string{
	"serve", "set-password", "remove-password", "enroll", "revoke",
	"list", "verify", "download-models", "config", "version", "help",
}

func init() {
	commands = map[string]*Command{
		"serve": {
			Name:        "serve",
			Description: "Run the admin login gate HTTP server",
			Usage:       "facegate serve",
			Run:         cmdServe,
		},
		"set-password": {
			Name:        "set-password",
			Description: "Set or replace an admin password",
			Usage:       "facegate set-password <email>",
			Run:         cmdSetPassword,
		},
		"remove-password": {
			Name:        "remove-password",
			Description: "Remove an admin password",
			Usage:       "facegate remove-password <email>",
			Run:         cmdRemovePassword,
		},
		"enroll": {
			Name:        "enroll",
			Description: "Authorize a face in the remote descriptor store",
			Usage:       "facegate enroll <id> <image> [image...]",
			Run:         cmdEnroll,
		},
		"revoke": {
			Name:        "revoke",
			Description: "Remove a face from the remote descriptor store",
			Usage:       "facegate revoke <id>",
			Run:         cmdRevoke,
		},
		"list": {
			Name:        "list",
			Description: "List authorized faces",
			Usage:       "facegate list",
			Run:         cmdList,
		},
		"verify": {
			Name:        "verify",
			Description: "Match an image or a camera frame against the registry",
			Usage:       "facegate verify <image> | facegate verify -camera [device]",
			Run:         cmdVerify,
		},
		"download-models": {
			Name:        "download-models",
			Description: "Download the face recognition models",
			Usage:       "facegate download-models [dir]",
			Run:         cmdDownloadModels,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "facegate config",
			Run:         cmdConfig,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "facegate version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "facegate help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	// Parse global flags
	configFile := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to a dotenv file with secrets")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	args := flag.Args()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load %s: %v\n", *envFile, err)
	}

	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
		cfg.ApplyEnv()
	}

	cfg.ExpandPaths()

	logLevel := cfg.Logging.Level
	if *debug {
		logLevel = "debug"
	}
	if err := logging.Init(logLevel, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	if err := logging.SetFormat(cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	logging.Debugf("FaceGate v%s starting", version)

	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
		printUsage()
		os.Exit(1)
	}

	if err := cmd.Run(args[1:]); err != nil {
		logging.WithError(err).Errorf("Command '%s' failed", cmdName)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("FaceGate - Face and password login for the dealership admin area")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Usage: facegate [options] <command> [arguments]")
	fmt.Println("\nOptions:")
	fmt.Println("  -config <file>   Path to configuration file")
	fmt.Println("  -env <file>      Path to dotenv file with secrets (default .env)")
	fmt.Println("  -debug           Enable debug logging")
	fmt.Println("\nCommands:")
	for _, name := range commandOrder {
		cmd := commands[name]
		fmt.Printf("  %-16s %s\n", cmd.Name, cmd.Description)
	}
	fmt.Println("\nExamples:")
	fmt.Println("  facegate set-password owner@dealer.example")
	fmt.Println("  facegate enroll sales-1 front.jpg left.jpg right.jpg")
	fmt.Println("  facegate verify -camera /dev/video0")
	fmt.Println("\nRun 'facegate help <command>' for more information on a command.")
}
