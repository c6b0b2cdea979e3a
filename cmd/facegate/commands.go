package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrCodeEU/facegate/pkg/camera"
	"github.com/MrCodeEU/facegate/pkg/catalog"
	"github.com/MrCodeEU/facegate/pkg/gate"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/server"
	"github.com/MrCodeEU/facegate/pkg/session"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/MrCodeEU/facegate/pkg/throttle"
	"gopkg.in/yaml.v3"
)

func cmdServe(args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	defer a.Close()

	if err := a.openStores(ctx); err != nil {
		return err
	}
	if err := a.dialVault(); err != nil {
		return err
	}
	if err := a.loadRecognizer(); err != nil {
		return err
	}
	reg, err := a.newRegistry(ctx)
	if err != nil {
		return err
	}

	limiter, err := throttle.NewFromConfig(cfg.Gate.Throttle, cfg.Redis)
	if err != nil {
		return err
	}
	issuer, err := session.NewIssuer(cfg.Session)
	if err != nil {
		return err
	}
	opts, err := gate.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	g, err := gate.New(gate.Deps{
		Limiter:     limiter,
		Extractor:   a.recognizer,
		Registry:    reg,
		Credentials: a.creds,
		Verifier:    a.vault,
		Sessions:    issuer,
	}, opts)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Gate:     g,
		Sessions: issuer,
		Requests: throttle.NewRequestLimiter(cfg.Gate.RequestRate, cfg.Gate.RequestBurst),
	}
	if a.db != nil {
		deps.Catalog = catalog.NewPostgresRepository(a.db)
		deps.Health = map[string]server.HealthCheck{"database": a.db.PingContext}
	} else {
		logging.Warnf("Catalog endpoint disabled: it needs the postgres storage backend")
	}

	srv, err := server.New(cfg, deps)
	if err != nil {
		return err
	}

	logging.WithFields(logging.Fields{
		"listen":           cfg.Server.Listen,
		"require_password": cfg.Gate.RequirePassword,
		"throttle":         cfg.Gate.Throttle.Backend,
		"remote_registry":  reg.RemoteEnabled(),
	}).Info("Admin gate starting")

	return srv.Run(ctx)
}

func cmdSetPassword(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("email required\nUsage: %s", commands["set-password"].Usage)
	}
	email := storage.NormalizeEmail(args[0])
	if email == "" {
		return fmt.Errorf("email required")
	}
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}

	password, err := readNewPassword(os.Stdin, os.Stderr)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a := &app{}
	defer a.Close()
	if err := a.openStores(ctx); err != nil {
		return err
	}
	if err := a.dialVault(); err != nil {
		return err
	}

	if err := a.vault.UpsertCredential(ctx, email, password); err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}
	fmt.Printf("Password for '%s' updated.\n", email)
	return nil
}

func cmdRemovePassword(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("email required\nUsage: %s", commands["remove-password"].Usage)
	}
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}

	ctx := context.Background()
	a := &app{}
	defer a.Close()
	if err := a.openStores(ctx); err != nil {
		return err
	}

	email := storage.NormalizeEmail(args[0])
	if err := a.creds.Delete(ctx, email); err != nil {
		return fmt.Errorf("failed to remove password for '%s': %w", email, err)
	}
	fmt.Printf("Password for '%s' removed.\n", email)
	return nil
}

func cmdEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ContinueOnError)
	label := fs.String("label", "", "Human-readable label for the face")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("id and at least one image required\nUsage: %s", commands["enroll"].Usage)
	}
	id, images := rest[0], rest[1:]
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}

	ctx := context.Background()
	a := &app{}
	defer a.Close()
	if err := a.openStores(ctx); err != nil {
		return err
	}
	if err := a.requireDescriptors(); err != nil {
		return err
	}
	if err := a.dialVault(); err != nil {
		return err
	}
	if err := a.loadRecognizer(); err != nil {
		return err
	}

	fmt.Printf("Enrolling '%s' from %d image(s)...\n", id, len(images))

	descs := make([]recognition.Descriptor, 0, len(images))
	for i, path := range images {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		desc, err := a.recognizer.ExtractDescriptor(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("[%d/%d] %s ok\n", i+1, len(images), path)
		descs = append(descs, desc)
	}

	avg, err := recognition.AverageDescriptor(descs)
	if err != nil {
		return err
	}
	enc, err := a.vault.EncryptDescriptor(ctx, avg)
	if err != nil {
		return fmt.Errorf("failed to encrypt descriptor: %w", err)
	}

	if *label == "" {
		*label = id
	}
	if err := a.descriptors.Put(ctx, storage.DescriptorRecord{ID: id, Label: *label, Ciphertext: enc.Ciphertext}); err != nil {
		return fmt.Errorf("failed to store descriptor: %w", err)
	}

	logging.WithFields(logging.Fields{"id": id, "images": len(images)}).Info("Face enrolled")
	fmt.Printf("Face '%s' authorized.\n", id)
	return nil
}

func cmdRevoke(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("id required\nUsage: %s", commands["revoke"].Usage)
	}
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}

	ctx := context.Background()
	a := &app{}
	defer a.Close()
	if err := a.openStores(ctx); err != nil {
		return err
	}
	if err := a.requireDescriptors(); err != nil {
		return err
	}

	if err := a.descriptors.Delete(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to revoke '%s': %w", args[0], err)
	}
	logging.WithField("id", args[0]).Info("Face revoked")
	fmt.Printf("Face '%s' revoked.\n", args[0])
	return nil
}

func cmdList(args []string) error {
	fmt.Println("Static references:")
	if len(cfg.Registry.References) == 0 {
		fmt.Println("  (none)")
	}
	for _, ref := range cfg.Registry.References {
		fmt.Printf("  %-20s %s\n", ref.ID, ref.Source)
	}

	if !cfg.Registry.RemoteEnabled {
		fmt.Println("\nRemote descriptors: disabled")
		return nil
	}

	ctx := context.Background()
	a := &app{}
	defer a.Close()
	if err := a.openStores(ctx); err != nil {
		return err
	}
	if err := a.requireDescriptors(); err != nil {
		return err
	}

	recs, err := a.descriptors.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote descriptors: %w", err)
	}

	fmt.Printf("\nRemote descriptors (%d):\n", len(recs))
	for _, rec := range recs {
		fmt.Printf("  %-20s %-20s %s\n", rec.ID, rec.Label, rec.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	useCamera := fs.Bool("camera", false, "Capture from a camera device instead of a file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()

	limits := camera.Limits{MinWidth: cfg.Recognition.MinFrameWidth, MinHeight: cfg.Recognition.MinFrameHeight}
	var src camera.Source
	switch {
	case *useCamera:
		device := "/dev/video0"
		if len(rest) > 0 {
			device = rest[0]
		}
		src = camera.NewExclusive(camera.NewDeviceSource(device, limits))
	case len(rest) > 0:
		src = &camera.FileSource{Path: rest[0], Limits: limits}
	default:
		return fmt.Errorf("image or -camera required\nUsage: %s", commands["verify"].Usage)
	}

	metric, err := recognition.ParseMetric(cfg.Recognition.Metric)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Gate.CaptureTimeout+cfg.Registry.RemoteTimeout)
	defer cancel()

	a := &app{}
	defer a.Close()
	if cfg.Registry.RemoteEnabled {
		if err := a.openStores(ctx); err != nil {
			return err
		}
		if err := a.dialVault(); err != nil {
			return err
		}
	}
	if err := a.loadRecognizer(); err != nil {
		return err
	}
	reg, err := a.newRegistry(ctx)
	if err != nil {
		return err
	}

	frame, err := captureOnce(ctx, src)
	if err != nil {
		return err
	}
	probe, err := a.recognizer.ExtractDescriptor(frame.Data)
	if err != nil {
		return err
	}

	candidates, err := reg.ListAuthorizedDescriptors(ctx)
	if err != nil {
		return err
	}
	descs := make([]recognition.Descriptor, len(candidates))
	for i, c := range candidates {
		descs[i] = c.Descriptor
	}

	d := recognition.Match(probe, descs, cfg.Recognition.Threshold, metric)
	fmt.Printf("Candidates: %d\n", len(descs))
	fmt.Printf("Distance:   %.4f (threshold %.4f, %s)\n", d.Distance, cfg.Recognition.Threshold, metric)
	if d.Matched {
		fmt.Printf("Result:     MATCH (%s)\n", candidates[d.Index].ID)
	} else {
		fmt.Println("Result:     NO MATCH")
	}
	return nil
}

func captureOnce(ctx context.Context, src camera.Source) (camera.Frame, error) {
	sess, err := src.Open(ctx)
	if err != nil {
		return camera.Frame{}, err
	}
	defer sess.Close()
	return sess.Capture(ctx)
}

func cmdConfig(args []string) error {
	shown := *cfg
	shown.Session.Secret = redacted(shown.Session.Secret)
	shown.Vault.ServiceToken = redacted(shown.Vault.ServiceToken)
	shown.VaultServer.ServiceToken = redacted(shown.VaultServer.ServiceToken)
	shown.VaultServer.Key = redacted(shown.VaultServer.Key)
	shown.VaultServer.Pepper = redacted(shown.VaultServer.Pepper)
	shown.VaultServer.RetiredKeys = nil
	shown.Storage.DatabaseDSN = redacted(shown.Storage.DatabaseDSN)
	shown.Redis.Password = redacted(shown.Redis.Password)

	out, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func redacted(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func cmdVersion(args []string) error {
	fmt.Printf("FaceGate version %s\n", version)
	fmt.Println("Face recognition: dlib via go-face")
	fmt.Println("Vault: argon2id passwords, secretbox descriptors over gRPC")
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", args[0])
	}

	fmt.Printf("%s - %s\n\n", cmd.Name, cmd.Description)
	fmt.Printf("Usage: %s\n", cmd.Usage)

	switch cmd.Name {
	case "serve":
		fmt.Println("\nRequires a reachable vault, loaded models and at least one")
		fmt.Println("registry reference. Secrets are read from the environment.")
	case "enroll":
		fmt.Println("\nEach image must contain exactly one face. Descriptors from")
		fmt.Println("several images are averaged before encryption.")
	case "verify":
		fmt.Println("\nPrints the closest distance without issuing a session.")
	}
	return nil
}
