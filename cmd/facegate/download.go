package main

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MrCodeEU/facegate/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// model is one dlib model file and where to fetch it.
type model struct {
	Name string
	URL  string
}

var models = []model{
	{
		Name: "shape_predictor_5_face_landmarks.dat",
		URL:  "http://dlib.net/files/shape_predictor_5_face_landmarks.dat.bz2",
	},
	{
		Name: "dlib_face_recognition_resnet_model_v1.dat",
		URL:  "http://dlib.net/files/dlib_face_recognition_resnet_model_v1.dat.bz2",
	},
	{
		Name: "mmod_human_face_detector.dat",
		URL:  "http://dlib.net/files/mmod_human_face_detector.dat.bz2",
	},
}

func cmdDownloadModels(args []string) error {
	modelDir := cfg.Recognition.ModelPath
	if len(args) > 0 {
		modelDir = args[0]
	}
	return downloadModels(context.Background(), &http.Client{Timeout: 10 * time.Minute}, modelDir, models)
}

// downloadModels fetches missing models concurrently. Files that already
// exist are kept.
func downloadModels(ctx context.Context, client *http.Client, modelDir string, list []model) error {
	logging.Infof("Downloading models to: %s", modelDir)

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range list {
		targetPath := filepath.Join(modelDir, m.Name)
		if _, err := os.Stat(targetPath); err == nil {
			logging.Infof("Model %s already exists, skipping", m.Name)
			continue
		}

		g.Go(func() error {
			logging.Infof("Downloading %s...", m.Name)
			if err := downloadAndExtract(ctx, client, m.URL, targetPath); err != nil {
				return fmt.Errorf("failed to download %s: %w", m.Name, err)
			}
			logging.Infof("Successfully downloaded %s", m.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logging.Info("All models downloaded successfully!")
	return nil
}

// downloadAndExtract writes the decompressed body to a temp file and
// renames it into place, so an interrupted download leaves no partial model.
func downloadAndExtract(ctx context.Context, client *http.Client, url, targetPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".download-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, bzip2.NewReader(resp.Body)); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), targetPath)
}
