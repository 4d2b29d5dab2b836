package silero

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// Downloader fetches the model into DefaultModelPath.
type Downloader struct {
	URL    string
	Path   string // defaults to DefaultModelPath()
	Client *http.Client
}

// Download fetches the model unless it already exists. The file is written to
// a temporary name and renamed so a partial download is never picked up.
func (d *Downloader) Download() error {
	path := d.Path
	if path == "" {
		path = DefaultModelPath()
	}
	if _, err := os.Stat(path); err == nil {
		slog.Info("Silero VAD model already exists", slog.String("model_path", path))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	slog.Info("Downloading Silero VAD model", slog.String("url", d.URL), slog.String("model_path", path))
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, d.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download from %s: %w", d.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download from %s: HTTP %d", d.URL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ModelFileName+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install model: %w", err)
	}

	slog.Info("Silero VAD model downloaded", slog.String("model_path", path), slog.Int64("bytes", n))
	return nil
}
