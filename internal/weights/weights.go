// Package weights resolves a pre-trained network identifier to a local
// model file, downloading it into a cache directory on first use.
package weights

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Config describes where weights come from.
type Config struct {
	// ModelPath, when set, is used as-is and nothing is downloaded.
	ModelPath string
	BaseURL   string
	CacheDir  string
	Timeout   time.Duration
}

type Provider struct {
	cfg  Config
	rest *resty.Client
}

func NewProvider(cfg Config) *Provider {
	r := resty.New()
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	} else {
		r.SetTimeout(10 * time.Minute)
	}
	return &Provider{cfg: cfg, rest: r}
}

// Resolve returns a local path holding the weights for id.
func (p *Provider) Resolve(ctx context.Context, id string) (string, error) {
	if p.cfg.ModelPath != "" {
		if _, err := os.Stat(p.cfg.ModelPath); err != nil {
			return "", fmt.Errorf("model file %s: %w", p.cfg.ModelPath, err)
		}
		return p.cfg.ModelPath, nil
	}
	if id == "" {
		return "", fmt.Errorf("no model path and no weights id configured")
	}

	cached := filepath.Join(p.cfg.CacheDir, id+".onnx")
	if info, err := os.Stat(cached); err == nil && info.Size() > 0 {
		log.Debug().Str("path", cached).Msg("Using cached weights")
		return cached, nil
	}

	if p.cfg.BaseURL == "" {
		return "", fmt.Errorf("weights %q not cached in %s and no download URL configured", id, p.cfg.CacheDir)
	}
	if err := p.download(ctx, id, cached); err != nil {
		return "", err
	}
	return cached, nil
}

func (p *Provider) download(ctx context.Context, id, dest string) error {
	if err := os.MkdirAll(p.cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("create weights cache: %w", err)
	}

	tmp, err := os.CreateTemp(p.cfg.CacheDir, id+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/" + id + ".onnx"
	log.Info().Str("url", url).Str("dest", dest).Msg("Downloading pre-trained weights")

	start := time.Now()
	resp, err := p.rest.R().
		SetContext(ctx).
		SetOutput(tmpPath).
		Get(url)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("download weights: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		os.Remove(tmpPath)
		return fmt.Errorf("download weights: status %d from %s", resp.StatusCode(), url)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("install weights: %w", err)
	}

	var size int64
	if info, err := os.Stat(dest); err == nil {
		size = info.Size()
	}
	log.Info().
		Str("path", dest).
		Int64("bytes", size).
		Dur("elapsed", time.Since(start)).
		Msg("Weights downloaded")
	return nil
}
