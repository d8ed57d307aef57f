package metering

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Rates are prices in USD
type Rates struct {
	TextPer1K float64 `yaml:"text_per_1k_tokens" json:"text_per_1k_tokens"`
	PerImage  float64 `yaml:"per_image" json:"per_image"`
}

// DefaultRates are $0.20 per 1000 text tokens and $0.50 per image
var DefaultRates = Rates{TextPer1K: 0.20, PerImage: 0.50}

// LoadRates reads prices from a YAML (or JSON) file
func LoadRates(path string) (Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rates{}, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var r Rates
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rates{}, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	if r.TextPer1K < 0 || r.PerImage < 0 {
		return Rates{}, fmt.Errorf("pricing file %s has negative prices", path)
	}
	return r, nil
}

// WatchRates reloads the pricing file into m whenever it changes, until ctx is done.
// The parent directory is watched so atomic replace-by-rename is picked up.
func WatchRates(ctx context.Context, path string, m *Meter) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create pricing watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch pricing file: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				r, err := LoadRates(abs)
				if err != nil {
					log.Error().Err(err).Msg("Ignoring invalid pricing update")
					continue
				}
				m.SetRates(r)
				log.Info().Float64("text_per_1k", r.TextPer1K).Float64("per_image", r.PerImage).Msg("Pricing reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Pricing watcher error")
			}
		}
	}()

	return nil
}
