// Package geoip updates the GeoIP database mihomo's rule engine reads
// from config/geoip.metadb, on the same download-with-retry idiom
// internal/profiles uses for subscriptions.
package geoip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultGeoIPMetaDBURL = "https://mirror.camofy.app/MetaCubeX/meta-rules-dat/release/geoip.metadb"
	metaDBFileName        = "geoip.metadb"
)

// Updater downloads the single GeoIP database mihomo expects at
// <data_root>/config/geoip.metadb.
type Updater struct {
	configDir string
	client    *http.Client
}

func New(dataRoot string) *Updater {
	return &Updater{
		configDir: filepath.Join(dataRoot, "config"),
		client:    &http.Client{Timeout: 300 * time.Second},
	}
}

// Update fetches geoip.metadb, retrying with bounded backoff, and
// installs it via write-temp-then-rename.
func (u *Updater) Update(ctx context.Context) error {
	if err := u.fetchInto(ctx, defaultGeoIPMetaDBURL, metaDBFileName); err != nil {
		return fmt.Errorf("geoip_update_failed: %w", err)
	}
	return nil
}

func (u *Updater) fetchInto(ctx context.Context, url, fileName string) error {
	if err := os.MkdirAll(u.configDir, 0o755); err != nil {
		return err
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := u.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("upstream returned %d", resp.StatusCode))
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}
		body = data
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}

	final := filepath.Join(u.configDir, fileName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Exists reports whether the database is already installed, so a core
// start can skip a redundant download.
func (u *Updater) Exists() bool {
	_, err := os.Stat(filepath.Join(u.configDir, metaDBFileName))
	return err == nil
}
