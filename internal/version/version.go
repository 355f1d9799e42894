/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries the build version and logs when a newer
// release has been published.
package version

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Version is the current version of Skald Jukebox.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/skald_jukebox/internal/version.Version=X.Y.Z
var Version = "0.4.1"

const (
	releaseEndpoint = "https://api.github.com/repos/friendsincode/skald_jukebox/releases/latest"
	checkPeriod     = 6 * time.Hour
)

// Checker polls GitHub for new releases.
type Checker struct {
	client *http.Client
	logger zerolog.Logger
}

// NewChecker creates a release checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With().Str("component", "update-checker").Logger(),
	}
}

// Start checks once immediately, then periodically until ctx is done.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(checkPeriod)
		defer ticker.Stop()
		for {
			c.check(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *Checker) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseEndpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "Skald-Jukebox/"+Version)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Msg("release check failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug().Int("status", resp.StatusCode).Msg("unexpected status from GitHub")
		return
	}

	var release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		c.logger.Debug().Err(err).Msg("bad release payload")
		return
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	if Newer(Version, latest) {
		c.logger.Info().
			Str("current", Version).
			Str("latest", latest).
			Str("url", release.HTMLURL).
			Msg("new version available")
	}
}

// Newer reports whether latest is a higher semver than current. Missing
// components count as zero.
func Newer(current, latest string) bool {
	cur := parse(current)
	lat := parse(latest)
	for i := 0; i < 3; i++ {
		if lat[i] != cur[i] {
			return lat[i] > cur[i]
		}
	}
	return false
}

func parse(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n := 0
		for _, r := range parts[i] {
			if r < '0' || r > '9' {
				break
			}
			n = n*10 + int(r-'0')
		}
		out[i] = n
	}
	return out
}
