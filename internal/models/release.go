// Package models - plugin release metadata and compatibility checks.
package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Defaults applied to release metadata that omits platform requirements.
const (
	DefaultRequiresWP  = "5.0"
	DefaultRequiresPHP = "7.4"
	DefaultTestedUpTo  = "6.4"
)

// PluginRelease describes one published version of the WordPress plugin.
// It is the shape of releases/{version}/metadata.json in the release bucket
// and of updates.releases entries in the config file.
type PluginRelease struct {
	Version      string    `yaml:"version" json:"version"`
	ReleaseDate  time.Time `yaml:"release_date" json:"release_date"`
	ReleaseNotes string    `yaml:"release_notes" json:"release_notes,omitempty"`
	ChangelogURL string    `yaml:"changelog_url" json:"changelog_url,omitempty"`
	RequiresWP   string    `yaml:"requires_wp" json:"requires_wp,omitempty"`
	RequiresPHP  string    `yaml:"requires_php" json:"requires_php,omitempty"`
	TestedUpTo   string    `yaml:"tested_up_to" json:"tested_up_to,omitempty"`
	PackageHash  string    `yaml:"package_hash" json:"package_hash,omitempty"`
	FileSize     int64     `yaml:"file_size" json:"file_size,omitempty"`
	DownloadURL  string    `yaml:"download_url" json:"download_url,omitempty"` // static source only
	ObjectKey    string    `yaml:"-" json:"object_key,omitempty"`              // s3 source only
}

func (r *PluginRelease) Validate() error {
	if r.Version == "" {
		return errors.New("version cannot be empty")
	}
	if _, err := semver.NewVersion(r.Version); err != nil {
		return fmt.Errorf("invalid version %q: %w", r.Version, err)
	}
	for name, v := range map[string]string{"requires_wp": r.RequiresWP, "requires_php": r.RequiresPHP} {
		if v == "" {
			continue
		}
		if _, err := semver.NewVersion(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}
	if r.FileSize < 0 {
		return errors.New("file size cannot be negative")
	}
	if r.DownloadURL != "" {
		u, err := url.Parse(r.DownloadURL)
		if err != nil {
			return fmt.Errorf("malformed download URL: %w", err)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return errors.New("download URL must use HTTP or HTTPS scheme")
		}
		if u.Host == "" {
			return errors.New("download URL must have a valid host")
		}
	}
	return nil
}

// ApplyDefaults fills requirement fields the release metadata left out.
func (r *PluginRelease) ApplyDefaults() {
	if r.RequiresWP == "" {
		r.RequiresWP = DefaultRequiresWP
	}
	if r.RequiresPHP == "" {
		r.RequiresPHP = DefaultRequiresPHP
	}
	if r.TestedUpTo == "" {
		r.TestedUpTo = DefaultTestedUpTo
	}
	if r.ReleaseNotes == "" {
		r.ReleaseNotes = "Form Bridge plugin version " + r.Version
	}
}

// IsNewerThan reports whether the release is strictly newer than current.
func (r *PluginRelease) IsNewerThan(current string) (bool, error) {
	latest, err := semver.NewVersion(r.Version)
	if err != nil {
		return false, fmt.Errorf("invalid release version: %w", err)
	}
	cur, err := semver.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("invalid current version: %w", err)
	}
	return latest.GreaterThan(cur), nil
}

// CheckCompatibility compares the caller's WordPress and PHP versions with
// the release requirements. Empty or unparseable caller versions are not held
// against the release.
func (r *PluginRelease) CheckCompatibility(wpVersion, phpVersion string) (bool, string) {
	var warnings []string
	if below(wpVersion, r.RequiresWP) {
		warnings = append(warnings, fmt.Sprintf("Requires WordPress %s or higher (you have %s)", r.RequiresWP, wpVersion))
	}
	if below(phpVersion, r.RequiresPHP) {
		warnings = append(warnings, fmt.Sprintf("Requires PHP %s or higher (you have %s)", r.RequiresPHP, phpVersion))
	}
	return len(warnings) == 0, strings.Join(warnings, "; ")
}

func below(have, need string) bool {
	if have == "" || need == "" {
		return false
	}
	h, err := semver.NewVersion(have)
	if err != nil {
		return false
	}
	n, err := semver.NewVersion(need)
	if err != nil {
		return false
	}
	return h.LessThan(n)
}

// UpdateCheckLog records one update check made by a site.
type UpdateCheckLog struct {
	SiteID          string    `json:"site_id"`
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	WPVersion       string    `json:"wp_version,omitempty"`
	PHPVersion      string    `json:"php_version,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}
