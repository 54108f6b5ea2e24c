// Package config loads an optional on-disk YAML file that supplements the
// flag-and-environment-variable configuration cmd/bot otherwise relies on.
// The file is read once at startup; any field it sets is treated as a
// default that flags and environment variables still take precedence over,
// mirroring xg2g's config-file-plus-env-override layering.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File mirrors the subset of cmd/bot's settings an operator may want to pin
// in a checked-in file rather than repeat on every invocation. Every field
// is optional; a zero value means "let the flag/env default stand."
type File struct {
	LogLevel  string `yaml:"logLevel,omitempty"`
	LogFormat string `yaml:"logFormat,omitempty"`

	Owners                string `yaml:"owners,omitempty"`
	BotUsername           string `yaml:"botUsername,omitempty"`
	StorageChannelID      int64  `yaml:"storageChannelID,omitempty"`
	AnnouncementChannelID int64  `yaml:"announcementChannelID,omitempty"`

	Aria2Host   string `yaml:"aria2Host,omitempty"`
	Aria2Port   int    `yaml:"aria2Port,omitempty"`
	Aria2Secret string `yaml:"aria2Secret,omitempty"`

	MediaToolBin         string `yaml:"mediaToolBin,omitempty"`
	DefaultFontPath      string `yaml:"defaultFontPath,omitempty"`
	DefaultThumbnailPath string `yaml:"defaultThumbnailPath,omitempty"`

	FeedStoreDriver  string `yaml:"feedStoreDriver,omitempty"`
	FeedStorePath    string `yaml:"feedStorePath,omitempty"`
	FeedPostgresDSN  string `yaml:"feedPostgresDSN,omitempty"`
	FeedRedisAddr    string `yaml:"feedRedisAddr,omitempty"`
	FeedRSSURL       string `yaml:"feedRSSURL,omitempty"`
	FeedCheckInterval string `yaml:"feedCheckInterval,omitempty"`

	AdminAddr      string `yaml:"adminAddr,omitempty"`
	AdminTokenHash string `yaml:"adminTokenHash,omitempty"`
}

// Load reads and parses the YAML file at path. A missing path is not an
// error: it simply yields a zero-value File, leaving every flag/env default
// untouched.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// StringOr returns fileValue when flagValue is empty, else flagValue. Flags
// and environment variables win over the file; the file only fills gaps.
func StringOr(flagValue, fileValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return fileValue
}

// Int64Or returns fileValue when flagValue is zero, else flagValue.
func Int64Or(flagValue, fileValue int64) int64 {
	if flagValue != 0 {
		return flagValue
	}
	return fileValue
}

// IntOr returns fileValue when flagValue is zero, else flagValue.
func IntOr(flagValue, fileValue int) int {
	if flagValue != 0 {
		return flagValue
	}
	return fileValue
}
