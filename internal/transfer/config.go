package transfer

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Config holds the transfer tunables.
type Config struct {
	BufferSize          int
	ProgressMinBytes    int64
	ProgressMinInterval time.Duration
	MaxRetries          int
	MinRetryAfter       time.Duration
	MaxRetryAfter       time.Duration
	MaxRedirects        int
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	// ContentType is the media type every fresh response must carry when it
	// declares one.
	ContentType string
	UserAgent   string
	// MaxBytesPerSecond caps throughput; zero disables the cap.
	MaxBytesPerSecond int
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		BufferSize:          4096,
		ProgressMinBytes:    4096,
		ProgressMinInterval: time.Second,
		MaxRetries:          5,
		MinRetryAfter:       30 * time.Second,
		MaxRetryAfter:       24 * time.Hour,
		MaxRedirects:        5,
		ConnectTimeout:      60 * time.Second,
		ReadTimeout:         60 * time.Second,
		ContentType:         "application/vnd.android.obb",
		UserAgent:           "obb_downloader",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}

	if c.ProgressMinBytes <= 0 {
		c.ProgressMinBytes = d.ProgressMinBytes
	}

	if c.ProgressMinInterval <= 0 {
		c.ProgressMinInterval = d.ProgressMinInterval
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}

	if c.MinRetryAfter <= 0 {
		c.MinRetryAfter = d.MinRetryAfter
	}

	if c.MaxRetryAfter < c.MinRetryAfter {
		c.MaxRetryAfter = max(d.MaxRetryAfter, c.MinRetryAfter)
	}

	if c.MaxRedirects <= 0 {
		c.MaxRedirects = d.MaxRedirects
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}

	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}

	if c.ContentType == "" {
		c.ContentType = d.ContentType
	}

	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}

	return c
}

// retryAfter turns a Retry-After header into the wait before the next attempt.
// The value is clamped into [MinRetryAfter, MaxRetryAfter], then jittered by
// up to MinRetryAfter using the record's fuzz, at millisecond precision.
// A missing or unparsable header yields zero so exponential backoff applies.
func (c Config) retryAfter(header string, fuzz int, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}

	var wait time.Duration

	if secs, err := strconv.ParseInt(header, 10, 64); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(header); err == nil {
		wait = at.Sub(now)
	} else {
		return 0
	}

	wait = min(max(wait, c.MinRetryAfter), c.MaxRetryAfter)
	wait += c.MinRetryAfter * time.Duration(fuzz) / 1000

	return wait.Truncate(time.Millisecond)
}
