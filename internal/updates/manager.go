// Package updates talks to the external update feed and reports progress to
// the UI. Binary delivery and installation mechanics belong to the desktop
// packaging layer; this manager only checks, downloads, and signals
// readiness.
package updates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	orcerrors "github.com/tomedesk/tome/internal/errors"
)

// EventUpdaterStatus is the push event type for update progress.
const EventUpdaterStatus = "updater.status"

// Publisher delivers push events to the UI.
type Publisher interface {
	Publish(eventType string, data interface{})
}

// Info describes the latest release in the feed.
type Info struct {
	Available      bool   `json:"available"`
	CurrentVersion string `json:"currentVersion"`
	LatestVersion  string `json:"latestVersion"`
	DownloadURL    string `json:"downloadUrl,omitempty"`
	ReleaseNotes   string `json:"releaseNotes,omitempty"`
}

// UpdateStatus is the progress record pushed to the UI.
type UpdateStatus struct {
	Status    string `json:"status"` // idle, checking, available, downloading, ready, error
	Progress  int    `json:"progress,omitempty"`
	Error     string `json:"error,omitempty"`
	Info      *Info  `json:"info,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

// feedRelease is the update feed's JSON shape.
type feedRelease struct {
	Version      string `json:"version"`
	URL          string `json:"url"`
	ReleaseNotes string `json:"releaseNotes"`
}

// Manager checks the update feed and downloads release artifacts.
type Manager struct {
	feedURL        string
	currentVersion string
	downloadDir    string
	client         *http.Client
	events         Publisher

	mu         sync.Mutex
	lastStatus UpdateStatus
}

// NewManager creates an update manager. Downloads land under dataDir.
func NewManager(feedURL, currentVersion, dataDir string, events Publisher) *Manager {
	m := &Manager{
		feedURL:        feedURL,
		currentVersion: currentVersion,
		downloadDir:    filepath.Join(dataDir, "updates"),
		client:         &http.Client{Timeout: 30 * time.Second},
		events:         events,
	}
	m.lastStatus = UpdateStatus{Status: "idle", UpdatedAt: time.Now().Format(time.RFC3339)}
	return m
}

// CheckForUpdate queries the feed and reports whether a newer release
// exists.
func (m *Manager) CheckForUpdate(ctx context.Context) (*Info, error) {
	m.setStatus(UpdateStatus{Status: "checking"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.feedURL, nil)
	if err != nil {
		m.setStatus(UpdateStatus{Status: "error", Error: err.Error()})
		return nil, fmt.Errorf("create feed request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.setStatus(UpdateStatus{Status: "error", Error: err.Error()})
		return nil, orcerrors.WrapConnectivity("check_update", "update-feed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		oerr := orcerrors.New(orcerrors.KindConnectivity, "check_update", "update-feed",
			fmt.Errorf("feed returned %d: %s", resp.StatusCode, string(body)))
		m.setStatus(UpdateStatus{Status: "error", Error: oerr.Error()})
		return nil, oerr.WithStatusCode(resp.StatusCode)
	}

	var release feedRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		oerr := orcerrors.WrapProtocol("check_update", "update-feed", err)
		m.setStatus(UpdateStatus{Status: "error", Error: oerr.Error()})
		return nil, oerr
	}

	info := &Info{
		Available:      release.Version != "" && release.Version != m.currentVersion,
		CurrentVersion: m.currentVersion,
		LatestVersion:  release.Version,
		DownloadURL:    release.URL,
		ReleaseNotes:   release.ReleaseNotes,
	}

	if info.Available {
		m.setStatus(UpdateStatus{Status: "available", Info: info})
	} else {
		m.setStatus(UpdateStatus{Status: "idle", Info: info})
	}
	return info, nil
}

// Download fetches the release artifact, pushing progress events. Returns
// the downloaded file path.
func (m *Manager) Download(ctx context.Context, info *Info) (string, error) {
	if info == nil || info.DownloadURL == "" {
		return "", fmt.Errorf("no download available")
	}

	if err := os.MkdirAll(m.downloadDir, 0o700); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.DownloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}

	// Artifact downloads can be long; rely on ctx, not the client timeout.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		m.setStatus(UpdateStatus{Status: "error", Error: err.Error()})
		return "", orcerrors.WrapConnectivity("download_update", "update-feed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		oerr := orcerrors.New(orcerrors.KindConnectivity, "download_update", "update-feed",
			fmt.Errorf("download returned %d", resp.StatusCode))
		m.setStatus(UpdateStatus{Status: "error", Error: oerr.Error()})
		return "", oerr.WithStatusCode(resp.StatusCode)
	}

	destPath := filepath.Join(m.downloadDir, fmt.Sprintf("tome-%s", info.LatestVersion))
	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	defer dest.Close()

	m.setStatus(UpdateStatus{Status: "downloading", Progress: 0, Info: info})

	var written int64
	total := resp.ContentLength
	buf := make([]byte, 128*1024)
	lastReported := -1
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := dest.Write(buf[:n]); werr != nil {
				m.setStatus(UpdateStatus{Status: "error", Error: werr.Error()})
				return "", fmt.Errorf("write download: %w", werr)
			}
			written += int64(n)
			if total > 0 {
				progress := int(written * 100 / total)
				if progress != lastReported {
					lastReported = progress
					m.setStatus(UpdateStatus{Status: "downloading", Progress: progress, Info: info})
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			m.setStatus(UpdateStatus{Status: "error", Error: rerr.Error()})
			return "", orcerrors.WrapConnectivity("download_update", "update-feed", rerr)
		}
	}

	m.setStatus(UpdateStatus{Status: "ready", Progress: 100, Info: info})
	log.Info().Str("path", destPath).Str("version", info.LatestVersion).Msg("Update downloaded")
	return destPath, nil
}

// Status returns the last reported update status.
func (m *Manager) Status() UpdateStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStatus
}

func (m *Manager) setStatus(status UpdateStatus) {
	status.UpdatedAt = time.Now().Format(time.RFC3339)

	m.mu.Lock()
	m.lastStatus = status
	m.mu.Unlock()

	if m.events != nil {
		m.events.Publish(EventUpdaterStatus, status)
	}
}
