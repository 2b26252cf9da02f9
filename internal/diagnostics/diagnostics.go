// Package diagnostics generates an admin-only support bundle gathering
// system health, redacted configuration, runtime information, and the
// marketplace's session/queue/relay occupancy counters.
package diagnostics

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
)

// RoomCounter reports the relay hub's live room count without importing
// the relay package directly, avoiding a dependency cycle back to server.
type RoomCounter interface {
	RoomCount() int
}

// Collector gathers diagnostic information from the running system.
type Collector struct {
	db      *db.DB
	config  *config.Config
	rooms   RoomCounter
	started time.Time
}

// NewCollector builds a diagnostics collector bound to the running
// system's dependencies.
func NewCollector(database *db.DB, cfg *config.Config, rooms RoomCounter, started time.Time) *Collector {
	return &Collector{db: database, config: cfg, rooms: rooms, started: started}
}

// Bundle is the top-level shape of a collected diagnostics snapshot.
type Bundle struct {
	GeneratedAt  time.Time         `json:"generatedAt"`
	System       SystemInfo        `json:"system"`
	Config       RedactedConfig    `json:"config"`
	Health       HealthSummary     `json:"health"`
	Coordination CoordinationStats `json:"coordination"`
	Runtime      RuntimeInfo       `json:"runtime"`
}

type SystemInfo struct {
	GoVersion     string  `json:"goVersion"`
	GOOS          string  `json:"goos"`
	GOARCH        string  `json:"goarch"`
	NumCPU        int     `json:"numCpu"`
	Hostname      string  `json:"hostname"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// RedactedConfig mirrors the running configuration with secrets (JWT
// secret, DB DSN credentials) omitted.
type RedactedConfig struct {
	Port              int     `json:"port"`
	DBType            string  `json:"dbType"`
	Env               string  `json:"env"`
	JWTConfigured     bool    `json:"jwtConfigured"`
	PlatformFeeRate   float64 `json:"platformFeeRate"`
	HostPenaltyRate   float64 `json:"hostPenaltyRate"`
	MaxGlobalSessions int     `json:"maxGlobalSessions"`
	RedisConfigured   bool    `json:"redisConfigured"`
}

type HealthSummary struct {
	Overall  string          `json:"overall"`
	Database ComponentHealth `json:"database"`
}

type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// CoordinationStats is the coordination-plane occupancy snapshot.
type CoordinationStats struct {
	ActiveSessions int `json:"activeSessions"`
	QueueDepth     int `json:"queueDepth"`
	RelayRooms     int `json:"relayRooms"`
}

type RuntimeInfo struct {
	NumGoroutine int         `json:"numGoroutine"`
	Memory       MemoryStats `json:"memory"`
}

type MemoryStats struct {
	AllocMB      float64 `json:"allocMb"`
	TotalAllocMB float64 `json:"totalAllocMb"`
	SysMB        float64 `json:"sysMb"`
	NumGC        uint32  `json:"numGc"`
}

// Collect gathers all diagnostic information into a Bundle.
func (c *Collector) Collect(ctx context.Context) (*Bundle, error) {
	bundle := &Bundle{GeneratedAt: time.Now().UTC()}
	bundle.System = c.collectSystemInfo()
	bundle.Config = c.collectRedactedConfig()
	bundle.Health = c.collectHealth()
	stats, err := c.collectCoordinationStats(ctx)
	if err != nil {
		return nil, err
	}
	bundle.Coordination = stats
	bundle.Runtime = collectRuntimeInfo()
	return bundle, nil
}

// WriteTarGz writes the diagnostics bundle as a tar.gz archive.
func (c *Collector) WriteTarGz(ctx context.Context, w io.Writer) error {
	bundle, err := c.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collecting diagnostics: %w", err)
	}

	gzw := gzip.NewWriter(w)
	defer gzw.Close()
	tw := tar.NewWriter(gzw)
	defer tw.Close()

	bundleJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bundle: %w", err)
	}
	if err := addFileToTar(tw, "diagnostics/bundle.json", bundleJSON); err != nil {
		return fmt.Errorf("adding bundle.json to archive: %w", err)
	}
	return nil
}

func addFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0644, ModTime: time.Now()}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func (c *Collector) collectSystemInfo() SystemInfo {
	hostname, _ := os.Hostname()
	uptime := time.Since(c.started)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		GOOS:          runtime.GOOS,
		GOARCH:        runtime.GOARCH,
		NumCPU:        runtime.NumCPU(),
		Hostname:      hostname,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
	}
}

func (c *Collector) collectRedactedConfig() RedactedConfig {
	return RedactedConfig{
		Port:              c.config.Port,
		DBType:            c.config.DBType,
		Env:               c.config.Env,
		JWTConfigured:     c.config.JWTSecret != "",
		PlatformFeeRate:   c.config.PlatformFeeRate,
		HostPenaltyRate:   c.config.HostPenaltyRate,
		MaxGlobalSessions: c.config.MaxGlobalSessions,
		RedisConfigured:   c.config.RedisAddr != "",
	}
}

func (c *Collector) collectHealth() HealthSummary {
	summary := HealthSummary{Overall: "healthy"}
	if err := c.db.Ping(); err != nil {
		summary.Database = ComponentHealth{Healthy: false, Message: err.Error()}
		summary.Overall = "degraded"
	} else {
		summary.Database = ComponentHealth{Healthy: true, Message: "OK"}
	}
	return summary
}

func (c *Collector) collectCoordinationStats(ctx context.Context) (CoordinationStats, error) {
	active, err := c.db.CountActiveSessions(ctx, nil)
	if err != nil {
		return CoordinationStats{}, err
	}
	queueDepth, err := c.db.CountAllWaiting(ctx, nil)
	if err != nil {
		return CoordinationStats{}, err
	}
	rooms := 0
	if c.rooms != nil {
		rooms = c.rooms.RoomCount()
	}
	return CoordinationStats{ActiveSessions: active, QueueDepth: queueDepth, RelayRooms: rooms}, nil
}

func collectRuntimeInfo() RuntimeInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeInfo{
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			AllocMB:      float64(m.Alloc) / 1024 / 1024,
			TotalAllocMB: float64(m.TotalAlloc) / 1024 / 1024,
			SysMB:        float64(m.Sys) / 1024 / 1024,
			NumGC:        m.NumGC,
		},
	}
}
