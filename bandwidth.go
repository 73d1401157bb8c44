package fieldsync

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// NetworkClassification buckets measured network quality.
type NetworkClassification int

const (
	// NetworkOffline means the probe got no response.
	NetworkOffline NetworkClassification = iota
	// NetworkSlow is below 1 Mbps or above 300 ms latency.
	NetworkSlow
	// NetworkMedium is 1-5 Mbps or 100-300 ms latency.
	NetworkMedium
	// NetworkFast is above 5 Mbps with under 100 ms latency.
	NetworkFast
)

func (c NetworkClassification) String() string {
	switch c {
	case NetworkOffline:
		return "offline"
	case NetworkSlow:
		return "slow"
	case NetworkMedium:
		return "medium"
	case NetworkFast:
		return "fast"
	default:
		return "unknown"
	}
}

// NetworkQualitySample is one bounded measurement of the link.
type NetworkQualitySample struct {
	DownloadMbps   float64               `json:"download_mbps"`
	UploadMbps     float64               `json:"upload_mbps"`
	LatencyMs      float64               `json:"latency_ms"`
	MeasuredAt     time.Time             `json:"measured_at"`
	Classification NetworkClassification `json:"classification"`
}

// NetworkProber produces raw quality samples. It is an interface so tests
// can substitute a deterministic fake for the side-effecting HTTP probe.
type NetworkProber interface {
	Probe(ctx context.Context) (*NetworkQualitySample, error)
}

// HTTPProber measures the link against the remote service's probe
// endpoints with a small download, a small upload, and a round-trip.
type HTTPProber struct {
	// Endpoint is the base URL of the remote data service.
	Endpoint string
	// Client is the HTTP client; defaults to a 15s-timeout client.
	Client HTTPDoer
	// ProbeBytes is the transfer size for the download and upload legs.
	// Default: 64 KiB.
	ProbeBytes int
}

// Probe implements NetworkProber.
func (p *HTTPProber) Probe(ctx context.Context) (*NetworkQualitySample, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	probeBytes := p.ProbeBytes
	if probeBytes <= 0 {
		probeBytes = 64 * 1024
	}

	sample := &NetworkQualitySample{MeasuredAt: time.Now()}

	// Round-trip.
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint+"/api/v1/probe/ping", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe ping: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	sample.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)

	// Download leg.
	start = time.Now()
	req, err = http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/probe/payload?bytes=%d", p.Endpoint, probeBytes), nil)
	if err != nil {
		return nil, err
	}
	resp, err = client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe download: %w", err)
	}
	n, _ := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	sample.DownloadMbps = mbps(n, time.Since(start))

	// Upload leg.
	payload := make([]byte, probeBytes)
	rand.Read(payload)
	start = time.Now()
	req, err = http.NewRequestWithContext(ctx, http.MethodPost,
		p.Endpoint+"/api/v1/probe/payload", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err = client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe upload: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	sample.UploadMbps = mbps(int64(probeBytes), time.Since(start))

	return sample, nil
}

func mbps(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	bits := float64(bytes) * 8
	return bits / elapsed.Seconds() / 1e6
}

// AdaptiveSyncConfig is the per-cycle sync tuning derived from network
// quality. Slower classifications yield smaller batches and longer
// timeouts.
type AdaptiveSyncConfig struct {
	Classification    NetworkClassification `json:"classification"`
	MaxBatchBytes     int64                 `json:"max_batch_bytes"`
	MaxBatchItems     int                   `json:"max_batch_items"`
	RetryBaseDelay    time.Duration         `json:"retry_base_delay"`
	RequestTimeout    time.Duration         `json:"request_timeout"`
	AllowLargeUploads bool                  `json:"allow_large_uploads"`
}

// BandwidthDetectorConfig configures probing behavior.
type BandwidthDetectorConfig struct {
	// CacheTTL is how long a sample stays fresh before a re-probe.
	// Default: 5 minutes.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// DataSaver forces AllowLargeUploads=false regardless of measured
	// speed.
	DataSaver bool `json:"data_saver" yaml:"data_saver"`
}

// DefaultBandwidthDetectorConfig returns sensible defaults.
func DefaultBandwidthDetectorConfig() BandwidthDetectorConfig {
	return BandwidthDetectorConfig{
		CacheTTL: 5 * time.Minute,
	}
}

// BandwidthDetector measures network quality and derives adaptive sync
// parameters. Samples are cached to limit probe overhead.
type BandwidthDetector struct {
	prober NetworkProber
	config BandwidthDetectorConfig

	mu     sync.RWMutex
	cached *NetworkQualitySample

	now func() time.Time
}

// NewBandwidthDetector creates a detector using the given prober.
func NewBandwidthDetector(prober NetworkProber, config BandwidthDetectorConfig) *BandwidthDetector {
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	return &BandwidthDetector{
		prober: prober,
		config: config,
		now:    time.Now,
	}
}

// CategorizeSpeed maps a measurement to a classification: fast is above
// 5 Mbps with under 100 ms latency; medium is 1-5 Mbps or 100-300 ms;
// anything slower is slow.
// The overall class is the worse of the bandwidth and latency dimensions.
func CategorizeSpeed(downloadMbps, latencyMs float64) NetworkClassification {
	bw := NetworkSlow
	switch {
	case downloadMbps > 5:
		bw = NetworkFast
	case downloadMbps >= 1:
		bw = NetworkMedium
	}

	lat := NetworkSlow
	switch {
	case latencyMs < 100:
		lat = NetworkFast
	case latencyMs <= 300:
		lat = NetworkMedium
	}

	if lat < bw {
		return lat
	}
	return bw
}

// Sample returns the current network quality, probing only when the cached
// sample has expired. A failed probe classifies as offline and is cached so
// a dead link is not hammered with probes.
func (d *BandwidthDetector) Sample(ctx context.Context) *NetworkQualitySample {
	d.mu.RLock()
	cached := d.cached
	d.mu.RUnlock()

	now := d.now()
	if cached != nil && now.Sub(cached.MeasuredAt) < d.config.CacheTTL {
		return cached
	}

	sample, err := d.prober.Probe(ctx)
	if err != nil || sample == nil {
		sample = &NetworkQualitySample{
			MeasuredAt:     now,
			Classification: NetworkOffline,
		}
	} else {
		sample.Classification = CategorizeSpeed(sample.DownloadMbps, sample.LatencyMs)
	}

	d.mu.Lock()
	d.cached = sample
	d.mu.Unlock()
	return sample
}

// Invalidate drops the cached sample so the next call re-probes. Called on
// connectivity change events.
func (d *BandwidthDetector) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// SetDataSaver toggles the data-saver preference.
func (d *BandwidthDetector) SetDataSaver(on bool) {
	d.mu.Lock()
	d.config.DataSaver = on
	d.mu.Unlock()
}

// GetAdaptiveSyncConfig maps the current classification to sync tuning
// parameters.
func (d *BandwidthDetector) GetAdaptiveSyncConfig(ctx context.Context) AdaptiveSyncConfig {
	sample := d.Sample(ctx)

	var cfg AdaptiveSyncConfig
	switch sample.Classification {
	case NetworkFast:
		cfg = AdaptiveSyncConfig{
			MaxBatchBytes:     5 * 1024 * 1024,
			MaxBatchItems:     200,
			RetryBaseDelay:    2 * time.Second,
			RequestTimeout:    30 * time.Second,
			AllowLargeUploads: true,
		}
	case NetworkMedium:
		cfg = AdaptiveSyncConfig{
			MaxBatchBytes:     1024 * 1024,
			MaxBatchItems:     100,
			RetryBaseDelay:    5 * time.Second,
			RequestTimeout:    60 * time.Second,
			AllowLargeUploads: true,
		}
	case NetworkSlow:
		cfg = AdaptiveSyncConfig{
			MaxBatchBytes:     256 * 1024,
			MaxBatchItems:     25,
			RetryBaseDelay:    15 * time.Second,
			RequestTimeout:    120 * time.Second,
			AllowLargeUploads: false,
		}
	default: // NetworkOffline
		cfg = AdaptiveSyncConfig{
			RetryBaseDelay: 30 * time.Second,
			RequestTimeout: 30 * time.Second,
		}
	}
	cfg.Classification = sample.Classification

	d.mu.RLock()
	dataSaver := d.config.DataSaver
	d.mu.RUnlock()
	if dataSaver {
		cfg.AllowLargeUploads = false
	}
	return cfg
}
