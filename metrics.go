package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 指標收集器，彙整掃描器與輪詢器的統計
type MetricsCollector struct {
	mu sync.RWMutex

	startTime time.Time

	// 歷史記錄 (用於計算速率)
	pollHistory []pollSample
	maxHistory  int

	// 參照
	scanner *Scanner
	poller  *Poller
	logger  *zap.Logger
}

type pollSample struct {
	timestamp time.Time
	polls     uint64
	errors    uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	Uptime      string    `json:"uptime"`
	PollerState string    `json:"poller_state"`

	// 輪詢指標
	PollCount   uint64  `json:"poll_count"`
	ErrorCount  uint64  `json:"error_count"`
	ErrorRate   float64 `json:"error_rate"`
	PollsPerSec float64 `json:"polls_per_sec"`
	SensorCount int     `json:"sensor_count"`

	// 單元統計
	UnitStats []UnitStatsSnapshot `json:"unit_stats"`

	// 最新讀值
	Readings []ReadingSnapshot `json:"readings"`
}

// ReadingSnapshot 感測器讀值快照
type ReadingSnapshot struct {
	Name    string  `json:"name"`
	UnitID  uint8   `json:"unit_id"`
	Outcome string  `json:"outcome"`
	Value   string  `json:"value,omitempty"`
	Scaled  float64 `json:"scaled,omitempty"`
	Unit    string  `json:"unit,omitempty"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(scanner *Scanner, poller *Poller, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		startTime:  time.Now(),
		maxHistory: 60, // 保留 60 個樣本 (用於計算每秒速率)
		scanner:    scanner,
		poller:     poller,
		logger:     logger,
	}
}

// Start 啟動指標伺服器
func (m *MetricsCollector) Start(endpoint string, port int) error {
	go m.collectLoop()

	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("啟動指標伺服器", zap.String("addr", addr))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// collectLoop 背景收集迴圈
func (m *MetricsCollector) collectLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.collect()
	}
}

// collect 記錄一個歷史樣本
func (m *MetricsCollector) collect() {
	if m.poller == nil {
		return
	}

	stats := m.poller.Stats()

	m.mu.Lock()
	defer m.mu.Unlock()

	sample := pollSample{
		timestamp: time.Now(),
		polls:     stats.PollCount.Load(),
		errors:    stats.ErrorCount.Load(),
	}
	m.pollHistory = append(m.pollHistory, sample)
	if len(m.pollHistory) > m.maxHistory {
		m.pollHistory = m.pollHistory[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).String(),
	}

	if m.poller != nil {
		stats := m.poller.Stats()
		snapshot.PollerState = m.poller.State().String()
		snapshot.PollCount = stats.PollCount.Load()
		snapshot.ErrorCount = stats.ErrorCount.Load()
		snapshot.SensorCount = len(m.poller.Readings())

		if snapshot.PollCount > 0 {
			snapshot.ErrorRate = float64(snapshot.ErrorCount) / float64(snapshot.PollCount) * 100
		}

		for _, r := range m.poller.Readings() {
			reading := ReadingSnapshot{
				Name:    r.Sensor.Name,
				UnitID:  r.Sensor.UnitID,
				Outcome: r.Outcome.Kind.String(),
				Unit:    r.Sensor.Unit,
			}
			if r.Value != nil {
				reading.Value = r.Value.Render()
				reading.Scaled = r.Scaled
			}
			snapshot.Readings = append(snapshot.Readings, reading)
		}
	}

	if m.scanner != nil {
		snapshot.UnitStats = m.scanner.AllStats()
	}

	// 計算每秒輪詢數 (使用最近的歷史記錄)
	if len(m.pollHistory) >= 2 {
		first := m.pollHistory[0]
		last := m.pollHistory[len(m.pollHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.PollsPerSec = float64(last.polls-first.polls) / duration
		}
	}

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// 檢查 Accept header
	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "# HELP modbusscan_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE modbusscan_uptime_seconds gauge\n")
	fmt.Fprintf(w, "modbusscan_uptime_seconds %f\n\n", time.Since(m.startTime).Seconds())

	fmt.Fprintf(w, "# HELP modbusscan_polls_total Total number of poll cycles\n")
	fmt.Fprintf(w, "# TYPE modbusscan_polls_total counter\n")
	fmt.Fprintf(w, "modbusscan_polls_total %d\n\n", snapshot.PollCount)

	fmt.Fprintf(w, "# HELP modbusscan_errors_total Total number of poll errors\n")
	fmt.Fprintf(w, "# TYPE modbusscan_errors_total counter\n")
	fmt.Fprintf(w, "modbusscan_errors_total %d\n\n", snapshot.ErrorCount)

	fmt.Fprintf(w, "# HELP modbusscan_polls_per_second Poll cycles per second\n")
	fmt.Fprintf(w, "# TYPE modbusscan_polls_per_second gauge\n")
	fmt.Fprintf(w, "modbusscan_polls_per_second %f\n\n", snapshot.PollsPerSec)

	fmt.Fprintf(w, "# HELP modbusscan_unit_success_total Successful reads per unit\n")
	fmt.Fprintf(w, "# TYPE modbusscan_unit_success_total counter\n")
	for _, s := range snapshot.UnitStats {
		fmt.Fprintf(w, "modbusscan_unit_success_total{unit_id=\"%d\"} %d\n", s.UnitID, s.Success)
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "# HELP modbusscan_unit_fail_total Failed reads per unit\n")
	fmt.Fprintf(w, "# TYPE modbusscan_unit_fail_total counter\n")
	for _, s := range snapshot.UnitStats {
		fmt.Fprintf(w, "modbusscan_unit_fail_total{unit_id=\"%d\"} %d\n", s.UnitID, s.Fail)
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "# HELP modbusscan_sensor_value Latest scaled sensor reading\n")
	fmt.Fprintf(w, "# TYPE modbusscan_sensor_value gauge\n")
	for _, r := range snapshot.Readings {
		if r.Outcome == "success" {
			fmt.Fprintf(w, "modbusscan_sensor_value{sensor=\"%s\",unit_id=\"%d\"} %f\n", r.Name, r.UnitID, r.Scaled)
		}
	}
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	if m.poller == nil || m.poller.State() != PollerStateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
