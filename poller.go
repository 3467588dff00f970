package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PollerState 輪詢器狀態
type PollerState int32

const (
	PollerStateStopped PollerState = iota
	PollerStateStarting
	PollerStateRunning
	PollerStateStopping
)

func (s PollerState) String() string {
	switch s {
	case PollerStateStopped:
		return "stopped"
	case PollerStateStarting:
		return "starting"
	case PollerStateRunning:
		return "running"
	case PollerStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SensorReading 單一感測器的最新讀值
type SensorReading struct {
	Sensor  SensorDefinition
	Outcome *Outcome
	Value   *DecodedValue // Success 且格式有效時非 nil
	Scaled  float64       // 數值型讀值除以 Scale 後的結果
	At      time.Time
}

// PollerStats 輪詢統計
type PollerStats struct {
	StartTime    time.Time
	PollCount    atomic.Uint64
	ErrorCount   atomic.Uint64
	LastPollTime atomic.Int64
}

// Poller 依固定間隔輪詢配置的感測器暫存器
type Poller struct {
	mu sync.RWMutex

	scanner *Scanner
	config  *WatchConfig

	state atomic.Int32

	readings map[string]*SensorReading
	stats    PollerStats

	cancel context.CancelFunc
	done   chan struct{}

	logger *zap.Logger
}

// NewPoller 建立輪詢器
func NewPoller(scanner *Scanner, config *WatchConfig, logger *zap.Logger) *Poller {
	return &Poller{
		scanner:  scanner,
		config:   config,
		readings: make(map[string]*SensorReading),
		logger:   logger,
	}
}

// Start 啟動輪詢
func (p *Poller) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(PollerStateStopped), int32(PollerStateStarting)) {
		return fmt.Errorf("輪詢器已經在運行中")
	}

	if len(p.config.Sensors) == 0 {
		p.state.Store(int32(PollerStateStopped))
		return fmt.Errorf("沒有配置任何感測器")
	}

	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.stats.StartTime = time.Now()

	go p.run(pollCtx)

	p.state.Store(int32(PollerStateRunning))

	p.logger.Info("輪詢器已啟動",
		zap.Int("sensors", len(p.config.Sensors)),
		zap.Duration("interval", p.config.Interval),
	)

	return nil
}

// Stop 停止輪詢
func (p *Poller) Stop() {
	if !p.state.CompareAndSwap(int32(PollerStateRunning), int32(PollerStateStopping)) {
		return
	}

	p.cancel()
	<-p.done

	p.state.Store(int32(PollerStateStopped))

	p.logger.Info("輪詢器已停止",
		zap.Duration("uptime", time.Since(p.stats.StartTime)),
		zap.Uint64("polls", p.stats.PollCount.Load()),
	)
}

// State 取得當前狀態
func (p *Poller) State() PollerState {
	return PollerState(p.state.Load())
}

// Stats 取得統計資訊
func (p *Poller) Stats() *PollerStats {
	return &p.stats
}

// Readings 取得所有感測器的最新讀值
func (p *Poller) Readings() []*SensorReading {
	p.mu.RLock()
	defer p.mu.RUnlock()

	readings := make([]*SensorReading, 0, len(p.readings))
	for _, sensor := range p.config.Sensors {
		if r, ok := p.readings[sensor.Name]; ok {
			readings = append(readings, r)
		}
	}
	return readings
}

// run 輪詢主迴圈
func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	// 啟動後立即輪詢一次，不等第一個 tick
	p.pollOnce(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce 輪詢所有感測器一輪
func (p *Poller) pollOnce(ctx context.Context) {
	for i := range p.config.Sensors {
		sensor := p.config.Sensors[i]

		if err := ctx.Err(); err != nil {
			return
		}

		reading, err := p.pollSensor(ctx, sensor)
		if err != nil {
			p.stats.ErrorCount.Add(1)
			p.logger.Warn("感測器輪詢失敗",
				zap.String("sensor", sensor.Name),
				zap.Error(err),
			)
			continue
		}

		p.mu.Lock()
		p.readings[sensor.Name] = reading
		p.mu.Unlock()

		if reading.Outcome.Kind != OutcomeSuccess {
			p.stats.ErrorCount.Add(1)
		}
	}

	p.stats.PollCount.Add(1)
	p.stats.LastPollTime.Store(time.Now().UnixNano())
}

// pollSensor 讀取單一感測器
func (p *Poller) pollSensor(ctx context.Context, sensor SensorDefinition) (*SensorReading, error) {
	count := sensor.Count
	if count == 0 {
		count = 1
	}

	format := FormatUInt16
	if sensor.Format != "" {
		f, err := ParseDecodeFormat(sensor.Format)
		if err != nil {
			return nil, err
		}
		format = f
	}

	req := &Request{
		UnitID:       sensor.UnitID,
		RegisterType: ParseRegisterType(sensor.RegisterType),
		Address:      sensor.Register,
		Count:        count,
		Timeout:      p.config.Timeout,
		MaxRetries:   p.config.Retries,
	}

	result, err := p.scanner.ReadRegister(ctx, req, []DecodeFormat{format})
	if err != nil {
		return nil, err
	}

	reading := &SensorReading{
		Sensor:  sensor,
		Outcome: result.Outcome,
		At:      time.Now(),
	}

	if result.Outcome.Kind == OutcomeSuccess && len(result.Values) > 0 && result.Values[0].Err == nil {
		reading.Value = &result.Values[0]
		if raw, ok := numericValue(result.Values[0].Value); ok {
			scale := sensor.Scale
			if scale == 0 {
				scale = 1
			}
			reading.Scaled = raw / scale
		}

		p.logger.Debug("感測器讀值",
			zap.String("sensor", sensor.Name),
			zap.String("value", result.Values[0].Render()),
			zap.Float64("scaled", reading.Scaled),
		)
	}

	return reading, nil
}

// numericValue 將解碼結果轉為 float64，非數值型返回 false
func numericValue(v any) (float64, bool) {
	switch val := v.(type) {
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case float32:
		return float64(val), true
	default:
		return 0, false
	}
}
