package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ScanOptions 掃描參數
type ScanOptions struct {
	// 探測請求範本: 每個 Unit ID 讀一個暫存器
	ProbeAddress      uint16
	ProbeRegisterType RegisterType

	Timeout     time.Duration
	Retries     int
	Concurrency int
}

// ScanResult 掃描結果
// 正常完成時範圍內每個 Unit ID 恰有一個終態分類；
// 掃描被取消時 Incomplete 為真，只涵蓋已完成的部分
type ScanResult struct {
	StartUnitID uint8
	EndUnitID   uint8
	Outcomes    map[uint8]*Outcome
	Incomplete  bool
	Elapsed     time.Duration
}

// UnitIDs 返回已有結果的 Unit ID，升冪排列
func (r *ScanResult) UnitIDs() []uint8 {
	ids := make([]uint8, 0, len(r.Outcomes))
	for id := range r.Outcomes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FoundUnitIDs 返回判定為存在的 Unit ID，升冪排列
// Success、DeviceError、GatewayError 都視為設備存在
func (r *ScanResult) FoundUnitIDs() []uint8 {
	var ids []uint8
	for _, id := range r.UnitIDs() {
		if r.Outcomes[id].Found() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Get 取得指定 Unit ID 的結果
func (r *ScanResult) Get(unitID uint8) (*Outcome, bool) {
	o, ok := r.Outcomes[unitID]
	return o, ok
}

// ReadResult 暫存器讀取結果
type ReadResult struct {
	Outcome *Outcome
	Values  []DecodedValue // Success 時有效
}

// UnitStats 單一 Unit 的讀取統計，供外部持久化層取用
type UnitStats struct {
	Success atomic.Uint64
	Fail    atomic.Uint64
}

// UnitStatsSnapshot 統計快照
type UnitStatsSnapshot struct {
	UnitID  uint8  `json:"unit_id"`
	Success uint64 `json:"success"`
	Fail    uint64 `json:"fail"`
}

// Scanner 多 Unit 掃描協調器
// 對不同 Unit ID 的請求可並發執行 (上限 Concurrency)，
// 同一 Unit ID 永遠只有一個在途請求
type Scanner struct {
	mu     sync.RWMutex
	runner *TransactionRunner
	stats  map[uint8]*UnitStats
	logger *zap.Logger
}

// NewScanner 建立掃描器
func NewScanner(codec FrameCodec, transport Transport, logger *zap.Logger) *Scanner {
	return &Scanner{
		runner: NewTransactionRunner(codec, transport, logger),
		stats:  make(map[uint8]*UnitStats),
		logger: logger,
	}
}

// unitResult 單一 Unit 的掃描回報
type unitResult struct {
	unitID  uint8
	outcome *Outcome
	err     error
}

// ScanDevices 掃描 [start, end] 範圍內的所有 Unit ID
// 取消時停止發出新請求，返回已收集的部分結果並標記 Incomplete；
// 傳輸層故障立即中止並以 error 返回
func (s *Scanner) ScanDevices(ctx context.Context, start, end uint8, opts ScanOptions) (*ScanResult, error) {
	if start < MinUnitID || end > MaxUnitID || start > end {
		return nil, fmt.Errorf("無效的 Unit ID 範圍: %d-%d", start, end)
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	startTime := time.Now()
	total := int(end) - int(start) + 1

	s.logger.Info("開始掃描",
		zap.Uint8("start_unit", start),
		zap.Uint8("end_unit", end),
		zap.Int("concurrency", concurrency),
		zap.Duration("timeout", opts.Timeout),
		zap.Int("retries", opts.Retries),
	)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 緩衝足額，被放棄的在途請求寫入時不會阻塞
	resultCh := make(chan unitResult, total)
	semaphore := make(chan struct{}, concurrency)

	go func() {
		for id := int(start); id <= int(end); id++ {
			select {
			case semaphore <- struct{}{}:
			case <-scanCtx.Done():
				return
			}

			go func(unitID uint8) {
				defer func() { <-semaphore }()

				req := &Request{
					UnitID:       unitID,
					RegisterType: opts.ProbeRegisterType,
					Address:      opts.ProbeAddress,
					Count:        1,
					Timeout:      opts.Timeout,
					MaxRetries:   opts.Retries,
				}
				outcome, err := s.runner.Execute(scanCtx, req)
				resultCh <- unitResult{unitID: unitID, outcome: outcome, err: err}
			}(uint8(id))
		}
	}()

	result := &ScanResult{
		StartUnitID: start,
		EndUnitID:   end,
		Outcomes:    make(map[uint8]*Outcome, total),
	}

	for len(result.Outcomes) < total {
		select {
		case res := <-resultCh:
			if res.err != nil {
				if errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
					continue
				}
				cancel()
				return nil, fmt.Errorf("掃描 Unit %d 失敗: %w", res.unitID, res.err)
			}
			result.Outcomes[res.unitID] = res.outcome
			s.recordOutcome(res.unitID, res.outcome)

			s.logger.Debug("Unit 掃描完成",
				zap.Uint8("unit_id", res.unitID),
				zap.String("outcome", res.outcome.Kind.String()),
				zap.Int("attempts", res.outcome.Attempts),
			)

		case <-ctx.Done():
			// 放棄在途請求，返回部分結果
			result.Incomplete = true
			result.Elapsed = time.Since(startTime)
			s.logger.Warn("掃描被取消",
				zap.Int("completed", len(result.Outcomes)),
				zap.Int("total", total),
			)
			return result, nil
		}
	}

	result.Elapsed = time.Since(startTime)

	s.logger.Info("掃描完成",
		zap.Int("total", total),
		zap.Int("found", len(result.FoundUnitIDs())),
		zap.Duration("elapsed", result.Elapsed),
	)

	return result, nil
}

// ReadRegister 讀取暫存器並以請求的格式解碼
// 返回終態結果；僅 Success 時 Values 有內容
func (s *Scanner) ReadRegister(ctx context.Context, req *Request, formats []DecodeFormat) (*ReadResult, error) {
	outcome, err := s.runner.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	s.recordOutcome(req.UnitID, outcome)

	result := &ReadResult{Outcome: outcome}
	if outcome.Kind == OutcomeSuccess {
		result.Values = DecodeRegisters(outcome.Data, formats)
	}
	return result, nil
}

// recordOutcome 累計單一 Unit 的成功/失敗次數
func (s *Scanner) recordOutcome(unitID uint8, outcome *Outcome) {
	s.mu.Lock()
	stats, ok := s.stats[unitID]
	if !ok {
		stats = &UnitStats{}
		s.stats[unitID] = stats
	}
	s.mu.Unlock()

	if outcome.Kind == OutcomeSuccess {
		stats.Success.Add(1)
	} else {
		stats.Fail.Add(1)
	}
}

// Stats 取得指定 Unit 的統計
func (s *Scanner) Stats(unitID uint8) UnitStatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := UnitStatsSnapshot{UnitID: unitID}
	if stats, ok := s.stats[unitID]; ok {
		snapshot.Success = stats.Success.Load()
		snapshot.Fail = stats.Fail.Load()
	}
	return snapshot
}

// AllStats 取得所有 Unit 的統計，升冪排列
func (s *Scanner) AllStats() []UnitStatsSnapshot {
	s.mu.RLock()
	ids := make([]uint8, 0, len(s.stats))
	for id := range s.stats {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	snapshots := make([]UnitStatsSnapshot, 0, len(ids))
	for _, id := range ids {
		snapshots = append(snapshots, s.Stats(id))
	}
	return snapshots
}
