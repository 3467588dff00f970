package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OutcomeKind 請求結果分類
type OutcomeKind int

const (
	// OutcomeSuccess 設備正常回應
	OutcomeSuccess OutcomeKind = iota
	// OutcomeDeviceError 設備回應異常碼 (設備存在但拒絕請求)
	OutcomeDeviceError
	// OutcomeGatewayError 中介閘道器回報錯誤
	OutcomeGatewayError
	// OutcomeNoResponse 重試次數用盡仍無回應
	OutcomeNoResponse
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeDeviceError:
		return "device_error"
	case OutcomeGatewayError:
		return "gateway_error"
	case OutcomeNoResponse:
		return "no_response"
	default:
		return "unknown"
	}
}

// Outcome 單一請求的終態結果，每個完成的請求恰有一個
type Outcome struct {
	Kind          OutcomeKind
	Data          []byte // Success 時的原始暫存器位元組
	ExceptionCode uint8  // DeviceError / GatewayError 時有效
	Attempts      int
	Elapsed       time.Duration
}

// Found 依結果分類判斷設備是否存在
// 明確的錯誤回應證明設備可達，僅無回應視為設備不存在
func (o *Outcome) Found() bool {
	return o.Kind != OutcomeNoResponse
}

// ExceptionError 取得異常回應對應的錯誤，非異常結果返回 nil
func (o *Outcome) ExceptionError() error {
	if o.Kind == OutcomeDeviceError || o.Kind == OutcomeGatewayError {
		return &ModbusError{Code: o.ExceptionCode}
	}
	return nil
}

// TransactionRunner 負責單一請求的送出、回應匹配與重試
// 互斥鎖保證共享傳輸層上同時只有一組一問一答在進行
type TransactionRunner struct {
	mu        sync.Mutex
	codec     FrameCodec
	transport Transport
	logger    *zap.Logger
}

// NewTransactionRunner 建立交易執行器
func NewTransactionRunner(codec FrameCodec, transport Transport, logger *zap.Logger) *TransactionRunner {
	return &TransactionRunner{
		codec:     codec,
		transport: transport,
		logger:    logger,
	}
}

// Execute 執行請求直到取得終態結果
// 異常回應不重試: 明確的錯誤證明設備可達，逾時才值得再試一次
// 傳輸層故障 (非逾時) 以 error 返回，中止整個呼叫
func (r *TransactionRunner) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	maxAttempts := 1 + req.MaxRetries

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcome, err := r.attempt(ctx, req)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			outcome.Attempts = attempt
			outcome.Elapsed = time.Since(start)
			return outcome, nil
		}

		r.logger.Debug("嘗試逾時",
			zap.Uint8("unit_id", req.UnitID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
		)
	}

	return &Outcome{
		Kind:     OutcomeNoResponse,
		Attempts: maxAttempts,
		Elapsed:  time.Since(start),
	}, nil
}

// attempt 單次嘗試；返回 (nil, nil) 表示本次嘗試逾時
func (r *TransactionRunner) attempt(ctx context.Context, req *Request) (*Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 每次嘗試重新編碼，TCP 變體會配發新的事務識別碼
	frame, txnID, err := r.codec.Encode(req)
	if err != nil {
		return nil, err
	}

	if err := r.transport.Send(ctx, frame); err != nil {
		return nil, fmt.Errorf("傳輸層故障: %w", err)
	}

	deadline := time.Now().Add(req.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		data, err := r.transport.Receive(ctx, remaining)
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				return nil, nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if errors.Is(err, ErrInvalidFrame) {
				// 框架層面的損毀視同未收到回應，連線本身沒有壞
				r.logger.Debug("忽略無效訊框",
					zap.Uint8("unit_id", req.UnitID),
					zap.Error(err),
				)
				continue
			}
			return nil, fmt.Errorf("傳輸層故障: %w", err)
		}

		resp, decodeErr := r.codec.Decode(data)
		if decodeErr != nil {
			// 損壞的訊框視同未收到回應，在剩餘時間內繼續等待
			r.logger.Debug("忽略無效訊框",
				zap.Uint8("unit_id", req.UnitID),
				zap.Error(decodeErr),
			)
			continue
		}

		if !r.codec.Matches(req, txnID, resp) {
			r.logger.Debug("忽略不匹配的回應",
				zap.Uint8("unit_id", req.UnitID),
				zap.Uint8("resp_unit_id", resp.UnitID),
				zap.Uint16("txn_id", txnID),
				zap.Uint16("resp_txn_id", resp.TransactionID),
			)
			continue
		}

		if resp.IsException() {
			kind := OutcomeDeviceError
			if IsGatewayException(resp.ExceptionCode) {
				kind = OutcomeGatewayError
			}
			return &Outcome{Kind: kind, ExceptionCode: resp.ExceptionCode}, nil
		}

		return &Outcome{Kind: OutcomeSuccess, Data: resp.Data}, nil
	}
}
