package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTransport 以腳本控制回應的測試傳輸層
// handler 依呼叫次數決定回應訊框；返回 nil 模擬設備沉默
type fakeTransport struct {
	handler func(call int, frame []byte) ([]byte, error)

	calls  int
	sent   [][]byte
	queued []byte
	err    error
	closed bool
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.calls++
	f.sent = append(f.sent, append([]byte(nil), frame...))
	f.queued, f.err = f.handler(f.calls, frame)
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if f.err != nil {
		err := f.err
		f.err = nil
		return nil, err
	}
	if f.queued == nil {
		return nil, ErrReceiveTimeout
	}
	data := f.queued
	f.queued = nil
	return data, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

// requestTxnID 從送出的 TCP 訊框取出事務識別碼
func requestTxnID(frame []byte) uint16 {
	return binary.BigEndian.Uint16(frame[0:2])
}

// buildTCPResponse 組出成功回應訊框
func buildTCPResponse(txnID uint16, unitID uint8, registers []byte) []byte {
	pdu := append([]byte{FuncCodeReadHoldingRegisters, byte(len(registers))}, registers...)
	frame := make([]byte, ModbusTCPHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txnID)
	binary.BigEndian.PutUint16(frame[2:4], ModbusTCPProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu)))
	frame[6] = unitID
	copy(frame[ModbusTCPHeaderLength:], pdu)
	return frame
}

// buildTCPException 組出異常回應訊框
func buildTCPException(txnID uint16, unitID uint8, code uint8) []byte {
	frame := make([]byte, ModbusTCPHeaderLength+2)
	binary.BigEndian.PutUint16(frame[0:2], txnID)
	binary.BigEndian.PutUint16(frame[2:4], ModbusTCPProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], 3)
	frame[6] = unitID
	frame[7] = FuncCodeReadHoldingRegisters | ExceptionFlag
	frame[8] = code
	return frame
}

func newTestRunner(transport Transport) *TransactionRunner {
	return NewTransactionRunner(NewTCPCodec(0), transport, zap.NewNop())
}

func TestTransactionRunner_SuccessFirstAttempt(t *testing.T) {
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			return buildTCPResponse(requestTxnID(frame), 1, []byte{0x04, 0xD2}), nil
		},
	}
	runner := newTestRunner(transport)

	req := testRequest()
	req.MaxRetries = 2

	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, []byte{0x04, 0xD2}, outcome.Data)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 1, transport.calls, "首次成功不應再送出請求")
	assert.True(t, outcome.Found())
}

func TestTransactionRunner_ExceptionNotRetried(t *testing.T) {
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			return buildTCPException(requestTxnID(frame), 1, ExceptionCodeIllegalDataAddress), nil
		},
	}
	runner := newTestRunner(transport)

	req := testRequest()
	req.MaxRetries = 3

	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeviceError, outcome.Kind)
	assert.Equal(t, uint8(ExceptionCodeIllegalDataAddress), outcome.ExceptionCode)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 1, transport.calls, "異常回應證明設備可達，不應重試")
	assert.True(t, outcome.Found(), "回應異常的設備仍視為存在")
}

func TestTransactionRunner_GatewayException(t *testing.T) {
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			return buildTCPException(requestTxnID(frame), 1, ExceptionCodeGatewayTargetNoResponse), nil
		},
	}
	runner := newTestRunner(transport)

	outcome, err := runner.Execute(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, OutcomeGatewayError, outcome.Kind, "閘道器異常碼應分類為閘道器錯誤")
	assert.Equal(t, uint8(ExceptionCodeGatewayTargetNoResponse), outcome.ExceptionCode)
}

func TestTransactionRunner_TimeoutExhaustsRetries(t *testing.T) {
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			return nil, nil // 沉默
		},
	}
	runner := newTestRunner(transport)

	req := testRequest()
	req.Timeout = 20 * time.Millisecond
	req.MaxRetries = 2

	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoResponse, outcome.Kind)
	assert.Equal(t, 3, outcome.Attempts, "應嘗試 1+MaxRetries 次")
	assert.Equal(t, 3, transport.calls)
	assert.False(t, outcome.Found())
}

func TestTransactionRunner_FlakySucceedsOnRetry(t *testing.T) {
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			if call == 1 {
				return nil, nil // 第一次沉默
			}
			return buildTCPResponse(requestTxnID(frame), 1, []byte{0x00, 0x2A}), nil
		},
	}
	runner := newTestRunner(transport)

	req := testRequest()
	req.Timeout = 20 * time.Millisecond
	req.MaxRetries = 1

	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 2, transport.calls, "成功後不應再送出請求")
}

func TestTransactionRunner_InvalidFrameTreatedAsSilence(t *testing.T) {
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			// CRC 層面的損毀在 TCP 對應到結構錯誤的訊框
			return []byte{0xDE, 0xAD, 0xBE, 0xEF}, nil
		},
	}
	runner := newTestRunner(transport)

	req := testRequest()
	req.Timeout = 20 * time.Millisecond
	req.MaxRetries = 1

	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoResponse, outcome.Kind, "損壞的訊框視同未收到回應")
	assert.Equal(t, 2, transport.calls, "無效訊框後應照常重試")
}

func TestTransactionRunner_MismatchedResponseDiscarded(t *testing.T) {
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			// 錯誤的 Unit ID，應被丟棄
			return buildTCPResponse(requestTxnID(frame), 99, []byte{0x00, 0x01}), nil
		},
	}
	runner := newTestRunner(transport)

	req := testRequest()
	req.Timeout = 20 * time.Millisecond
	req.MaxRetries = 0

	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoResponse, outcome.Kind, "不匹配的回應應被丟棄")
}

func TestTransactionRunner_FrameErrorFromTransportRetried(t *testing.T) {
	// 傳輸層在框架階段就發現損毀 (例如 MBAP 長度欄位異常):
	// 連線沒有壞，應留在逾時路徑而非中止呼叫
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			if call == 1 {
				return nil, fmt.Errorf("讀取訊框失敗: %w", ErrInvalidFrame)
			}
			return buildTCPResponse(requestTxnID(frame), 1, []byte{0x00, 0x2A}), nil
		},
	}
	runner := newTestRunner(transport)

	req := testRequest()
	req.Timeout = 20 * time.Millisecond
	req.MaxRetries = 1

	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err, "框架層面的損毀不應中止呼叫")

	assert.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 2, outcome.Attempts, "損毀的回應應只消耗一次嘗試")
}

func TestTransactionRunner_FrameErrorExhaustsToNoResponse(t *testing.T) {
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			return nil, fmt.Errorf("讀取訊框失敗: %w", ErrInvalidFrame)
		},
	}
	runner := newTestRunner(transport)

	req := testRequest()
	req.Timeout = 20 * time.Millisecond
	req.MaxRetries = 1

	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoResponse, outcome.Kind, "持續損毀的訊框最終應歸類為無回應")
	assert.Equal(t, 2, outcome.Attempts)
}

// delayedTransport 延遲固定時間後才回應；逾時短於延遲時等滿逾時再回報
type delayedTransport struct {
	delay time.Duration

	calls   int
	pending []byte
}

func (d *delayedTransport) Send(ctx context.Context, frame []byte) error {
	d.calls++
	d.pending = buildTCPResponse(requestTxnID(frame), 1, []byte{0x00, 0x05})
	return nil
}

func (d *delayedTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout < d.delay {
		time.Sleep(timeout)
		return nil, ErrReceiveTimeout
	}
	time.Sleep(d.delay)
	return d.pending, nil
}

func (d *delayedTransport) Close() error { return nil }

func TestTransactionRunner_SlowDeviceWithinTimeout(t *testing.T) {
	// 回應慢但在逾時內的設備應成功，不應被誤判為不存在
	transport := &delayedTransport{delay: 50 * time.Millisecond}
	runner := newTestRunner(transport)

	req := testRequest()
	req.Timeout = 500 * time.Millisecond
	req.MaxRetries = 1

	start := time.Now()
	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 1, outcome.Attempts, "逾時內的慢回應不應觸發重試")
	assert.Equal(t, 1, transport.calls)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTransactionRunner_NoResponseWaitsFullBudget(t *testing.T) {
	// 永遠不回應的設備: 每次嘗試都應等滿逾時時間
	transport := &delayedTransport{delay: time.Hour}
	runner := newTestRunner(transport)

	req := testRequest()
	req.Timeout = 50 * time.Millisecond
	req.MaxRetries = 2

	start := time.Now()
	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoResponse, outcome.Kind)
	assert.Equal(t, 3, outcome.Attempts)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond,
		"累計等待應不少於 (1+重試次數) 乘以逾時時間")
	assert.GreaterOrEqual(t, outcome.Elapsed, 150*time.Millisecond)
}

func TestTransactionRunner_TransportFailureAborts(t *testing.T) {
	transportErr := assert.AnError
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			return nil, transportErr
		},
	}
	runner := newTestRunner(transport)

	req := testRequest()
	req.MaxRetries = 3

	outcome, err := runner.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, transportErr)
	assert.Equal(t, 1, transport.calls, "傳輸層故障應中止整個呼叫，不重試")
}

func TestTransactionRunner_ContextCancelled(t *testing.T) {
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			return nil, nil
		},
	}
	runner := newTestRunner(transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := runner.Execute(ctx, testRequest())
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransactionRunner_InvalidRequestRejected(t *testing.T) {
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) { return nil, nil },
	}
	runner := newTestRunner(transport)

	req := testRequest()
	req.UnitID = 0

	_, err := runner.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 0, transport.calls, "驗證失敗不應送出任何訊框")
}

func TestTransactionRunner_NewTransactionIDPerAttempt(t *testing.T) {
	transport := &fakeTransport{
		handler: func(call int, frame []byte) ([]byte, error) {
			if call < 3 {
				return nil, nil
			}
			return buildTCPResponse(requestTxnID(frame), 1, []byte{0x00, 0x01}), nil
		},
	}
	runner := newTestRunner(transport)

	req := testRequest()
	req.Timeout = 20 * time.Millisecond
	req.MaxRetries = 2

	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome.Kind)

	require.Len(t, transport.sent, 3)
	txn1 := requestTxnID(transport.sent[0])
	txn2 := requestTxnID(transport.sent[1])
	txn3 := requestTxnID(transport.sent[2])
	assert.NotEqual(t, txn1, txn2, "每次重試應配發新的事務識別碼")
	assert.NotEqual(t, txn2, txn3)
}
