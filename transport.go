package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"go.uber.org/zap"
)

// 傳輸層錯誤
var (
	// ErrReceiveTimeout 在指定時間內未收到完整訊框
	ErrReceiveTimeout = errors.New("等待回應逾時")
)

// Transport 抽象位元組傳輸通道
// Send 送出一個完整訊框，Receive 返回一個完整訊框或逾時
// 連線的開啟與重連由呼叫端管理，掃描引擎只消費此介面
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// defaultWriteTimeout 寫入端的保護逾時
const defaultWriteTimeout = 10 * time.Second

// isTimeoutError 判斷是否為讀寫逾時
func isTimeoutError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readRTUFrame 依 RTU 框架規則讀取一個完整回應訊框
// readFull 需將緩衝區填滿或返回錯誤
func readRTUFrame(readFull func(buf []byte) error) ([]byte, error) {
	// Unit(1) + Func(1) + 第三位元組 (異常碼或位元組數)
	head := make([]byte, 3)
	if err := readFull(head); err != nil {
		return nil, err
	}

	var remaining int
	if head[1]&ExceptionFlag != 0 {
		// 異常回應: 異常碼已讀，剩 CRC(2)
		remaining = ModbusRTUCRCLength
	} else {
		// 成功回應: 第三位元組為資料位元組數，剩資料 + CRC(2)
		remaining = int(head[2]) + ModbusRTUCRCLength
	}

	rest := make([]byte, remaining)
	if err := readFull(rest); err != nil {
		return nil, err
	}
	return append(head, rest...), nil
}

// --- TCP 傳輸 ---

// TCPTransport 基於單一 TCP 連線的傳輸層
// 單一連線上同時只允許一個實體訊框在線上，由互斥鎖保證
type TCPTransport struct {
	mu        sync.Mutex
	conn      net.Conn
	rtuFramed bool // RTU over TCP 模式
	logger    *zap.Logger
}

// NewTCPTransport 建立並連線 TCP 傳輸層
func NewTCPTransport(address string, connectTimeout time.Duration, rtuFramed bool, logger *zap.Logger) (*TCPTransport, error) {
	conn, err := net.DialTimeout("tcp", address, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("連線 %s 失敗: %w", address, err)
	}

	logger.Info("TCP 連線已建立",
		zap.String("address", address),
		zap.Bool("rtu_framed", rtuFramed),
	)

	return &TCPTransport{
		conn:      conn,
		rtuFramed: rtuFramed,
		logger:    logger,
	}, nil
}

// Send 送出訊框
func (t *TCPTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("設定寫入期限失敗: %w", err)
	}

	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("寫入訊框失敗: %w", err)
	}
	return nil
}

// Receive 讀取一個完整回應訊框
func (t *TCPTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("設定讀取期限失敗: %w", err)
	}

	readFull := func(buf []byte) error {
		_, err := io.ReadFull(t.conn, buf)
		return err
	}

	var frame []byte
	var err error
	if t.rtuFramed {
		frame, err = readRTUFrame(readFull)
	} else {
		frame, err = readMBAPFrame(readFull)
	}

	if err != nil {
		if isTimeoutError(err) {
			return nil, ErrReceiveTimeout
		}
		return nil, fmt.Errorf("讀取訊框失敗: %w", err)
	}
	return frame, nil
}

// Close 關閉連線
func (t *TCPTransport) Close() error {
	return t.conn.Close()
}

// readMBAPFrame 依 MBAP Header 的長度欄位讀取一個完整 Modbus TCP 訊框
func readMBAPFrame(readFull func(buf []byte) error) ([]byte, error) {
	header := make([]byte, ModbusTCPHeaderLength)
	if err := readFull(header); err != nil {
		return nil, err
	}

	// 長度欄位包含 Unit ID (已在 header 內)
	length := int(header[4])<<8 | int(header[5])
	if length < 1 || length > ModbusTCPMaxADULength {
		return nil, fmt.Errorf("%w: MBAP 長度欄位異常 (%d)", ErrInvalidFrame, length)
	}

	remaining := length - 1
	if remaining == 0 {
		return header, nil
	}

	pdu := make([]byte, remaining)
	if err := readFull(pdu); err != nil {
		return nil, err
	}
	return append(header, pdu...), nil
}

// --- 串列埠傳輸 ---

// SerialTransport 基於串列埠的 RTU 傳輸層
type SerialTransport struct {
	mu     sync.Mutex
	port   serial.Port
	logger *zap.Logger
}

// NewSerialTransport 開啟串列埠
// 埠的讀取逾時在開啟時固定，應設為單次請求的逾時時間
func NewSerialTransport(cfg SerialConfig, logger *zap.Logger) (*SerialTransport, error) {
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("開啟串列埠 %s 失敗: %w", cfg.Device, err)
	}

	logger.Info("串列埠已開啟",
		zap.String("device", cfg.Device),
		zap.Int("baudrate", cfg.BaudRate),
		zap.String("parity", cfg.Parity),
	)

	return &SerialTransport{
		port:   port,
		logger: logger,
	}, nil
}

// Send 送出訊框
func (t *SerialTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.port.Write(frame); err != nil {
		return fmt.Errorf("寫入串列埠失敗: %w", err)
	}
	return nil
}

// Receive 讀取一個完整 RTU 回應訊框
func (t *SerialTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	readFull := func(buf []byte) error {
		filled := 0
		for filled < len(buf) {
			if time.Now().After(deadline) {
				return ErrReceiveTimeout
			}
			n, err := t.port.Read(buf[filled:])
			filled += n
			if err != nil {
				if errors.Is(err, serial.ErrTimeout) {
					continue
				}
				return err
			}
		}
		return nil
	}

	frame, err := readRTUFrame(readFull)
	if err != nil {
		if errors.Is(err, ErrReceiveTimeout) {
			return nil, ErrReceiveTimeout
		}
		return nil, fmt.Errorf("讀取串列埠失敗: %w", err)
	}
	return frame, nil
}

// Close 關閉串列埠
func (t *SerialTransport) Close() error {
	return t.port.Close()
}
