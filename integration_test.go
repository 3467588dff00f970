//go:build integration
// +build integration

package main

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// startFixtureServer 啟動模擬閘道器: Unit 1/4 正常、Unit 2 回應異常碼、
// Unit 3 回報閘道器錯誤
func startFixtureServer(t *testing.T, addr string) *mbserver.Server {
	t.Helper()

	server := mbserver.NewServer()

	server.RegisterFunctionHandler(FuncCodeReadHoldingRegisters,
		func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
			tcpFrame, ok := frame.(*mbserver.TCPFrame)
			if !ok {
				return nil, &mbserver.IllegalFunction
			}

			switch tcpFrame.Device {
			case 2:
				return nil, &mbserver.IllegalDataAddress
			case 3:
				return nil, &mbserver.GatewayTargetDeviceFailedtoRespond
			default:
				data := frame.GetData()
				count := binary.BigEndian.Uint16(data[2:4])

				payload := make([]byte, 1+2*count)
				payload[0] = byte(2 * count)
				for i := 0; i < int(count); i++ {
					// 暫存器值 = Unit ID * 100 + 位移
					binary.BigEndian.PutUint16(payload[1+2*i:],
						uint16(tcpFrame.Device)*100+uint16(i))
				}
				return payload, &mbserver.Success
			}
		})

	require.NoError(t, server.ListenTCP(addr))
	t.Cleanup(server.Close)

	// 等待 listener 就緒
	time.Sleep(100 * time.Millisecond)
	return server
}

// newSilentListener 接受連線後讀取並丟棄所有資料，永不回應
func newSilentListener(t *testing.T, addr string) net.Listener {
	t.Helper()

	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(io.Discard, c)
			}(conn)
		}
	}()
	return listener
}

func TestScannerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	addr := "127.0.0.1:5502"
	startFixtureServer(t, addr)

	logger, _ := zap.NewDevelopment()

	transport, err := NewTCPTransport(addr, 3*time.Second, false, logger)
	require.NoError(t, err)
	defer transport.Close()

	scanner := NewScanner(NewTCPCodec(0), transport, logger)

	t.Run("ScanRange", func(t *testing.T) {
		opts := ScanOptions{
			ProbeAddress:      0,
			ProbeRegisterType: RegisterTypeHolding,
			Timeout:           1 * time.Second,
			Retries:           1,
			Concurrency:       1,
		}

		result, err := scanner.ScanDevices(context.Background(), 1, 4, opts)
		require.NoError(t, err)
		require.Len(t, result.Outcomes, 4)

		outcome, _ := result.Get(1)
		assert.Equal(t, OutcomeSuccess, outcome.Kind)

		outcome, _ = result.Get(2)
		assert.Equal(t, OutcomeDeviceError, outcome.Kind)
		assert.Equal(t, uint8(ExceptionCodeIllegalDataAddress), outcome.ExceptionCode)

		outcome, _ = result.Get(3)
		assert.Equal(t, OutcomeGatewayError, outcome.Kind)
		assert.Equal(t, uint8(ExceptionCodeGatewayTargetNoResponse), outcome.ExceptionCode)

		outcome, _ = result.Get(4)
		assert.Equal(t, OutcomeSuccess, outcome.Kind)
	})

	t.Run("ReadAndDecode", func(t *testing.T) {
		req := &Request{
			UnitID:       1,
			RegisterType: RegisterTypeHolding,
			Address:      0,
			Count:        2,
			Timeout:      1 * time.Second,
			MaxRetries:   1,
		}

		result, err := scanner.ReadRegister(context.Background(), req,
			[]DecodeFormat{FormatUInt16, FormatHex})
		require.NoError(t, err)

		require.Equal(t, OutcomeSuccess, result.Outcome.Kind)
		assert.Len(t, result.Outcome.Data, 4)
		assert.Equal(t, uint16(100), result.Values[0].Value, "Unit 1 的首個暫存器應為 100")
	})
}

// TestCrossCheckWithReferenceClient 以成熟的客戶端函式庫驗證模擬伺服器行為，
// 再確認本套件的結果與其一致
func TestCrossCheckWithReferenceClient(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	addr := "127.0.0.1:5503"
	startFixtureServer(t, addr)

	// 參考客戶端
	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = 3 * time.Second
	handler.SlaveId = 1
	require.NoError(t, handler.Connect())
	defer handler.Close()

	client := modbus.NewClient(handler)
	reference, err := client.ReadHoldingRegisters(0, 1)
	require.NoError(t, err)

	// 本套件
	logger, _ := zap.NewDevelopment()
	transport, err := NewTCPTransport(addr, 3*time.Second, false, logger)
	require.NoError(t, err)
	defer transport.Close()

	scanner := NewScanner(NewTCPCodec(0), transport, logger)

	req := &Request{
		UnitID:       1,
		RegisterType: RegisterTypeHolding,
		Address:      0,
		Count:        1,
		Timeout:      1 * time.Second,
		MaxRetries:   1,
	}
	result, err := scanner.ReadRegister(context.Background(), req, nil)
	require.NoError(t, err)

	require.Equal(t, OutcomeSuccess, result.Outcome.Kind)
	assert.Equal(t, reference, result.Outcome.Data, "兩個客戶端讀到的原始資料應一致")
}

func TestNoResponseIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// 伺服器只接受連線但不回應: 以原始 listener 模擬沉默的閘道器
	addr := "127.0.0.1:5504"
	listener := newSilentListener(t, addr)
	defer listener.Close()

	logger, _ := zap.NewDevelopment()
	transport, err := NewTCPTransport(addr, 3*time.Second, false, logger)
	require.NoError(t, err)
	defer transport.Close()

	runner := NewTransactionRunner(NewTCPCodec(0), transport, logger)

	req := &Request{
		UnitID:       1,
		RegisterType: RegisterTypeHolding,
		Address:      0,
		Count:        1,
		Timeout:      200 * time.Millisecond,
		MaxRetries:   1,
	}

	start := time.Now()
	outcome, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoResponse, outcome.Kind)
	assert.Equal(t, 2, outcome.Attempts)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond,
		"每次嘗試都應等滿逾時時間")
}
