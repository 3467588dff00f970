package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// 訊框層錯誤
var (
	// ErrInvalidFrame 訊框結構不合法 (長度不足、Protocol ID 錯誤、CRC 驗證失敗等)
	// 視同未收到回應，由重試邏輯處理
	ErrInvalidFrame = errors.New("無效的 Modbus 訊框")
)

// Request 單次讀取請求，發出後即不可變
type Request struct {
	UnitID       uint8
	RegisterType RegisterType
	Address      uint16
	Count        uint16
	Timeout      time.Duration
	MaxRetries   int
}

// Validate 驗證請求參數
func (r *Request) Validate() error {
	if r.UnitID < MinUnitID || r.UnitID > MaxUnitID {
		return fmt.Errorf("無效的 Unit ID: %d (合法範圍 %d-%d)", r.UnitID, MinUnitID, MaxUnitID)
	}
	if r.Count < 1 || r.Count > MaxRegistersPerRead {
		return fmt.Errorf("無效的暫存器數量: %d (合法範圍 1-%d)", r.Count, MaxRegistersPerRead)
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("逾時時間必須大於 0")
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("重試次數不可為負數")
	}
	return nil
}

// Response 解析後的回應訊框
type Response struct {
	TransactionID uint16 // 僅 TCP 變體有意義
	UnitID        uint8
	FunctionCode  uint8 // 已去除異常旗標
	ExceptionCode uint8 // IsException 為真時有效
	Data          []byte
}

// IsException 判斷是否為異常回應
func (r *Response) IsException() bool {
	return r.ExceptionCode != 0
}

// ModbusError Modbus 異常錯誤
type ModbusError struct {
	Code uint8
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("%s (異常碼 0x%02X)", ExceptionMessage(e.Code), e.Code)
}

// FrameCodec 訊框編解碼器，一種協議變體一個實作
type FrameCodec interface {
	// Encode 編碼請求，返回線上訊框與用於匹配回應的事務識別碼
	Encode(req *Request) (frame []byte, txnID uint16, err error)

	// Decode 解析回應訊框；結構不合法時返回 ErrInvalidFrame
	Decode(data []byte) (*Response, error)

	// Matches 判斷回應是否對應指定的請求
	Matches(req *Request, txnID uint16, resp *Response) bool
}

// encodePDU 編碼讀取請求的 PDU (功能碼 + 起始位址 + 數量)
func encodePDU(req *Request) []byte {
	pdu := make([]byte, 5)
	pdu[0] = req.RegisterType.FunctionCode()
	binary.BigEndian.PutUint16(pdu[1:3], req.Address)
	binary.BigEndian.PutUint16(pdu[3:5], req.Count)
	return pdu
}

// decodePDU 解析回應 PDU，填入 Response 的功能碼、異常碼與資料
func decodePDU(pdu []byte, resp *Response) error {
	if len(pdu) == 0 {
		return fmt.Errorf("%w: PDU 為空", ErrInvalidFrame)
	}

	funcCode := pdu[0]
	if funcCode&ExceptionFlag != 0 {
		if len(pdu) < 2 {
			return fmt.Errorf("%w: 異常回應缺少異常碼", ErrInvalidFrame)
		}
		resp.FunctionCode = funcCode &^ ExceptionFlag
		resp.ExceptionCode = pdu[1]
		return nil
	}

	if len(pdu) < 2 {
		return fmt.Errorf("%w: PDU 長度不足", ErrInvalidFrame)
	}

	byteCount := int(pdu[1])
	data := pdu[2:]
	if len(data) != byteCount {
		return fmt.Errorf("%w: 位元組數不符 (宣告 %d，實際 %d)", ErrInvalidFrame, byteCount, len(data))
	}

	resp.FunctionCode = funcCode
	resp.Data = data
	return nil
}

// --- TCP 變體 ---

// TCPCodec Modbus TCP 訊框編解碼器
// 事務識別碼為單一連線範圍內的單調遞增計數器，溢位時在 16 位元內回繞
type TCPCodec struct {
	txnCounter atomic.Uint32
}

// NewTCPCodec 建立 TCP 編解碼器，seed 為第一個事務識別碼的前一個值
// 測試可藉此注入確定性的識別碼序列
func NewTCPCodec(seed uint16) *TCPCodec {
	c := &TCPCodec{}
	c.txnCounter.Store(uint32(seed))
	return c
}

// nextTransactionID 配發下一個事務識別碼
func (c *TCPCodec) nextTransactionID() uint16 {
	return uint16(c.txnCounter.Add(1))
}

// Encode 編碼 Modbus TCP 請求 (MBAP Header + PDU)
func (c *TCPCodec) Encode(req *Request) ([]byte, uint16, error) {
	if err := req.Validate(); err != nil {
		return nil, 0, err
	}

	txnID := c.nextTransactionID()
	pdu := encodePDU(req)

	frame := make([]byte, ModbusTCPHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txnID)
	binary.BigEndian.PutUint16(frame[2:4], ModbusTCPProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu))) // Unit ID + PDU
	frame[6] = req.UnitID
	copy(frame[ModbusTCPHeaderLength:], pdu)

	return frame, txnID, nil
}

// Decode 解析 Modbus TCP 回應
func (c *TCPCodec) Decode(data []byte) (*Response, error) {
	if len(data) < ModbusTCPHeaderLength+1 {
		return nil, fmt.Errorf("%w: TCP 訊框過短 (%d 位元組)", ErrInvalidFrame, len(data))
	}

	protoID := binary.BigEndian.Uint16(data[2:4])
	if protoID != ModbusTCPProtocolID {
		return nil, fmt.Errorf("%w: Protocol ID 錯誤 (0x%04X)", ErrInvalidFrame, protoID)
	}

	length := int(binary.BigEndian.Uint16(data[4:6]))
	if len(data) != 6+length {
		return nil, fmt.Errorf("%w: 長度欄位不符 (宣告 %d，實際 %d)", ErrInvalidFrame, length, len(data)-6)
	}

	resp := &Response{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		UnitID:        data[6],
	}
	if err := decodePDU(data[ModbusTCPHeaderLength:], resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Matches 比對事務識別碼與 Unit ID
func (c *TCPCodec) Matches(req *Request, txnID uint16, resp *Response) bool {
	return resp.TransactionID == txnID && resp.UnitID == req.UnitID
}

// --- RTU 變體 ---

// RTUCodec Modbus RTU 訊框編解碼器，亦用於 RTU over TCP
type RTUCodec struct{}

// NewRTUCodec 建立 RTU 編解碼器
func NewRTUCodec() *RTUCodec {
	return &RTUCodec{}
}

// Encode 編碼 Modbus RTU 請求 (Unit ID + PDU + CRC)
func (c *RTUCodec) Encode(req *Request) ([]byte, uint16, error) {
	if err := req.Validate(); err != nil {
		return nil, 0, err
	}

	pdu := encodePDU(req)
	frame := make([]byte, 0, 1+len(pdu)+ModbusRTUCRCLength)
	frame = append(frame, req.UnitID)
	frame = append(frame, pdu...)

	crc := CRC16(frame)
	frame = append(frame, byte(crc), byte(crc>>8)) // 低位元組在前

	return frame, 0, nil
}

// Decode 解析 Modbus RTU 回應並驗證 CRC
func (c *RTUCodec) Decode(data []byte) (*Response, error) {
	if len(data) < ModbusRTUMinFrameLength+1 {
		return nil, fmt.Errorf("%w: RTU 訊框過短 (%d 位元組)", ErrInvalidFrame, len(data))
	}

	payload := data[:len(data)-ModbusRTUCRCLength]
	received := binary.LittleEndian.Uint16(data[len(data)-ModbusRTUCRCLength:])
	if calculated := CRC16(payload); received != calculated {
		return nil, fmt.Errorf("%w: CRC 驗證失敗 (收到 0x%04X，計算 0x%04X)", ErrInvalidFrame, received, calculated)
	}

	resp := &Response{UnitID: payload[0]}
	if err := decodePDU(payload[1:], resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Matches 比對 Unit ID 與功能碼
func (c *RTUCodec) Matches(req *Request, _ uint16, resp *Response) bool {
	return resp.UnitID == req.UnitID && resp.FunctionCode == req.RegisterType.FunctionCode()
}

// CRC16 計算 Modbus CRC-16 (多項式 0xA001)
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
