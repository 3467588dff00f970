package main

// Modbus 協議常數
const (
	// Modbus 讀取功能碼
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04

	// 異常回應的功能碼旗標 (功能碼 | 0x80)
	ExceptionFlag = 0x80

	// Modbus 異常碼
	ExceptionCodeIllegalFunction         = 0x01
	ExceptionCodeIllegalDataAddress      = 0x02
	ExceptionCodeIllegalDataValue        = 0x03
	ExceptionCodeSlaveDeviceFailure      = 0x04
	ExceptionCodeAcknowledge             = 0x05
	ExceptionCodeSlaveDeviceBusy         = 0x06
	ExceptionCodeMemoryParityError       = 0x08
	ExceptionCodeGatewayPathUnavailable  = 0x0A
	ExceptionCodeGatewayTargetNoResponse = 0x0B

	// Modbus TCP 常數
	ModbusTCPHeaderLength = 7 // MBAP Header 長度
	ModbusTCPProtocolID   = 0x0000
	ModbusTCPMaxADULength = 260
	ModbusTCPDefaultPort  = 502

	// RTU 常數
	ModbusRTUMinFrameLength = 4 // Unit(1) + Func(1) + CRC(2)
	ModbusRTUCRCLength      = 2

	// Unit ID 合法範圍
	MinUnitID = 1
	MaxUnitID = 247

	// 暫存器限制
	MaxRegistersPerRead = 125
)

// RegisterType 暫存器類型
type RegisterType int

const (
	RegisterTypeHolding RegisterType = iota
	RegisterTypeInput
)

func (rt RegisterType) String() string {
	switch rt {
	case RegisterTypeHolding:
		return "holding"
	case RegisterTypeInput:
		return "input"
	default:
		return "unknown"
	}
}

// FunctionCode 返回該暫存器類型對應的讀取功能碼
func (rt RegisterType) FunctionCode() uint8 {
	switch rt {
	case RegisterTypeInput:
		return FuncCodeReadInputRegisters
	default:
		return FuncCodeReadHoldingRegisters
	}
}

// ParseRegisterType 解析暫存器類型
func ParseRegisterType(s string) RegisterType {
	switch s {
	case "input":
		return RegisterTypeInput
	default:
		return RegisterTypeHolding
	}
}

// IsGatewayException 判斷異常碼是否為閘道器層級的錯誤
// 0x0A/0x0B 由中介閘道器回報，其餘視為設備自身的錯誤
func IsGatewayException(code uint8) bool {
	return code == ExceptionCodeGatewayPathUnavailable ||
		code == ExceptionCodeGatewayTargetNoResponse
}

// ExceptionMessage 返回異常碼的說明文字
func ExceptionMessage(code uint8) string {
	switch code {
	case ExceptionCodeIllegalFunction:
		return "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		return "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		return "非法資料值"
	case ExceptionCodeSlaveDeviceFailure:
		return "從站設備故障"
	case ExceptionCodeAcknowledge:
		return "確認"
	case ExceptionCodeSlaveDeviceBusy:
		return "從站設備忙碌"
	case ExceptionCodeMemoryParityError:
		return "記憶體同位錯誤"
	case ExceptionCodeGatewayPathUnavailable:
		return "閘道器路徑不可用"
	case ExceptionCodeGatewayTargetNoResponse:
		return "閘道器目標設備無回應"
	default:
		return "未知錯誤"
	}
}
