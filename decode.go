package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInsufficientData 原始資料長度不足以解碼該格式
// 只影響單一格式，其餘格式照常解碼
var ErrInsufficientData = errors.New("資料長度不足")

// DecodeFormat 數值解碼格式
type DecodeFormat int

const (
	FormatInt16 DecodeFormat = iota
	FormatUInt16
	FormatInt32
	FormatUInt32
	FormatInt32Swapped
	FormatFloat16
	FormatFloat32
	FormatFloat32Swapped
	FormatHex
	FormatString
)

func (f DecodeFormat) String() string {
	switch f {
	case FormatInt16:
		return "int16"
	case FormatUInt16:
		return "uint16"
	case FormatInt32:
		return "int32"
	case FormatUInt32:
		return "uint32"
	case FormatInt32Swapped:
		return "int32_swap"
	case FormatFloat16:
		return "float16"
	case FormatFloat32:
		return "float32"
	case FormatFloat32Swapped:
		return "float32_swap"
	case FormatHex:
		return "hex"
	case FormatString:
		return "string"
	default:
		return "unknown"
	}
}

// ParseDecodeFormat 解析格式名稱
func ParseDecodeFormat(s string) (DecodeFormat, error) {
	for _, f := range AllDecodeFormats() {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("未知的解碼格式: %s", s)
}

// AllDecodeFormats 列出所有支援的格式
func AllDecodeFormats() []DecodeFormat {
	return []DecodeFormat{
		FormatInt16,
		FormatUInt16,
		FormatInt32,
		FormatUInt32,
		FormatInt32Swapped,
		FormatFloat16,
		FormatFloat32,
		FormatFloat32Swapped,
		FormatHex,
		FormatString,
	}
}

// DecodedValue 單一格式的解碼結果
type DecodedValue struct {
	Format DecodeFormat
	Value  any
	Err    error
}

// Render 格式化為顯示用字串
func (v *DecodedValue) Render() string {
	if v.Err != nil {
		return fmt.Sprintf("(%v)", v.Err)
	}
	switch val := v.Value.(type) {
	case float32:
		return fmt.Sprintf("%g", val)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// DecodeRegisters 將原始暫存器位元組解碼為所有請求的格式
// 純函式、無 I/O；單一格式資料不足時只在該格式標記錯誤
func DecodeRegisters(raw []byte, formats []DecodeFormat) []DecodedValue {
	values := make([]DecodedValue, 0, len(formats))
	for _, f := range formats {
		value, err := decodeOne(raw, f)
		values = append(values, DecodedValue{Format: f, Value: value, Err: err})
	}
	return values
}

// decodeOne 解碼單一格式
func decodeOne(raw []byte, format DecodeFormat) (any, error) {
	switch format {
	case FormatInt16:
		if len(raw) < 2 {
			return nil, ErrInsufficientData
		}
		return int16(binary.BigEndian.Uint16(raw[:2])), nil

	case FormatUInt16:
		if len(raw) < 2 {
			return nil, ErrInsufficientData
		}
		return binary.BigEndian.Uint16(raw[:2]), nil

	case FormatInt32:
		if len(raw) < 4 {
			return nil, ErrInsufficientData
		}
		return int32(binary.BigEndian.Uint32(raw[:4])), nil

	case FormatUInt32:
		if len(raw) < 4 {
			return nil, ErrInsufficientData
		}
		return binary.BigEndian.Uint32(raw[:4]), nil

	case FormatInt32Swapped:
		if len(raw) < 4 {
			return nil, ErrInsufficientData
		}
		return int32(wordSwappedUint32(raw)), nil

	case FormatFloat16:
		if len(raw) < 2 {
			return nil, ErrInsufficientData
		}
		return float16FromBits(binary.BigEndian.Uint16(raw[:2])), nil

	case FormatFloat32:
		if len(raw) < 4 {
			return nil, ErrInsufficientData
		}
		return math.Float32frombits(binary.BigEndian.Uint32(raw[:4])), nil

	case FormatFloat32Swapped:
		if len(raw) < 4 {
			return nil, ErrInsufficientData
		}
		return math.Float32frombits(wordSwappedUint32(raw)), nil

	case FormatHex:
		if len(raw) == 0 {
			return nil, ErrInsufficientData
		}
		var sb strings.Builder
		for _, b := range raw {
			fmt.Fprintf(&sb, "%02X", b)
		}
		return sb.String(), nil

	case FormatString:
		if len(raw) == 0 {
			return nil, ErrInsufficientData
		}
		return decodeString(raw), nil

	default:
		return nil, fmt.Errorf("未知的解碼格式: %d", format)
	}
}

// wordSwappedUint32 將兩個 16 位元暫存器字組對調後組成 32 位元值
// 用於以低字組在前傳輸的設備
func wordSwappedUint32(raw []byte) uint32 {
	low := uint32(binary.BigEndian.Uint16(raw[0:2]))
	high := uint32(binary.BigEndian.Uint16(raw[2:4]))
	return high<<16 | low
}

// decodeString 以 ASCII/Latin-1 解讀位元組，去除尾端 NUL，
// 不可列印字元以 '.' 取代
func decodeString(raw []byte) string {
	trimmed := raw
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] == 0 {
		trimmed = trimmed[:len(trimmed)-1]
	}

	var sb strings.Builder
	for _, b := range trimmed {
		if b >= 32 && b <= 126 {
			sb.WriteByte(b)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}

// float16FromBits 將 IEEE 754 半精度位元樣式轉換為 float32
func float16FromBits(bits uint16) float32 {
	sign := uint32(bits>>15) & 0x1
	exp := uint32(bits>>10) & 0x1F
	frac := uint32(bits) & 0x3FF

	var f32 uint32
	switch {
	case exp == 0x1F:
		// Inf / NaN
		f32 = sign<<31 | 0xFF<<23 | frac<<13
	case exp == 0:
		if frac == 0 {
			// ±0
			f32 = sign << 31
		} else {
			// 次正規數: 正規化後轉換
			e := uint32(113)
			for frac&0x400 == 0 {
				frac <<= 1
				e--
			}
			f32 = sign<<31 | e<<23 | (frac&0x3FF)<<13
		}
	default:
		f32 = sign<<31 | (exp+112)<<23 | frac<<13
	}
	return math.Float32frombits(f32)
}
