package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// 連線類型
const (
	ConnectionTypeTCP    = "tcp"
	ConnectionTypeSerial = "serial"
)

// Config 全域配置
type Config struct {
	Connection ConnectionConfig `json:"connection" mapstructure:"connection"`
	Scan       ScanConfig       `json:"scan" mapstructure:"scan"`
	Read       ReadConfig       `json:"read" mapstructure:"read"`
	Watch      WatchConfig      `json:"watch" mapstructure:"watch"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Metrics    MetricsConfig    `json:"metrics" mapstructure:"metrics"`
}

// ConnectionConfig 連線配置
type ConnectionConfig struct {
	Type           string        `json:"type" mapstructure:"type"`
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	RTUOverTCP     bool          `json:"rtu_over_tcp" mapstructure:"rtu_over_tcp"`
	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	Serial         SerialConfig  `json:"serial" mapstructure:"serial"`
}

// SerialConfig 串列埠配置
type SerialConfig struct {
	Device      string        `json:"device" mapstructure:"device"`
	BaudRate    int           `json:"baudrate" mapstructure:"baudrate"`
	DataBits    int           `json:"bytesize" mapstructure:"bytesize"`
	StopBits    int           `json:"stopbits" mapstructure:"stopbits"`
	Parity      string        `json:"parity" mapstructure:"parity"`
	ReadTimeout time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
}

// ScanConfig 掃描配置
type ScanConfig struct {
	StartUnitID  uint8         `json:"start_unit_id" mapstructure:"start_unit_id"`
	EndUnitID    uint8         `json:"end_unit_id" mapstructure:"end_unit_id"`
	Register     uint16        `json:"register" mapstructure:"register"`
	RegisterType string        `json:"register_type" mapstructure:"register_type"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	Retries      int           `json:"retries" mapstructure:"retries"`
	Concurrency  int           `json:"concurrency" mapstructure:"concurrency"`
}

// ReadConfig 暫存器讀取配置
type ReadConfig struct {
	UnitID       uint8    `json:"unit_id" mapstructure:"unit_id"`
	Register     uint16   `json:"register" mapstructure:"register"`
	RegisterType string   `json:"register_type" mapstructure:"register_type"`
	Count        uint16   `json:"count" mapstructure:"count"`
	Formats      []string `json:"formats" mapstructure:"formats"`
}

// WatchConfig 輪詢監看配置
type WatchConfig struct {
	Interval time.Duration      `json:"interval" mapstructure:"interval"`
	Timeout  time.Duration      `json:"timeout" mapstructure:"timeout"`
	Retries  int                `json:"retries" mapstructure:"retries"`
	Sensors  []SensorDefinition `json:"sensors" mapstructure:"sensors"`
}

// SensorDefinition 監看感測器定義
type SensorDefinition struct {
	Name         string  `json:"name" mapstructure:"name"`
	UnitID       uint8   `json:"unit_id" mapstructure:"unit_id"`
	Register     uint16  `json:"register" mapstructure:"register"`
	RegisterType string  `json:"register_type" mapstructure:"register_type"`
	Count        uint16  `json:"count" mapstructure:"count"`
	Format       string  `json:"format" mapstructure:"format"`
	Scale        float64 `json:"scale" mapstructure:"scale"`
	Unit         string  `json:"unit" mapstructure:"unit"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Type:           ConnectionTypeTCP,
			Host:           "127.0.0.1",
			Port:           ModbusTCPDefaultPort,
			ConnectTimeout: 3 * time.Second,
			Serial: SerialConfig{
				Device:      "/dev/ttyUSB0",
				BaudRate:    9600,
				DataBits:    8,
				StopBits:    1,
				Parity:      "N",
				ReadTimeout: 1 * time.Second,
			},
		},
		Scan: ScanConfig{
			StartUnitID:  MinUnitID,
			EndUnitID:    MaxUnitID,
			Register:     0,
			RegisterType: "holding",
			Timeout:      1 * time.Second,
			Retries:      1,
			Concurrency:  1,
		},
		Read: ReadConfig{
			UnitID:       1,
			Register:     0,
			RegisterType: "holding",
			Count:        1,
			Formats:      []string{"uint16", "int16", "hex"},
		},
		Watch: WatchConfig{
			Interval: 10 * time.Second,
			Timeout:  3 * time.Second,
			Retries:  1,
			Sensors:  []SensorDefinition{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("json")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/modbusscan/")
		viper.AddConfigPath("$HOME/.modbusscan/")
	}

	// 環境變數覆蓋
	viper.SetEnvPrefix("MODBUSSCAN")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	switch c.Connection.Type {
	case ConnectionTypeTCP:
		if c.Connection.Host == "" {
			return fmt.Errorf("TCP 連線必須指定 Host")
		}
		if c.Connection.Port < 1 || c.Connection.Port > 65535 {
			return fmt.Errorf("無效的埠號: %d", c.Connection.Port)
		}
	case ConnectionTypeSerial:
		if c.Connection.Serial.Device == "" {
			return fmt.Errorf("串列連線必須指定裝置路徑")
		}
		if c.Connection.Serial.BaudRate < 1 {
			return fmt.Errorf("無效的鮑率: %d", c.Connection.Serial.BaudRate)
		}
	default:
		return fmt.Errorf("無效的連線類型: %s (必須為 tcp 或 serial)", c.Connection.Type)
	}

	if c.Scan.StartUnitID < MinUnitID || c.Scan.EndUnitID > MaxUnitID {
		return fmt.Errorf("無效的 Unit ID 範圍: %d-%d", c.Scan.StartUnitID, c.Scan.EndUnitID)
	}
	if c.Scan.StartUnitID > c.Scan.EndUnitID {
		return fmt.Errorf("起始 Unit ID 不可大於結束 Unit ID")
	}
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("掃描逾時時間必須大於 0")
	}
	if c.Scan.Retries < 0 {
		return fmt.Errorf("重試次數不可為負數")
	}
	if c.Scan.Concurrency < 1 {
		return fmt.Errorf("並發數必須大於 0")
	}

	if c.Read.Count < 1 || c.Read.Count > MaxRegistersPerRead {
		return fmt.Errorf("無效的暫存器數量: %d (合法範圍 1-%d)", c.Read.Count, MaxRegistersPerRead)
	}
	if _, err := ParseFormats(c.Read.Formats); err != nil {
		return err
	}

	if c.Watch.Interval <= 0 {
		return fmt.Errorf("監看間隔必須大於 0")
	}
	if c.Watch.Timeout <= 0 {
		return fmt.Errorf("監看逾時時間必須大於 0")
	}
	for _, sensor := range c.Watch.Sensors {
		if sensor.Name == "" {
			return fmt.Errorf("感測器必須有名稱")
		}
		if sensor.UnitID < MinUnitID || sensor.UnitID > MaxUnitID {
			return fmt.Errorf("感測器 %s 的 Unit ID 無效: %d", sensor.Name, sensor.UnitID)
		}
		if sensor.Format != "" {
			if _, err := ParseDecodeFormat(sensor.Format); err != nil {
				return fmt.Errorf("感測器 %s: %w", sensor.Name, err)
			}
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("無效的指標埠號: %d", c.Metrics.Port)
		}
	}

	return nil
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}

// Address 返回 TCP 連線位址
func (c *ConnectionConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewCodec 依連線類型建立訊框編解碼器
func (c *ConnectionConfig) NewCodec() FrameCodec {
	if c.Type == ConnectionTypeSerial || c.RTUOverTCP {
		return NewRTUCodec()
	}
	return NewTCPCodec(0)
}

// NewTransport 依連線類型建立傳輸層
func (c *ConnectionConfig) NewTransport(logger *zap.Logger) (Transport, error) {
	if c.Type == ConnectionTypeSerial {
		return NewSerialTransport(c.Serial, logger)
	}
	return NewTCPTransport(c.Address(), c.ConnectTimeout, c.RTUOverTCP, logger)
}

// ParseFormats 解析格式名稱列表；空列表返回所有格式
func ParseFormats(names []string) ([]DecodeFormat, error) {
	if len(names) == 0 {
		return AllDecodeFormats(), nil
	}

	formats := make([]DecodeFormat, 0, len(names))
	for _, name := range names {
		f, err := ParseDecodeFormat(name)
		if err != nil {
			return nil, err
		}
		formats = append(formats, f)
	}
	return formats, nil
}
