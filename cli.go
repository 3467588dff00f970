package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "modbusscan",
	Short: "Modbus 現場匯流排掃描工具",
	Long: `針對 Modbus TCP/RTU 閘道器的設備掃描與暫存器讀取工具。
可探測 Unit ID 範圍、讀取暫存器並以多種格式解碼、持續監看感測器數值。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 初始化日誌
		var err error
		logger, err = initLogger()
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}

		// 載入配置 (除了 version 和 help 命令)
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			appConfig, err = LoadConfig(cfgFile)
			if err != nil {
				// 配置載入失敗時使用預設值
				appConfig = DefaultConfig()
				if cfgFile != "" {
					logger.Warn("載入配置檔失敗，使用預設配置", zap.Error(err))
				}
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// scanCmd 掃描命令
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "掃描 Unit ID 範圍",
	Long:  "對閘道器後的 Unit ID 範圍發送探測請求，分類每個 Unit 的回應狀態。",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 覆蓋 CLI 參數
		applyConnectionFlags(cmd)
		if start, _ := cmd.Flags().GetUint8("start"); cmd.Flags().Changed("start") {
			appConfig.Scan.StartUnitID = start
		}
		if end, _ := cmd.Flags().GetUint8("end"); cmd.Flags().Changed("end") {
			appConfig.Scan.EndUnitID = end
		}
		if reg, _ := cmd.Flags().GetUint16("register"); cmd.Flags().Changed("register") {
			appConfig.Scan.Register = reg
		}
		if timeout, _ := cmd.Flags().GetDuration("timeout"); cmd.Flags().Changed("timeout") {
			appConfig.Scan.Timeout = timeout
		}
		if retries, _ := cmd.Flags().GetInt("retries"); cmd.Flags().Changed("retries") {
			appConfig.Scan.Retries = retries
		}
		if conc, _ := cmd.Flags().GetInt("concurrency"); cmd.Flags().Changed("concurrency") {
			appConfig.Scan.Concurrency = conc
		}

		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		scanner, transport, err := newScanner(appConfig)
		if err != nil {
			return err
		}
		defer transport.Close()

		logger.Info("開始掃描",
			zap.String("target", appConfig.Connection.Address()),
			zap.Uint8("start_unit_id", appConfig.Scan.StartUnitID),
			zap.Uint8("end_unit_id", appConfig.Scan.EndUnitID),
		)

		ctx, cancel := signalContext()
		defer cancel()

		opts := ScanOptions{
			ProbeAddress:      appConfig.Scan.Register,
			ProbeRegisterType: ParseRegisterType(appConfig.Scan.RegisterType),
			Timeout:           appConfig.Scan.Timeout,
			Retries:           appConfig.Scan.Retries,
			Concurrency:       appConfig.Scan.Concurrency,
		}

		result, err := scanner.ScanDevices(ctx, appConfig.Scan.StartUnitID, appConfig.Scan.EndUnitID, opts)
		if err != nil {
			return fmt.Errorf("掃描失敗: %w", err)
		}

		printScanResult(result)
		return nil
	},
}

// readCmd 讀取命令
var readCmd = &cobra.Command{
	Use:   "read",
	Short: "讀取暫存器",
	Long:  "從指定的 Unit 讀取暫存器，並以多種格式解碼顯示。",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyConnectionFlags(cmd)
		if unit, _ := cmd.Flags().GetUint8("unit"); cmd.Flags().Changed("unit") {
			appConfig.Read.UnitID = unit
		}
		if reg, _ := cmd.Flags().GetUint16("register"); cmd.Flags().Changed("register") {
			appConfig.Read.Register = reg
		}
		if count, _ := cmd.Flags().GetUint16("count"); cmd.Flags().Changed("count") {
			appConfig.Read.Count = count
		}
		if regType, _ := cmd.Flags().GetString("type"); regType != "" {
			appConfig.Read.RegisterType = regType
		}
		if formats, _ := cmd.Flags().GetStringSlice("format"); len(formats) > 0 {
			appConfig.Read.Formats = formats
		}

		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		formats, err := ParseFormats(appConfig.Read.Formats)
		if err != nil {
			return fmt.Errorf("解析格式失敗: %w", err)
		}

		scanner, transport, err := newScanner(appConfig)
		if err != nil {
			return err
		}
		defer transport.Close()

		ctx, cancel := signalContext()
		defer cancel()

		req := &Request{
			UnitID:       appConfig.Read.UnitID,
			RegisterType: ParseRegisterType(appConfig.Read.RegisterType),
			Address:      appConfig.Read.Register,
			Count:        appConfig.Read.Count,
			Timeout:      appConfig.Scan.Timeout,
			MaxRetries:   appConfig.Scan.Retries,
		}

		result, err := scanner.ReadRegister(ctx, req, formats)
		if err != nil {
			return fmt.Errorf("讀取失敗: %w", err)
		}

		printReadResult(req, result)
		return nil
	},
}

// watchCmd 監看命令
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "持續監看感測器",
	Long:  "依配置的感測器清單週期性輪詢，並可選擇性啟動指標伺服器。",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyConnectionFlags(cmd)
		if interval, _ := cmd.Flags().GetDuration("interval"); cmd.Flags().Changed("interval") {
			appConfig.Watch.Interval = interval
		}

		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		scanner, transport, err := newScanner(appConfig)
		if err != nil {
			return err
		}
		defer transport.Close()

		logger.Info("啟動感測器監看",
			zap.String("target", appConfig.Connection.Address()),
			zap.Duration("interval", appConfig.Watch.Interval),
			zap.Int("sensors", len(appConfig.Watch.Sensors)),
		)

		poller := NewPoller(scanner, &appConfig.Watch, logger)

		// 設置優雅關閉
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		if err := poller.Start(ctx); err != nil {
			return fmt.Errorf("啟動輪詢器失敗: %w", err)
		}

		// 啟動指標收集器
		if appConfig.Metrics.Enabled {
			metrics := NewMetricsCollector(scanner, poller, logger)
			if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			} else {
				logger.Info("指標伺服器已啟動",
					zap.Int("port", appConfig.Metrics.Port),
					zap.String("endpoint", appConfig.Metrics.Endpoint),
				)
			}
		}

		// 等待信號
		sig := <-sigChan
		logger.Info("收到關閉信號", zap.String("signal", sig.String()))

		poller.Stop()
		logger.Info("監看已停止")
		return nil
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		fmt.Println("配置驗證通過")
		fmt.Printf("  Connection: %s (%s)\n", cfg.Connection.Address(), cfg.Connection.Type)
		fmt.Printf("  Scan range: %d-%d\n", cfg.Scan.StartUnitID, cfg.Scan.EndUnitID)
		fmt.Printf("  Sensors: %d\n", len(cfg.Watch.Sensors))
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := DefaultConfig()

		// 添加範例感測器
		cfg.Watch.Sensors = []SensorDefinition{
			{
				Name:         "temperature",
				UnitID:       1,
				Register:     0,
				RegisterType: "holding",
				Count:        1,
				Format:       "int16",
				Scale:        10,
				Unit:         "°C",
			},
		}

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("modbusscan version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")
	rootCmd.PersistentFlags().String("host", "", "目標主機")
	rootCmd.PersistentFlags().IntP("port", "p", 0, "目標埠號")
	rootCmd.PersistentFlags().Bool("rtu-over-tcp", false, "在 TCP 連線上使用 RTU 訊框")

	// scan 命令 flags
	scanCmd.Flags().Uint8P("start", "s", 1, "起始 Unit ID")
	scanCmd.Flags().Uint8P("end", "e", 247, "結束 Unit ID")
	scanCmd.Flags().Uint16P("register", "r", 0, "探測暫存器位址")
	scanCmd.Flags().DurationP("timeout", "t", 0, "單次回應逾時")
	scanCmd.Flags().Int("retries", -1, "逾時重試次數")
	scanCmd.Flags().Int("concurrency", 0, "跨 Unit 並發上限")

	// read 命令 flags
	readCmd.Flags().Uint8P("unit", "u", 1, "Unit ID")
	readCmd.Flags().Uint16P("register", "r", 0, "暫存器位址")
	readCmd.Flags().Uint16P("count", "n", 1, "暫存器數量")
	readCmd.Flags().String("type", "", "暫存器類型 (holding/input)")
	readCmd.Flags().StringSliceP("format", "f", nil, "解碼格式")

	// watch 命令 flags
	watchCmd.Flags().DurationP("interval", "i", 0, "輪詢間隔")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		scanCmd,
		readCmd,
		watchCmd,
		configCmd,
		versionCmd,
	)
}

// applyConnectionFlags 將連線相關的全域 flags 覆蓋到配置
func applyConnectionFlags(cmd *cobra.Command) {
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		appConfig.Connection.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		appConfig.Connection.Port = port
	}
	if rtu, _ := cmd.Flags().GetBool("rtu-over-tcp"); rtu {
		appConfig.Connection.RTUOverTCP = true
	}
}

// newScanner 依配置建立傳輸層與掃描器
func newScanner(cfg *Config) (*Scanner, Transport, error) {
	transport, err := cfg.Connection.NewTransport(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("建立連線失敗: %w", err)
	}

	scanner := NewScanner(cfg.Connection.NewCodec(), transport, logger)
	return scanner, transport, nil
}

// signalContext 返回在收到 SIGINT/SIGTERM 時取消的 context
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// printScanResult 輸出掃描結果
func printScanResult(result *ScanResult) {
	fmt.Printf("掃描範圍: Unit %d-%d (耗時 %v)\n", result.StartUnitID, result.EndUnitID, result.Elapsed.Round(time.Millisecond))
	if result.Incomplete {
		fmt.Println("掃描被中斷，以下為部分結果:")
	}

	found := result.FoundUnitIDs()
	fmt.Printf("發現設備: %d 個\n", len(found))

	for _, id := range result.UnitIDs() {
		outcome := result.Outcomes[id]
		switch outcome.Kind {
		case OutcomeSuccess:
			fmt.Printf("  Unit %3d  %-14s 資料: % X (嘗試 %d 次)\n", id, outcome.Kind, outcome.Data, outcome.Attempts)
		case OutcomeDeviceError:
			fmt.Printf("  Unit %3d  %-14s %s\n", id, outcome.Kind, ExceptionMessage(outcome.ExceptionCode))
		case OutcomeGatewayError:
			fmt.Printf("  Unit %3d  %-14s %s\n", id, outcome.Kind, ExceptionMessage(outcome.ExceptionCode))
		}
	}
}

// printReadResult 輸出讀取結果
func printReadResult(req *Request, result *ReadResult) {
	outcome := result.Outcome
	fmt.Printf("Unit %d %s[%d..%d] (%v, 嘗試 %d 次)\n",
		req.UnitID, req.RegisterType, req.Address, req.Address+req.Count-1,
		outcome.Kind, outcome.Attempts)

	switch outcome.Kind {
	case OutcomeSuccess:
		fmt.Printf("原始資料: % X\n", outcome.Data)
		for _, v := range result.Values {
			fmt.Printf("  %-12s %s\n", v.Format, v.Render())
		}
	case OutcomeDeviceError, OutcomeGatewayError:
		fmt.Printf("異常碼: 0x%02X (%s)\n", outcome.ExceptionCode, ExceptionMessage(outcome.ExceptionCode))
	case OutcomeNoResponse:
		fmt.Println("設備無回應")
	}
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
