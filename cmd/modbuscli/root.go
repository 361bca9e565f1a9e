package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/edgeo-scada/modbus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	transportTCP        = "tcp"
	transportRTU        = "rtu"
	transportRTUOverTCP = "rtu-over-tcp"
)

var (
	cfgFile string

	// Global flags
	transportName string
	host          string
	port          int
	serialPort    string
	baudRate      int
	parity        string
	dataBits      int
	stopBits      int
	unitID        uint8
	timeout       time.Duration
	retries       int
	outputFmt     string
	verbose       bool
	noColor       bool
	byteOrder     string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbuscli",
	Short: "A Modbus TCP and RTU client and server CLI",
	Long: `modbuscli reads and writes Modbus devices over TCP, RTU serial lines or
RTU framed over TCP, and serves an in-memory register table.

Features:
  - Read/write coils and registers
  - Typed register reads (int16 to float64) in either byte order
  - Multiple output formats (table, json, csv, hex, raw)
  - Unit ID scanning, continuous monitoring and an interactive shell
  - TCP and RTU servers seeded from a YAML profile
  - Configuration file and MODBUS_* environment support

Examples:
  # Read 10 holding registers from address 0
  modbuscli read hr -a 0 -c 10 -H 192.168.1.100

  # Read 4 float32 values from a serial device
  modbuscli read hr -a 100 -c 4 -f float32 --transport rtu -s /dev/ttyUSB0 -b 9600

  # Write value 1234 to register 100
  modbuscli write register -a 100 -V 1234 -H 192.168.1.100

  # Serve a TCP register table from a profile
  modbuscli serve --profile plant.yaml`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logger
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Configuration file
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbuscli.yaml)")

	// Connection flags
	rootCmd.PersistentFlags().StringVarP(&transportName, "transport", "T", transportTCP, "Transport: tcp, rtu, rtu-over-tcp")
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "localhost", "Modbus server host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 502, "Modbus server port")
	rootCmd.PersistentFlags().StringVarP(&serialPort, "serial-port", "s", "", "Serial device for the rtu transport")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 19200, "Serial baud rate")
	rootCmd.PersistentFlags().StringVar(&parity, "parity", "none", "Serial parity: none, even, odd")
	rootCmd.PersistentFlags().IntVar(&dataBits, "data-bits", 8, "Serial data bits")
	rootCmd.PersistentFlags().IntVar(&stopBits, "stop-bits", 1, "Serial stop bits: 1, 2")
	rootCmd.PersistentFlags().Uint8VarP(&unitID, "unit", "u", 1, "Modbus unit ID (0-247, 0 broadcasts on rtu)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Operation timeout")
	rootCmd.PersistentFlags().IntVarP(&retries, "retries", "r", 3, "Number of retries on failure")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, csv, hex, raw")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	// Data format flags
	rootCmd.PersistentFlags().StringVar(&byteOrder, "byte-order", "big", "Byte order of multi-register values: big, little")

	// Bind to viper
	for _, name := range []string{
		"transport", "host", "port", "serial-port", "baud", "parity",
		"data-bits", "stop-bits", "unit", "timeout", "output", "byte-order",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	// Add commands
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(shellCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".modbuscli")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODBUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	outputFmt = viper.GetString("output")
	timeout = viper.GetDuration("timeout")
}

func getAddress() string {
	if viper.GetString("transport") == transportRTU {
		return viper.GetString("serial-port")
	}
	return fmt.Sprintf("%s:%d", viper.GetString("host"), viper.GetInt("port"))
}

// serialConfig builds the serial line settings from flags, environment and
// config file.
func serialConfig() (modbus.SerialConfig, error) {
	cfg := modbus.SerialConfig{
		Address:  viper.GetString("serial-port"),
		BaudRate: viper.GetInt("baud"),
		DataBits: viper.GetInt("data-bits"),
	}

	p, err := parseParity(viper.GetString("parity"))
	if err != nil {
		return cfg, err
	}
	cfg.Parity = p

	switch viper.GetInt("stop-bits") {
	case 1:
		cfg.StopBits = modbus.OneStopBit
	case 2:
		cfg.StopBits = modbus.TwoStopBits
	default:
		return cfg, fmt.Errorf("invalid stop bits: %d", viper.GetInt("stop-bits"))
	}
	return cfg, nil
}

func parseParity(s string) (modbus.Parity, error) {
	switch strings.ToLower(s) {
	case "", "none", "n":
		return modbus.NoParity, nil
	case "even", "e":
		return modbus.EvenParity, nil
	case "odd", "o":
		return modbus.OddParity, nil
	default:
		return modbus.NoParity, fmt.Errorf("invalid parity: %s", s)
	}
}

func parseEndianness(s string) (modbus.Endianness, error) {
	switch strings.ToLower(s) {
	case "big", "be":
		return modbus.BigEndian, nil
	case "little", "le":
		return modbus.LittleEndian, nil
	default:
		return modbus.BigEndian, fmt.Errorf("invalid byte order: %s", s)
	}
}

func createClient() (*modbus.Client, error) {
	endianness, err := parseEndianness(viper.GetString("byte-order"))
	if err != nil {
		return nil, err
	}

	opts := []modbus.Option{
		modbus.WithUnitID(modbus.UnitID(viper.GetUint("unit"))),
		modbus.WithTimeout(timeout),
		modbus.WithConnectTimeout(timeout),
		modbus.WithEndianness(endianness),
		modbus.WithAutoReconnect(retries > 1),
		modbus.WithMaxRetries(retries),
		modbus.WithLogger(logger),
	}

	var client *modbus.Client
	switch viper.GetString("transport") {
	case transportTCP:
		client, err = modbus.NewClient(getAddress(), opts...)
	case transportRTUOverTCP:
		client, err = modbus.NewRTUOverTCPClient(getAddress(), opts...)
	case transportRTU:
		cfg, cfgErr := serialConfig()
		if cfgErr != nil {
			return nil, cfgErr
		}
		client, err = modbus.NewRTUClient(getAddress(), append(opts, modbus.WithSerialConfig(cfg))...)
	default:
		return nil, fmt.Errorf("unknown transport: %s", viper.GetString("transport"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

// connectClient creates a client and connects it within the operation
// timeout.
func connectClient(ctx context.Context) (*modbus.Client, error) {
	client, err := createClient()
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return client, nil
}
