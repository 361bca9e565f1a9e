package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgeo-scada/modbus"
	"github.com/edgeo-scada/modbus/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveProfile         string
	serveListen          string
	serveUnits           []uint
	serveSynchronous     bool
	serveUpdateInterval  time.Duration
	serveChangeDetection bool
	serveIdleTimeout     time.Duration
	serveMaxConns        int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an in-memory register table",
	Long: `Run a Modbus TCP or RTU server backed by an in-memory register table.

The transport comes from --transport (tcp or rtu). RTU uses the serial flags.
A YAML profile given with --profile replaces the flags and may seed register
values per unit:

  server:
    transport: tcp
    listen: ":1502"
    change_detection: true
  units:
    - id: 1
      holding_registers: {0: 1234, 1: 5678}
      coils: [0, 3]

Without units the server answers every unit ID from one shared table.`,
	Example: `  # Serve unit 1 and 2 on port 1502
  modbuscli serve --listen :1502 --units 1,2

  # Serve unit 5 on a serial line
  modbuscli serve --transport rtu -s /dev/ttyUSB0 -b 9600 --parity even --units 5

  # Serve from a profile in synchronous mode
  modbuscli serve --profile plant.yaml --synchronous --update-interval 100ms`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveProfile, "profile", "", "YAML server profile")
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", config.DefaultListen, "TCP listen address")
	serveCmd.Flags().UintSliceVar(&serveUnits, "units", nil, "Unit IDs to serve (default: answer every unit ID)")
	serveCmd.Flags().BoolVar(&serveSynchronous, "synchronous", false, "Answer requests only on update cycles")
	serveCmd.Flags().DurationVar(&serveUpdateInterval, "update-interval", 100*time.Millisecond, "Update cycle interval in synchronous mode")
	serveCmd.Flags().BoolVar(&serveChangeDetection, "change-detection", false, "Log registers and coils changed by clients")
	serveCmd.Flags().DurationVar(&serveIdleTimeout, "idle-timeout", time.Minute, "Close TCP connections idle for this long")
	serveCmd.Flags().IntVar(&serveMaxConns, "max-connections", 100, "Maximum concurrent TCP connections")
}

func runServe(cmd *cobra.Command, args []string) error {
	var (
		cfg *config.Config
		err error
	)
	if serveProfile != "" {
		cfg, err = config.Load(serveProfile)
	} else {
		cfg, err = profileFromFlags()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := serverOptions(cfg.Server)

	switch cfg.Server.Transport {
	case config.TransportRTU:
		server := modbus.NewRTUServer(opts...)
		if err := seedUnits(server, cfg.Units); err != nil {
			return err
		}
		return serveRTU(ctx, server, cfg.Server)
	default:
		server := modbus.NewServer(opts...)
		if err := seedUnits(server, cfg.Units); err != nil {
			return err
		}
		return serveTCP(ctx, server, cfg.Server)
	}
}

// profileFromFlags builds a profile from the command line.
func profileFromFlags() (*config.Config, error) {
	transport := viper.GetString("transport")
	if transport == transportRTUOverTCP {
		return nil, fmt.Errorf("transport %q cannot be served", transport)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			Transport:           transport,
			Synchronous:         serveSynchronous,
			ChangeDetection:     serveChangeDetection,
			MaxConnections:      serveMaxConns,
			ConnectionTimeoutMs: int(serveIdleTimeout.Milliseconds()),
		},
	}
	if transport == config.TransportRTU {
		cfg.Server.Serial = config.SerialConfig{
			Port:     viper.GetString("serial-port"),
			BaudRate: viper.GetInt("baud"),
			DataBits: viper.GetInt("data-bits"),
			StopBits: viper.GetInt("stop-bits"),
			Parity:   viper.GetString("parity"),
		}
	} else {
		cfg.Server.Listen = serveListen
	}

	for _, id := range serveUnits {
		if id > 255 {
			return nil, fmt.Errorf("unit %d: id must be 0-247", id)
		}
		cfg.Units = append(cfg.Units, config.UnitConfig{ID: uint8(id)})
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	config.Normalize(cfg)
	return cfg, nil
}

func serverOptions(s config.ServerConfig) []modbus.ServerOption {
	opts := []modbus.ServerOption{
		modbus.WithServerLogger(logger),
		modbus.WithSynchronousMode(s.Synchronous),
	}
	if s.MaxConnections > 0 {
		opts = append(opts, modbus.WithMaxConnections(s.MaxConnections))
	}
	if s.ReadTimeoutMs > 0 {
		opts = append(opts, modbus.WithReadTimeout(time.Duration(s.ReadTimeoutMs)*time.Millisecond))
	}
	if s.ConnectionTimeoutMs > 0 {
		opts = append(opts, modbus.WithConnectionTimeout(time.Duration(s.ConnectionTimeoutMs)*time.Millisecond))
	}
	if s.ChangeDetection {
		opts = append(opts,
			modbus.WithChangeDetection(true),
			modbus.WithOnRegistersChanged(func(unit modbus.UnitID, addresses []uint16) {
				logger.Info("registers changed", slog.Int("unit", int(unit)), slog.Any("addresses", addresses))
			}),
			modbus.WithOnCoilsChanged(func(unit modbus.UnitID, addresses []uint16) {
				logger.Info("coils changed", slog.Int("unit", int(unit)), slog.Any("addresses", addresses))
			}),
		)
	}
	return opts
}

// registerTable is the register access shared by the TCP and RTU servers.
type registerTable interface {
	AddUnit(unit modbus.UnitID) error
	HoldingRegisters(unit modbus.UnitID) ([]byte, error)
	InputRegisters(unit modbus.UnitID) ([]byte, error)
	Coils(unit modbus.UnitID) (modbus.Bits, error)
	DiscreteInputs(unit modbus.UnitID) (modbus.Bits, error)
	Lock()
	Unlock()
	Update()
	IsAsynchronous() bool
	Metrics() *modbus.ServerMetrics
}

// seedUnits registers the profile units and writes their initial values.
// Unit 0 is the catch-all unit every server starts with.
func seedUnits(t registerTable, units []config.UnitConfig) error {
	t.Lock()
	defer t.Unlock()

	for _, u := range units {
		id := modbus.UnitID(u.ID)
		if id != 0 {
			if err := t.AddUnit(id); err != nil {
				return err
			}
		}

		hr, err := t.HoldingRegisters(id)
		if err != nil {
			return err
		}
		for addr, v := range u.HoldingRegisters {
			if err := modbus.SetBigEndian(hr, int(addr), v); err != nil {
				return fmt.Errorf("unit %d holding register %d: %w", u.ID, addr, err)
			}
		}

		ir, err := t.InputRegisters(id)
		if err != nil {
			return err
		}
		for addr, v := range u.InputRegisters {
			if err := modbus.SetBigEndian(ir, int(addr), v); err != nil {
				return fmt.Errorf("unit %d input register %d: %w", u.ID, addr, err)
			}
		}

		coils, err := t.Coils(id)
		if err != nil {
			return err
		}
		for _, addr := range u.Coils {
			coils.Set(int(addr), true)
		}

		inputs, err := t.DiscreteInputs(id)
		if err != nil {
			return err
		}
		for _, addr := range u.DiscreteInputs {
			inputs.Set(int(addr), true)
		}
	}
	return nil
}

// updateLoop drives update cycles of a synchronous server until ctx is
// done.
func updateLoop(ctx context.Context, t registerTable, interval time.Duration) {
	if t.IsAsynchronous() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Update()
		}
	}
}

func serveTCP(ctx context.Context, server *modbus.Server, s config.ServerConfig) error {
	go updateLoop(ctx, server, serveUpdateInterval)

	outputInfo("Serving Modbus TCP on %s", s.Listen)
	err := server.ListenAndServeContext(ctx, s.Listen)
	logger.Info("server metrics", slog.Any("metrics", server.Metrics().Collect()))
	if errors.Is(err, modbus.ErrServerClosed) {
		return nil
	}
	return err
}

func serveRTU(ctx context.Context, server *modbus.RTUServer, s config.ServerConfig) error {
	p, err := parseParity(s.Serial.Parity)
	if err != nil {
		return err
	}
	stopBits := modbus.OneStopBit
	if s.Serial.StopBits == 2 {
		stopBits = modbus.TwoStopBits
	}

	port, err := modbus.OpenSerialPort(modbus.SerialConfig{
		Address:  s.Serial.Port,
		BaudRate: s.Serial.BaudRate,
		DataBits: s.Serial.DataBits,
		StopBits: stopBits,
		Parity:   p,
		// Inter-frame silence on the line.
		ReadTimeout: time.Duration(s.ReadTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("open serial port: %w", err)
	}

	go updateLoop(ctx, server, serveUpdateInterval)

	outputInfo("Serving Modbus RTU on %s (%d baud)", s.Serial.Port, s.Serial.BaudRate)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(port) }()

	select {
	case <-ctx.Done():
		server.Close()
		err = <-errCh
	case err = <-errCh:
		server.Close()
	}

	logger.Info("server metrics", slog.Any("metrics", server.Metrics().Collect()))
	if errors.Is(err, modbus.ErrServerClosed) {
		return nil
	}
	return err
}
