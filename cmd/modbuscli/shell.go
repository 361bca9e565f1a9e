package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/edgeo-scada/modbus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var shellCmd = &cobra.Command{
	Use:     "shell",
	Aliases: []string{"i", "interactive", "repl"},
	Short:   "Start an interactive Modbus shell",
	Long: `Start an interactive shell on one client connection. The connection uses
the global transport flags (--transport, --host, --serial-port, ...).

Type 'help' in the shell for the command list.`,
	Example: `  modbuscli shell -H 192.168.1.100
  modbuscli i --transport rtu -s /dev/ttyUSB0 -b 9600 --parity even`,
	RunE: runShell,
}

var errQuit = errors.New("quit")

const shellHelp = `
Commands:
  connect                         Connect with the global transport flags
  disconnect                      Close the connection
  unit [id]                       Show or set the unit ID (0-247, 0 = broadcast on RTU)
  status                          Show connection status and metrics

  rc <addr> [count]               Read coils (FC01)
  rdi <addr> [count]              Read discrete inputs (FC02)
  rhr <addr> [count] [format]     Read holding registers (FC03)
  rir <addr> [count] [format]     Read input registers (FC04)

  wc <addr> <0|1>                 Write single coil (FC05)
  wr <addr> <value>               Write single register (FC06)
  wcs <addr> <v1,v2,...>          Write multiple coils (FC15)
  wrs <addr> <v1,v2,...>          Write multiple registers (FC16)
  rw <raddr> <rcount> <waddr> <v1,v2,...>
                                  Write then read registers (FC23)

  format [type]                   Show or set the register format
  help                            Show this help
  quit                            Exit
`

// shell is one interactive session over a single client.
type shell struct {
	client    *modbus.Client
	unit      modbus.UnitID
	regFormat string
}

func runShell(cmd *cobra.Command, args []string) error {
	s := &shell{
		unit:      modbus.UnitID(viper.GetUint("unit")),
		regFormat: "uint16",
	}
	defer s.disconnect()

	fmt.Println(color(colorBold, "Modbus Interactive Shell"))
	fmt.Println("Type 'help' for available commands, 'quit' to exit")

	if err := s.connect(); err != nil {
		outputWarning("Auto-connect failed: %v", err)
	}
	return s.run(os.Stdin)
}

// run executes the commands read from r until quit or end of input.
func (s *shell) run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for {
		fmt.Print(s.prompt())
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		if err := s.execute(scanner.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			outputError("%v", err)
		}
	}
}

func (s *shell) prompt() string {
	status := color(colorRed, "disconnected")
	if s.client != nil && s.client.IsConnected() {
		status = color(colorGreen, s.client.Address())
	}
	return fmt.Sprintf("modbus[%s]@%d> ", status, s.unit)
}

func (s *shell) execute(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	args := parts[1:]

	switch strings.ToLower(parts[0]) {
	case "quit", "exit", "q":
		return errQuit
	case "help", "h", "?":
		fmt.Print(shellHelp)
		return nil
	case "connect", "c":
		return s.connect()
	case "disconnect", "d":
		s.disconnect()
		outputInfo("Disconnected")
		return nil
	case "status", "s":
		s.status()
		return nil
	case "unit", "u":
		return s.setUnit(args)
	case "format", "f":
		if len(args) == 0 {
			fmt.Printf("Register format: %s\n", s.regFormat)
			return nil
		}
		s.regFormat = args[0]
		return nil
	case "rc":
		return s.readBits("Coils", modbus.FuncReadCoils, args)
	case "rdi":
		return s.readBits("Discrete Inputs", modbus.FuncReadDiscreteInputs, args)
	case "rhr":
		return s.readRegisters("Holding Registers", modbus.FuncReadHoldingRegisters, args)
	case "rir":
		return s.readRegisters("Input Registers", modbus.FuncReadInputRegisters, args)
	case "wc", "wr", "wcs", "wrs":
		return s.write(strings.ToLower(parts[0]), args)
	case "rw":
		return s.readWrite(args)
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", parts[0])
	}
}

func (s *shell) connect() error {
	s.disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	s.client = client
	outputSuccess("Connected to %s", client.Address())
	return nil
}

func (s *shell) disconnect() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *shell) status() {
	fmt.Println(color(colorBold, "Connection Status"))
	fmt.Println(strings.Repeat("-", 30))
	if s.client == nil || !s.client.IsConnected() {
		fmt.Printf("Status:     %s\n", color(colorRed, "disconnected"))
	} else {
		fmt.Printf("Status:     %s (%s)\n", color(colorGreen, "connected"), s.client.Mode())
		fmt.Printf("Address:    %s\n", s.client.Address())
	}
	fmt.Printf("Unit ID:    %d\n", s.unit)
	fmt.Printf("Format:     %s\n", s.regFormat)
	fmt.Printf("Timeout:    %s\n", timeout)
	if s.client != nil {
		m := s.client.Metrics()
		fmt.Printf("Requests:   %d ok, %d failed (%d timeouts, %d exceptions)\n",
			m.RequestsSuccess.Value(), m.RequestsErrors.Value(),
			m.Timeouts.Value(), m.Exceptions.Value())
	}
}

func (s *shell) setUnit(args []string) error {
	if len(args) == 0 {
		fmt.Printf("Unit ID: %d\n", s.unit)
		return nil
	}
	id, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil || id > 247 {
		return fmt.Errorf("invalid unit ID: %s (0-247)", args[0])
	}
	s.unit = modbus.UnitID(id)
	return nil
}

func (s *shell) requireConnection() error {
	if s.client == nil {
		return errors.New("not connected (use 'connect' first)")
	}
	return nil
}

// addressCount parses "<addr> [count]".
func addressCount(args []string) (uint16, uint16, error) {
	if len(args) == 0 {
		return 0, 0, errors.New("missing address")
	}
	addr, err := parseUint16Value(args[0])
	if err != nil {
		return 0, 0, err
	}
	count := uint16(1)
	if len(args) > 1 {
		if count, err = parseUint16Value(args[1]); err != nil {
			return 0, 0, err
		}
	}
	return addr, count, nil
}

func (s *shell) readBits(title string, fc modbus.FunctionCode, args []string) error {
	if err := s.requireConnection(); err != nil {
		return err
	}
	addr, count, err := addressCount(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	read := s.client.ReadCoilsWithUnit
	if fc == modbus.FuncReadDiscreteInputs {
		read = s.client.ReadDiscreteInputsWithUnit
	}
	values, err := read(ctx, s.unit, addr, count)
	if err != nil {
		return err
	}
	return outputBoolValues(title, addr, values)
}

func (s *shell) readRegisters(title string, fc modbus.FunctionCode, args []string) error {
	if err := s.requireConnection(); err != nil {
		return err
	}
	addr, count, err := addressCount(args)
	if err != nil {
		return err
	}
	format := s.regFormat
	if len(args) > 2 {
		format = args[2]
	}

	// Typed reads use the client's default unit.
	s.client.SetUnitID(s.unit)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	rv, err := readRegisterValues(ctx, s.client, fc, addr, int(count), format)
	if err != nil {
		return err
	}
	return outputRegisterValues(title, rv)
}

func (s *shell) write(op string, args []string) error {
	if err := s.requireConnection(); err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: %s <address> <value...>", op)
	}
	addr, err := parseUint16Value(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch op {
	case "wc":
		v, err := parseBoolValue(args[1])
		if err != nil {
			return err
		}
		err = s.client.WriteSingleCoilWithUnit(ctx, s.unit, addr, v)
		return s.reportWrite(err, "Wrote coil %d = %v", addr, v)
	case "wr":
		v, err := parseUint16Value(args[1])
		if err != nil {
			return err
		}
		err = s.client.WriteSingleRegisterWithUnit(ctx, s.unit, addr, v)
		return s.reportWrite(err, "Wrote register %d = %d (0x%04X)", addr, v, v)
	case "wcs":
		values, err := parseBoolValues(args[1:])
		if err != nil {
			return err
		}
		err = s.client.WriteMultipleCoilsWithUnit(ctx, s.unit, addr, values)
		return s.reportWrite(err, "Wrote %d coils starting at address %d", len(values), addr)
	default:
		values, err := parseUint16Values(args[1:])
		if err != nil {
			return err
		}
		err = s.client.WriteMultipleRegistersWithUnit(ctx, s.unit, addr, values)
		return s.reportWrite(err, "Wrote %d registers starting at address %d", len(values), addr)
	}
}

func (s *shell) reportWrite(err error, format string, args ...any) error {
	if err != nil {
		return err
	}
	if s.unit == modbus.BroadcastUnitID && s.client.Mode() != modbus.ModeTCP {
		format += " (broadcast, no reply)"
	}
	outputSuccess(format, args...)
	return nil
}

func (s *shell) readWrite(args []string) error {
	if err := s.requireConnection(); err != nil {
		return err
	}
	if len(args) < 4 {
		return errors.New("usage: rw <read-addr> <read-count> <write-addr> <v1,v2,...>")
	}
	readAddr, readCount, err := addressCount(args[:2])
	if err != nil {
		return err
	}
	writeAddr, err := parseUint16Value(args[2])
	if err != nil {
		return err
	}
	values, err := parseUint16Values(args[3:])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	regs, err := s.client.ReadWriteMultipleRegistersWithUnit(ctx, s.unit, readAddr, readCount, writeAddr, values)
	if err != nil {
		return err
	}

	rv := registerValues{start: readAddr, format: "uint16", width: 1}
	for _, r := range regs {
		rv.values = append(rv.values, r)
	}
	return outputRegisterValues("Holding Registers", rv)
}
