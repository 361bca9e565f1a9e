package main

import (
	"context"
	"fmt"

	"github.com/edgeo-scada/modbus"
	"github.com/spf13/cobra"
)

var (
	readAddr   uint16
	readCount  uint16
	readFormat string
)

var readCmd = &cobra.Command{
	Use:     "read",
	Aliases: []string{"r"},
	Short:   "Read data from Modbus device",
	Long:    `Read coils, discrete inputs, holding registers, or input registers from a Modbus device.`,
}

// Read coils (FC01)
var readCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"c", "coil"},
	Short:   "Read coils (FC01)",
	Long:    `Read coils (discrete outputs) from the Modbus device using function code 01.`,
	Example: `  modbuscli read coils -a 0 -c 10 -H 192.168.1.100
  modbuscli r c -a 100 -c 8 --transport rtu -s /dev/ttyUSB0`,
	RunE: runReadCoils,
}

// Read discrete inputs (FC02)
var readDiscreteInputsCmd = &cobra.Command{
	Use:     "discrete-inputs",
	Aliases: []string{"di", "discrete"},
	Short:   "Read discrete inputs (FC02)",
	Long:    `Read discrete inputs from the Modbus device using function code 02.`,
	Example: `  modbuscli read discrete-inputs -a 0 -c 10 -H 192.168.1.100
  modbuscli r di -a 100 -c 8`,
	RunE: runReadDiscreteInputs,
}

const registerFormats = `
Supported formats for -f/--format flag (-c counts values, not registers):
  uint16  - Unsigned 16-bit integer (default)
  int16   - Signed 16-bit integer
  uint32  - Unsigned 32-bit integer (2 registers)
  int32   - Signed 32-bit integer (2 registers)
  float32 - 32-bit floating point (2 registers)
  float64 - 64-bit floating point (4 registers)
  string  - ASCII string (-c counts registers)

Multi-register values use --byte-order (default big).`

// Read holding registers (FC03)
var readHoldingRegistersCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Read holding registers (FC03)",
	Long:    `Read holding registers from the Modbus device using function code 03.` + "\n" + registerFormats,
	Example: `  modbuscli read holding-registers -a 0 -c 10 -H 192.168.1.100
  modbuscli r hr -a 100 -c 4 -f float32
  modbuscli r hr -a 0 -c 20 -f string`,
	RunE: runReadHoldingRegisters,
}

// Read input registers (FC04)
var readInputRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Read input registers (FC04)",
	Long:    `Read input registers from the Modbus device using function code 04.` + "\n" + registerFormats,
	Example: `  modbuscli read input-registers -a 0 -c 10 -H 192.168.1.100
  modbuscli r ir -a 100 -c 4 -f int32 --byte-order little`,
	RunE: runReadInputRegisters,
}

func init() {
	// Add subcommands
	readCmd.AddCommand(readCoilsCmd)
	readCmd.AddCommand(readDiscreteInputsCmd)
	readCmd.AddCommand(readHoldingRegistersCmd)
	readCmd.AddCommand(readInputRegistersCmd)

	// Common flags for all read commands
	for _, cmd := range []*cobra.Command{readCoilsCmd, readDiscreteInputsCmd, readHoldingRegistersCmd, readInputRegistersCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
	}

	// Format flag only for register commands
	readHoldingRegistersCmd.Flags().StringVarP(&readFormat, "format", "f", "uint16", "Data format: uint16, int16, uint32, int32, float32, float64, string")
	readInputRegistersCmd.Flags().StringVarP(&readFormat, "format", "f", "uint16", "Data format: uint16, int16, uint32, int32, float32, float64, string")
}

func runReadCoils(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	values, err := client.ReadCoils(ctx, readAddr, readCount)
	if err != nil {
		return fmt.Errorf("read coils failed: %w", err)
	}

	return outputBoolValues("Coils", readAddr, values)
}

func runReadDiscreteInputs(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	values, err := client.ReadDiscreteInputs(ctx, readAddr, readCount)
	if err != nil {
		return fmt.Errorf("read discrete inputs failed: %w", err)
	}

	return outputBoolValues("Discrete Inputs", readAddr, values)
}

func runReadHoldingRegisters(cmd *cobra.Command, args []string) error {
	return runReadRegisters("Holding Registers", modbus.FuncReadHoldingRegisters)
}

func runReadInputRegisters(cmd *cobra.Command, args []string) error {
	return runReadRegisters("Input Registers", modbus.FuncReadInputRegisters)
}

func runReadRegisters(title string, fc modbus.FunctionCode) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	values, err := readRegisterValues(ctx, client, fc, readAddr, int(readCount), readFormat)
	if err != nil {
		return fmt.Errorf("read %s failed: %w", title, err)
	}

	return outputRegisterValues(title, values)
}

// registerValues holds decoded values and the number of registers each
// value spans.
type registerValues struct {
	start  uint16
	format string
	width  int
	values []any
	text   string
}

func readRegisterValues(ctx context.Context, client *modbus.Client, fc modbus.FunctionCode, addr uint16, count int, format string) (registerValues, error) {
	rv := registerValues{start: addr, format: format}

	var err error
	switch format {
	case "", "uint16":
		rv.format = "uint16"
		rv.width, rv.values, err = collect[uint16](readAs[uint16](ctx, client, fc, addr, count))
	case "int16":
		rv.width, rv.values, err = collect[int16](readAs[int16](ctx, client, fc, addr, count))
	case "uint32":
		rv.width, rv.values, err = collect[uint32](readAs[uint32](ctx, client, fc, addr, count))
	case "int32":
		rv.width, rv.values, err = collect[int32](readAs[int32](ctx, client, fc, addr, count))
	case "float32":
		rv.width, rv.values, err = collect[float32](readAs[float32](ctx, client, fc, addr, count))
	case "float64":
		rv.width, rv.values, err = collect[float64](readAs[float64](ctx, client, fc, addr, count))
	case "string":
		var raw []uint8
		raw, err = readAs[uint8](ctx, client, fc, addr, count*2)
		rv.text = decodeString(raw)
	default:
		return rv, fmt.Errorf("unknown format: %s", format)
	}
	return rv, err
}

func readAs[T modbus.Numeric](ctx context.Context, client *modbus.Client, fc modbus.FunctionCode, addr uint16, count int) ([]T, error) {
	if fc == modbus.FuncReadInputRegisters {
		return modbus.ReadInputRegistersAs[T](ctx, client, client.UnitID(), addr, count)
	}
	return modbus.ReadHoldingRegistersAs[T](ctx, client, client.UnitID(), addr, count)
}

func collect[T modbus.Numeric](values []T, err error) (int, []any, error) {
	var zero T
	width := max(1, registerWidth(zero))
	if err != nil {
		return width, nil, err
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return width, out, nil
}

func registerWidth(v any) int {
	switch v.(type) {
	case uint32, int32, float32:
		return 2
	case uint64, int64, float64:
		return 4
	default:
		return 1
	}
}

// decodeString trims trailing NULs from register bytes read in wire order.
func decodeString(raw []byte) string {
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end])
}
