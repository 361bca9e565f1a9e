package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/edgeo-scada/modbus"
	"github.com/spf13/cobra"
)

var (
	scanStartUnit uint8
	scanEndUnit   uint8
	scanStartAddr uint16
	scanEndAddr   uint16
	scanBlock     uint16
	scanTimeout   time.Duration
	scanType      string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Modbus units or used registers",
	Long: `Scan a Modbus line or gateway for active unit IDs, or scan an address range
for readable holding registers.

Units are probed one at a time over a single connection, so the scan works
the same on TCP gateways and on RTU serial lines. A unit that answers with
an exception is reported as present.

Scan types:
  units     - Scan for active unit IDs (default)
  registers - Scan address ranges to find readable registers`,
	Example: `  # Scan for active unit IDs on a gateway
  modbuscli scan -H 192.168.1.100

  # Scan a serial line for units 1-10
  modbuscli scan --transport rtu -s /dev/ttyUSB0 --start-unit 1 --end-unit 10

  # Scan for readable registers
  modbuscli scan --type registers -a 0 -e 1000 -H 192.168.1.100`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().Uint8Var(&scanStartUnit, "start-unit", 1, "Start unit ID for scanning")
	scanCmd.Flags().Uint8Var(&scanEndUnit, "end-unit", 247, "End unit ID for scanning")
	scanCmd.Flags().Uint16VarP(&scanStartAddr, "start-addr", "a", 0, "Start address for register scanning")
	scanCmd.Flags().Uint16VarP(&scanEndAddr, "end-addr", "e", 100, "End address for register scanning")
	scanCmd.Flags().Uint16Var(&scanBlock, "block", 10, "Registers read per request when scanning registers")
	scanCmd.Flags().DurationVar(&scanTimeout, "scan-timeout", 500*time.Millisecond, "Timeout for each probe")
	scanCmd.Flags().StringVar(&scanType, "type", "units", "Scan type: units, registers")
}

type ScanResult struct {
	UnitID    uint8  `json:"unit_id"`
	StartAddr uint16 `json:"start_addr,omitempty"`
	EndAddr   uint16 `json:"end_addr,omitempty"`
	Exception string `json:"exception,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanEndUnit < scanStartUnit || scanEndAddr < scanStartAddr {
		return fmt.Errorf("scan range is empty")
	}
	if scanBlock == 0 || scanBlock > modbus.MaxQuantityRegisters {
		return fmt.Errorf("block must be 1-%d", modbus.MaxQuantityRegisters)
	}

	// Probes are bounded by scanTimeout; the client keeps its own.
	timeout = scanTimeout
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	switch scanType {
	case "units":
		return scanUnits(ctx, client)
	case "registers":
		return scanRegisters(ctx, client)
	default:
		return fmt.Errorf("unknown scan type: %s", scanType)
	}
}

func scanUnits(ctx context.Context, client *modbus.Client) error {
	outputInfo("Scanning unit IDs %d-%d on %s...", scanStartUnit, scanEndUnit, getAddress())

	results := make([]ScanResult, 0)
	for uid := int(scanStartUnit); uid <= int(scanEndUnit); uid++ {
		result, ok, err := probe(ctx, client, modbus.UnitID(uid), 0, 1)
		if err != nil {
			return err
		}
		if ok {
			results = append(results, result)
		}
	}

	return outputScanResults("Unit Scan Results", results)
}

func scanRegisters(ctx context.Context, client *modbus.Client) error {
	unit := client.UnitID()
	outputInfo("Scanning registers %d-%d on %s (unit %d)...", scanStartAddr, scanEndAddr, getAddress(), unit)

	results := make([]ScanResult, 0)
	for addr := int(scanStartAddr); addr <= int(scanEndAddr); addr += int(scanBlock) {
		qty := uint16(min(int(scanBlock), int(scanEndAddr)-addr+1))
		result, ok, err := probe(ctx, client, unit, uint16(addr), qty)
		if err != nil {
			return err
		}
		if ok && result.Exception == "" {
			results = append(results, result)
		}
	}

	return outputScanResults("Register Scan Results", results)
}

// probe reads qty holding registers at addr. It reports ok when the unit
// answered, with data or with an exception. A silent unit leaves the client
// reconnected for the next probe.
func probe(ctx context.Context, client *modbus.Client, unit modbus.UnitID, addr, qty uint16) (ScanResult, bool, error) {
	result := ScanResult{UnitID: uint8(unit), StartAddr: addr, EndAddr: addr + qty - 1}

	probeCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	start := time.Now()
	_, err := client.ReadHoldingRegistersWithUnit(probeCtx, unit, addr, qty)
	result.LatencyMs = time.Since(start).Milliseconds()

	var mbErr *modbus.ModbusError
	switch {
	case err == nil:
		return result, true, nil
	case errors.As(err, &mbErr):
		result.Exception = mbErr.ExceptionCode.String()
		return result, true, nil
	}

	if verbose {
		outputWarning("unit %d: %v", unit, err)
	}
	// TCP connections drop after a lost response; serial ports stay open.
	if !client.IsConnected() {
		connectCtx, cancel := context.WithTimeout(ctx, scanTimeout)
		defer cancel()
		if err := client.Connect(connectCtx); err != nil {
			return result, false, fmt.Errorf("reconnect failed: %w", err)
		}
	}
	return result, false, nil
}

func outputScanResults(title string, results []ScanResult) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	fmt.Printf("\n%s (%d found)\n", color(colorBold, title), len(results))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tADDRESSES\tRESPONSE\tLATENCY")
	fmt.Fprintln(w, "----\t---------\t--------\t-------")
	for _, r := range results {
		response := color(colorGreen, "data")
		if r.Exception != "" {
			response = color(colorYellow, r.Exception)
		}
		fmt.Fprintf(w, "%d\t%d-%d\t%s\t%dms\n", r.UnitID, r.StartAddr, r.EndAddr, response, r.LatencyMs)
	}
	w.Flush()
	fmt.Println()
	return nil
}
