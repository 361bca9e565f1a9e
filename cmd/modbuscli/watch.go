package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/edgeo-scada/modbus"
	"github.com/spf13/cobra"
)

var (
	watchInterval  time.Duration
	watchCount     int
	watchShowDiff  bool
	watchClearTerm bool
	watchLogFile   string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously monitor Modbus values",
	Long: `Watch Modbus registers or coils continuously with configurable interval.

Supports holding registers (hr), input registers (ir), coils (c) and
discrete inputs (di). Changed values are highlighted with --diff, register
values can be logged to a CSV file with --log.`,
	Example: `  # Watch 5 holding registers every second
  modbuscli watch hr -a 0 -c 5 -i 1s -H 192.168.1.100

  # Watch and log to file
  modbuscli watch hr -a 0 -c 10 -i 2s --log data.csv

  # Watch coils on a serial line with change highlighting
  modbuscli watch c -a 0 -c 8 -i 1s --diff --transport rtu -s /dev/ttyUSB0`,
}

var watchHoldingRegistersCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Watch holding registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch("Holding Registers", func(ctx context.Context, c *modbus.Client) ([]uint16, []bool, error) {
			v, err := c.ReadHoldingRegisters(ctx, readAddr, readCount)
			return v, nil, err
		})
	},
}

var watchInputRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Watch input registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch("Input Registers", func(ctx context.Context, c *modbus.Client) ([]uint16, []bool, error) {
			v, err := c.ReadInputRegisters(ctx, readAddr, readCount)
			return v, nil, err
		})
	},
}

var watchCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"c", "coil"},
	Short:   "Watch coils",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch("Coils", func(ctx context.Context, c *modbus.Client) ([]uint16, []bool, error) {
			v, err := c.ReadCoils(ctx, readAddr, readCount)
			return nil, v, err
		})
	},
}

var watchDiscreteInputsCmd = &cobra.Command{
	Use:     "discrete-inputs",
	Aliases: []string{"di", "discrete"},
	Short:   "Watch discrete inputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch("Discrete Inputs", func(ctx context.Context, c *modbus.Client) ([]uint16, []bool, error) {
			v, err := c.ReadDiscreteInputs(ctx, readAddr, readCount)
			return nil, v, err
		})
	},
}

func init() {
	watchCmd.AddCommand(watchHoldingRegistersCmd)
	watchCmd.AddCommand(watchInputRegistersCmd)
	watchCmd.AddCommand(watchCoilsCmd)
	watchCmd.AddCommand(watchDiscreteInputsCmd)

	for _, cmd := range []*cobra.Command{watchHoldingRegistersCmd, watchInputRegistersCmd, watchCoilsCmd, watchDiscreteInputsCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
		cmd.Flags().DurationVarP(&watchInterval, "interval", "i", time.Second, "Polling interval")
		cmd.Flags().IntVarP(&watchCount, "iterations", "n", 0, "Stop after n reads (0 = forever)")
		cmd.Flags().BoolVarP(&watchShowDiff, "diff", "d", false, "Highlight changed values")
		cmd.Flags().BoolVar(&watchClearTerm, "clear", false, "Clear the terminal between reads")
		cmd.Flags().StringVar(&watchLogFile, "log", "", "Log register values to a CSV file")
	}
}

type watchReader func(ctx context.Context, c *modbus.Client) ([]uint16, []bool, error)

type watchState struct {
	client  *modbus.Client
	logFile *os.File

	iteration    int
	successCount int
	errorCount   int
	startTime    time.Time

	prevRegs  []uint16
	prevCoils []bool
}

func watch(title string, read watchReader) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	client, err := connectClient(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	s := &watchState{client: client, startTime: time.Now()}
	if watchLogFile != "" {
		f, err := os.Create(watchLogFile)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}
		defer f.Close()
		s.logFile = f
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx, title, read); err != nil {
			s.errorCount++
			outputWarning("Read failed: %v", err)
		}
		if watchCount > 0 && s.iteration >= watchCount {
			s.printSummary()
			return nil
		}

		select {
		case <-ctx.Done():
			fmt.Println("\n\nStopping watch...")
			s.printSummary()
			return nil
		case <-ticker.C:
		}
	}
}

func (s *watchState) poll(ctx context.Context, title string, read watchReader) error {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.iteration++
	regs, coils, err := read(readCtx, s.client)
	if err != nil {
		return err
	}
	s.successCount++
	now := time.Now()

	if outputFmt == "json" {
		return json.NewEncoder(os.Stdout).Encode(struct {
			Timestamp string   `json:"timestamp"`
			Iteration int      `json:"iteration"`
			Address   uint16   `json:"start_address"`
			Registers []uint16 `json:"registers,omitempty"`
			Bits      []bool   `json:"bits,omitempty"`
		}{now.Format(time.RFC3339Nano), s.iteration, readAddr, regs, coils})
	}

	if watchClearTerm && s.iteration > 1 {
		fmt.Print("\033[H\033[2J")
	}
	fmt.Printf("%s - Watching %s (Address %d-%d)\n",
		color(colorBold, "MODBUS WATCH"),
		title,
		readAddr,
		readAddr+readCount-1)
	fmt.Printf("Device: %s | Unit: %d | Time: %s | Iteration: %d\n",
		getAddress(), s.client.UnitID(), now.Format("15:04:05.000"), s.iteration)
	fmt.Println(strings.Repeat("-", 60))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if regs != nil {
		fmt.Fprintln(w, "ADDR\tVALUE\tHEX\tCHANGE")
		for i, v := range regs {
			change := ""
			if watchShowDiff && i < len(s.prevRegs) {
				if diff := int(v) - int(s.prevRegs[i]); diff > 0 {
					change = color(colorGreen, fmt.Sprintf("+%d", diff))
				} else if diff < 0 {
					change = color(colorRed, fmt.Sprintf("%d", diff))
				}
			}
			fmt.Fprintf(w, "%d\t%d\t0x%04X\t%s\n", readAddr+uint16(i), v, v, change)
		}
		s.logRegisters(now, regs)
		s.prevRegs = regs
	} else {
		fmt.Fprintln(w, "ADDR\tVALUE\tSTATUS\tCHANGE")
		for i, v := range coils {
			valStr, status := "0", color(colorRed, "OFF")
			if v {
				valStr, status = "1", color(colorGreen, "ON")
			}
			change := ""
			if watchShowDiff && i < len(s.prevCoils) && v != s.prevCoils[i] {
				change = color(colorYellow, "changed")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", readAddr+uint16(i), valStr, status, change)
		}
		s.prevCoils = coils
	}
	return w.Flush()
}

func (s *watchState) logRegisters(ts time.Time, values []uint16) {
	if s.logFile == nil {
		return
	}
	if s.successCount == 1 {
		header := "timestamp"
		for i := range values {
			header += fmt.Sprintf(",addr_%d", int(readAddr)+i)
		}
		fmt.Fprintln(s.logFile, header)
	}

	line := ts.Format(time.RFC3339)
	for _, v := range values {
		line += fmt.Sprintf(",%d", v)
	}
	fmt.Fprintln(s.logFile, line)
}

func (s *watchState) printSummary() {
	duration := time.Since(s.startTime)
	fmt.Println()
	fmt.Println(color(colorBold, "Watch Summary"))
	fmt.Println(strings.Repeat("-", 30))
	fmt.Printf("Duration:    %s\n", duration.Round(time.Millisecond))
	fmt.Printf("Iterations:  %d\n", s.iteration)
	fmt.Printf("Success:     %d\n", s.successCount)
	fmt.Printf("Errors:      %d\n", s.errorCount)
	if s.iteration > 0 {
		fmt.Printf("Avg Rate:    %.2f reads/sec\n", float64(s.iteration)/duration.Seconds())
	}
}
