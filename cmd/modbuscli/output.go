package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

func outputError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+msg)
}

func outputWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorYellow, "WARN")+" "+msg)
}

func outputInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorCyan, "INFO")+" "+msg)
}

type BoolResult struct {
	Address uint16 `json:"address"`
	Value   bool   `json:"value"`
}

type RegisterResult struct {
	Address uint16      `json:"address"`
	Hex     string      `json:"hex"`
	Value   interface{} `json:"value"`
	Format  string      `json:"format,omitempty"`
}

func outputBoolValues(title string, startAddr uint16, values []bool) error {
	switch outputFmt {
	case "json":
		return outputBoolJSON(startAddr, values)
	case "csv":
		return outputBoolCSV(startAddr, values)
	case "raw":
		return outputBoolRaw(values)
	case "hex":
		return outputBoolHex(startAddr, values)
	default:
		return outputBoolTable(title, startAddr, values)
	}
}

func outputBoolTable(title string, startAddr uint16, values []bool) error {
	fmt.Printf("\n%s (Address %d-%d, Count: %d)\n",
		color(colorBold, title),
		startAddr,
		startAddr+uint16(len(values))-1,
		len(values))
	fmt.Println(strings.Repeat("-", 40))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tVALUE\tSTATUS")
	fmt.Fprintln(w, "-------\t-----\t------")

	for i, v := range values {
		addr := startAddr + uint16(i)
		var valStr, statusStr string
		if v {
			valStr = "1"
			statusStr = color(colorGreen, "ON")
		} else {
			valStr = "0"
			statusStr = color(colorRed, "OFF")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", addr, valStr, statusStr)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func outputBoolJSON(startAddr uint16, values []bool) error {
	results := make([]BoolResult, len(values))
	for i, v := range values {
		results[i] = BoolResult{
			Address: startAddr + uint16(i),
			Value:   v,
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func outputBoolCSV(startAddr uint16, values []bool) error {
	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"address", "value"})
	for i, v := range values {
		addr := strconv.Itoa(int(startAddr) + i)
		val := "0"
		if v {
			val = "1"
		}
		w.Write([]string{addr, val})
	}
	w.Flush()
	return w.Error()
}

func outputBoolRaw(values []bool) error {
	for _, v := range values {
		if v {
			fmt.Print("1")
		} else {
			fmt.Print("0")
		}
	}
	fmt.Println()
	return nil
}

func outputBoolHex(startAddr uint16, values []bool) error {
	// Pack bools into bytes
	byteCount := (len(values) + 7) / 8
	bytes := make([]byte, byteCount)
	for i, v := range values {
		if v {
			bytes[i/8] |= 1 << (i % 8)
		}
	}
	for i, b := range bytes {
		if i > 0 {
			fmt.Print(" ")
		}
		fmt.Printf("%02X", b)
	}
	fmt.Println()
	return nil
}

func outputRegisterValues(title string, rv registerValues) error {
	if rv.format == "string" {
		fmt.Println(rv.text)
		return nil
	}

	switch outputFmt {
	case "json":
		return outputRegisterJSON(rv)
	case "csv":
		return outputRegisterCSV(rv)
	case "raw":
		return outputRegisterRaw(rv)
	case "hex":
		return outputRegisterHex(rv)
	default:
		return outputRegisterTable(title, rv)
	}
}

// addressOf returns the first register of value i.
func (rv registerValues) addressOf(i int) uint16 {
	return rv.start + uint16(i*rv.width)
}

func (rv registerValues) addressLabel(i int) string {
	addr := rv.addressOf(i)
	if rv.width == 1 {
		return strconv.Itoa(int(addr))
	}
	return fmt.Sprintf("%d-%d", addr, addr+uint16(rv.width-1))
}

func outputRegisterTable(title string, rv registerValues) error {
	if len(rv.values) == 0 {
		fmt.Printf("\n%s: no values\n\n", color(colorBold, title))
		return nil
	}

	last := rv.addressOf(len(rv.values)-1) + uint16(rv.width-1)
	fmt.Printf("\n%s (Address %d-%d, %d x %s)\n",
		color(colorBold, title),
		rv.start,
		last,
		len(rv.values),
		rv.format)
	fmt.Println(strings.Repeat("-", 60))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tVALUE\tHEX")
	fmt.Fprintln(w, "-------\t-----\t---")
	for i, v := range rv.values {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rv.addressLabel(i), formatValue(v), hexValue(v))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func outputRegisterJSON(rv registerValues) error {
	results := make([]RegisterResult, len(rv.values))
	for i, v := range rv.values {
		results[i] = RegisterResult{
			Address: rv.addressOf(i),
			Hex:     hexValue(v),
			Value:   v,
			Format:  rv.format,
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func outputRegisterCSV(rv registerValues) error {
	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"address", "hex", "value"})
	for i, v := range rv.values {
		w.Write([]string{strconv.Itoa(int(rv.addressOf(i))), hexValue(v), formatValue(v)})
	}
	w.Flush()
	return w.Error()
}

func outputRegisterRaw(rv registerValues) error {
	for _, v := range rv.values {
		fmt.Println(formatValue(v))
	}
	return nil
}

func outputRegisterHex(rv registerValues) error {
	for i, v := range rv.values {
		if i > 0 {
			fmt.Print(" ")
		}
		fmt.Print(strings.TrimPrefix(hexValue(v), "0x"))
	}
	fmt.Println()
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// hexValue formats the bit pattern of v, one nibble pair per byte.
func hexValue(v any) string {
	switch x := v.(type) {
	case uint16:
		return fmt.Sprintf("0x%04X", x)
	case int16:
		return fmt.Sprintf("0x%04X", uint16(x))
	case uint32:
		return fmt.Sprintf("0x%08X", x)
	case int32:
		return fmt.Sprintf("0x%08X", uint32(x))
	case float32:
		return fmt.Sprintf("0x%08X", math.Float32bits(x))
	case float64:
		return fmt.Sprintf("0x%016X", math.Float64bits(x))
	default:
		return fmt.Sprintf("%X", v)
	}
}
