// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/emsgate/pkg/ems"
)

var scanTimeout int

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover the devices on the bus",
	Long: `Ask the boiler which devices it has seen on the bus, then read the
product id and firmware version of every device found.

The boiler answers the UBADevices (0x07) request with a bitmap of the device
ids active on the bus. Each device is then asked for its Version (0x02)
telegram.

Exit codes:
  0 - At least one device found
  1 - No devices found before timeout
  2 - Connection error`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 30, "Timeout in seconds for the scan")
}

type scanDevice struct {
	id        uint8
	productID uint8
	version   string
	answered  bool
}

// scanState collects the answers of one scan
type scanState struct {
	mu      sync.Mutex
	devices map[uint8]*scanDevice
	pending int
	done    chan struct{}
}

func newScanState() *scanState {
	return &scanState{devices: make(map[uint8]*scanDevice), done: make(chan struct{})}
}

// devicesFound records the bitmap answer and returns the ids to query
func (st *scanState) devicesFound(ids []uint8, busID uint8) []uint8 {
	st.mu.Lock()
	defer st.mu.Unlock()

	var query []uint8
	for _, id := range ids {
		if id == busID {
			continue
		}
		if _, ok := st.devices[id]; ok {
			continue
		}
		st.devices[id] = &scanDevice{id: id}
		query = append(query, id)
	}
	st.pending += len(query)
	if st.pending == 0 && len(st.devices) > 0 {
		st.finish()
	}
	return query
}

// version records a Version answer. An empty telegram means the device did
// not answer.
func (st *scanState) version(t *ems.Telegram) {
	st.mu.Lock()
	defer st.mu.Unlock()

	dev, ok := st.devices[t.Src()]
	if !ok || dev.answered || dev.version != "" {
		return
	}
	if t.MessageLength() >= 3 {
		msg := t.Message()
		dev.productID = msg[0]
		dev.version = fmt.Sprintf("%02d.%02d", msg[1], msg[2])
		dev.answered = true
	} else {
		dev.version = "no answer"
	}
	st.pending--
	if st.pending == 0 {
		st.finish()
	}
}

func (st *scanState) finish() {
	select {
	case <-st.done:
	default:
		close(st.done)
	}
}

func (st *scanState) sorted() []scanDevice {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]scanDevice, 0, len(st.devices))
	for _, d := range st.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func runScan(cmd *cobra.Command, args []string) error {
	st := newScanState()

	var s *session
	opts := sessionOptions{}
	opts.engine = append(opts.engine, ems.WithHandler(func(t *ems.Telegram) bool {
		switch t.TypeID() {
		case ems.TypeUBADevices:
			if t.Src() != ems.BoilerID {
				return false
			}
			ids := ems.DeviceIDs(t)
			fmt.Printf("Boiler reports %d device(s)\n", len(ids))
			for _, id := range st.devicesFound(ids, s.cfg.BusID) {
				s.engine.SendReadRequest(ems.TypeVersion, id, 0, 0, false)
			}
			return true
		case ems.TypeVersion:
			st.version(t)
			return true
		}
		return false
	}))

	s, err := openSession(cmd, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.close()
	if s.cfg.EngineConfig().ListenOnly {
		return fmt.Errorf("tx mode 0 is listen only, a scan needs to transmit")
	}

	fmt.Printf("emsgate - Bus Scan\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Timeout: %d seconds\n\n", scanTimeout)

	ctx, cancel := signalContext()
	defer cancel()

	s.engine.Start()
	runErr := make(chan error, 1)
	go func() { runErr <- s.run(ctx) }()

	select {
	case <-st.done:
	case err := <-runErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "READ FAILED: %v\n", err)
			os.Exit(2)
		}
	case <-ctx.Done():
	case <-time.After(time.Duration(scanTimeout) * time.Second):
		fmt.Printf("\nTIMEOUT: scan incomplete after %ds (bus %s)\n", scanTimeout, s.engine.BusStatus())
	}
	cancel()

	// Summary
	devices := st.sorted()
	fmt.Printf("\n--- Scan summary ---\n")
	fmt.Printf("Devices found: %d\n", len(devices))
	for _, d := range devices {
		if d.answered {
			fmt.Printf("  %-18s product %3d  version %s\n", ems.FormatDevice(d.id, s.cfg.BusID), d.productID, d.version)
		} else {
			fmt.Printf("  %-18s %s\n", ems.FormatDevice(d.id, s.cfg.BusID), orDefault(d.version, "no answer"))
		}
	}

	if len(devices) == 0 {
		fmt.Printf("No devices discovered. Check connection and tx mode.\n")
		os.Exit(1)
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
