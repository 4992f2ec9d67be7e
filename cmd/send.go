// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/emsgate/pkg/ems"
)

var (
	sendRaw     string
	sendRead    string
	sendDest    string
	sendOffset  uint8
	sendLength  uint8
	sendTimeout int
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one telegram and wait for the answer",
	Long: `Send a read request or a raw telegram and wait for the device to answer.

A read names the type id and the device:
  emsgate send --port /dev/ttyUSB0 --read 0x02 --dest 0x08

A raw telegram is given as hex bytes without checksum. A telegram from another
source than our bus id, or to the broadcast address, is sent without waiting
for an answer:
  emsgate send --port /dev/ttyUSB0 --raw "0B 88 18 00 20"

Exit codes:
  0 - Answer received before timeout
  1 - Timeout reached, or the device did not answer after all retries
  2 - Connection error`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendRaw, "raw", "", "Raw telegram as hex, without checksum")
	sendCmd.Flags().StringVar(&sendRead, "read", "", "Type id to read")
	sendCmd.Flags().StringVar(&sendDest, "dest", "0x08", "Device id to read from")
	sendCmd.Flags().Uint8Var(&sendOffset, "offset", 0, "Offset of the read")
	sendCmd.Flags().Uint8Var(&sendLength, "length", 0, "Number of bytes to read (0 = all)")
	sendCmd.Flags().IntVar(&sendTimeout, "timeout", 10, "Timeout in seconds to wait for the answer")
}

// sendRequest describes what to send and which answer completes it
type sendRequest struct {
	raw    string
	typeID uint16
	dest   uint8
	write  bool
	expect bool
}

func parseSendRequest(busID uint8) (sendRequest, error) {
	if sendRaw != "" {
		return parseRawRequest(sendRaw, busID)
	}
	if sendRead == "" {
		return sendRequest{}, fmt.Errorf("either --read or --raw must be specified")
	}

	typeID, err := strconv.ParseUint(sendRead, 0, 16)
	if err != nil {
		return sendRequest{}, fmt.Errorf("invalid --read %q: %w", sendRead, err)
	}
	dest, err := strconv.ParseUint(sendDest, 0, 8)
	if err != nil {
		return sendRequest{}, fmt.Errorf("invalid --dest %q: %w", sendDest, err)
	}
	return sendRequest{typeID: uint16(typeID), dest: uint8(dest) & 0x7F, expect: true}, nil
}

// parseRawRequest works out which answer a raw telegram asks for
func parseRawRequest(s string, busID uint8) (sendRequest, error) {
	frame, err := ems.ParseHex(s)
	if err != nil {
		return sendRequest{}, err
	}
	if len(frame) < 4 {
		return sendRequest{}, fmt.Errorf("raw telegram too short: %d bytes", len(frame))
	}

	req := sendRequest{raw: s, dest: frame[1] & 0x7F, typeID: uint16(frame[2])}
	read := frame[1]&0x80 != 0
	if frame[2] == 0xFF {
		// EMS+: a read carries the length before the type
		i := 4
		if read {
			i = 5
		}
		if len(frame) > i+1 {
			req.typeID = uint16(frame[i])<<8 + uint16(frame[i+1]) + 0x100
		}
	}
	ours := frame[0]&0x7F == busID && req.dest != ems.BroadcastID
	req.write = ours && !read
	req.expect = ours && read
	return req, nil
}

type sendResult struct {
	ok  bool
	msg string
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	req, err := parseSendRequest(cfg.BusID)
	if err != nil {
		return err
	}

	result := make(chan sendResult, 1)
	finish := func(r sendResult) {
		select {
		case result <- r:
		default:
		}
	}

	var s *session
	opts := sessionOptions{}
	opts.engine = append(opts.engine, ems.WithWatch(func(t *ems.Telegram) {
		if !req.expect || t.Src() != req.dest || t.TypeID() != req.typeID || t.Dest() != s.cfg.BusID {
			return
		}
		if t.MessageLength() == 0 {
			finish(sendResult{msg: "no answer after all retries"})
			return
		}
		finish(sendResult{ok: true, msg: ems.FormatTelegram(t, s.cfg.BusID)})
	}))

	s, err = openSession(cmd, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.close()
	if s.cfg.EngineConfig().ListenOnly {
		return fmt.Errorf("tx mode 0 is listen only, nothing can be sent")
	}

	fmt.Printf("emsgate - Send\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Timeout: %d seconds\n", sendTimeout)

	if req.raw != "" {
		if err := s.engine.SendRawTelegram(req.raw); err != nil {
			return err
		}
		fmt.Printf("Sending raw telegram %s...\n\n", req.raw)
	} else {
		s.engine.SendReadRequest(req.typeID, req.dest, sendOffset, sendLength, true)
		fmt.Printf("Reading %s(0x%02X) from %s...\n\n", ems.FormatType(req.typeID), req.typeID, ems.FormatDevice(req.dest, s.cfg.BusID))
	}

	ctx, cancel := signalContext()
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.run(ctx) }()

	if req.write {
		go watchWriteResult(ctx, s, finish)
	} else if !req.expect {
		go watchQueueDrained(ctx, s, finish)
	}

	select {
	case r := <-result:
		cancel()
		if !r.ok {
			fmt.Fprintf(os.Stderr, "FAILED: %s\n", r.msg)
			os.Exit(1)
		}
		fmt.Printf("SUCCESS: %s\n", r.msg)
		os.Exit(0)

	case err := <-runErr:
		if err == nil {
			err = errors.New("line closed")
		}
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(sendTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No answer within %d seconds (bus %s)\n", sendTimeout, s.engine.BusStatus())
		os.Exit(1)
	}

	return nil
}

// watchWriteResult completes a raw write once the device acknowledged or
// rejected it
func watchWriteResult(ctx context.Context, s *session, finish func(sendResult)) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := s.engine.Stats()
		if st.WriteCount > 0 {
			finish(sendResult{ok: true, msg: "write acknowledged"})
			return
		}
		if st.WriteFailCount > 0 {
			finish(sendResult{msg: "write not acknowledged"})
			return
		}
	}
}

// watchQueueDrained completes a telegram that expects no answer once it left
// the queue
func watchQueueDrained(ctx context.Context, s *session, finish func(sendResult)) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.engine.Stats().TxQueueLen == 0 && s.engine.State().TxState() == ems.TxIdle {
			finish(sendResult{ok: true, msg: "telegram sent"})
			return
		}
	}
}
