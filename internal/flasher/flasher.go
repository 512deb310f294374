// Package flasher talks to the ESP ROM serial loader: SYNC, register
// reads, SPI flash setup, block writes and MD5 verification.
package flasher

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigbag/trackbot-flasher/internal/protocol"
	"github.com/bigbag/trackbot-flasher/internal/slip"
)

const (
	syncAttempts   = 10
	syncTimeout    = 500 * time.Millisecond
	commandTimeout = 3 * time.Second
	eraseTimePerMB = 30 * time.Second
	md5TimePerMB   = 8 * time.Second
)

// ErrTimeout is returned when the loader does not answer in time.
var ErrTimeout = errors.New("timeout waiting for response")

// CommandError reports a command the loader answered with a failure status.
type CommandError struct {
	Command byte
	Status  byte
	Code    byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command 0x%02X failed: status=0x%02X error=0x%02X (%s)",
		e.Command, e.Status, e.Code, protocol.ErrorMessage(e.Code))
}

// VerifyError reports an MD5 mismatch after writing a region.
type VerifyError struct {
	Address  uint32
	Expected string
	Actual   string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("MD5 mismatch at 0x%X: expected %s, got %s", e.Address, e.Expected, e.Actual)
}

// Port is the serial connection the flasher writes frames to.
type Port interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
}

// ProgressCallback is called to report flash progress.
type ProgressCallback func(current, total int)

// Flasher handles flashing firmware to ESP32 devices.
type Flasher struct {
	port      Port
	progress  ProgressCallback
	log       *slog.Logger
	rx        slip.Buffer
	statusLen int
}

// New creates a new Flasher for the given port. The device must already be
// in its ROM bootloader.
func New(port Port, log *slog.Logger) *Flasher {
	if log == nil {
		log = slog.Default()
	}
	return &Flasher{
		port:      port,
		log:       log,
		statusLen: protocol.StatusLenROM,
	}
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Connect syncs with the loader, identifies the chip and attaches the SPI
// flash.
func (f *Flasher) Connect(ctx context.Context) (protocol.Chip, error) {
	if err := f.Sync(ctx); err != nil {
		return protocol.ChipUnknown, fmt.Errorf("failed to sync with bootloader: %w", err)
	}

	chip, _, err := f.DetectChip(ctx)
	if err != nil {
		return protocol.ChipUnknown, fmt.Errorf("failed to read chip id: %w", err)
	}

	if err := f.spiAttach(ctx); err != nil {
		return chip, fmt.Errorf("failed to attach SPI flash: %w", err)
	}

	return chip, nil
}

// Sync sends SYNC until the loader answers. The status length of the
// answer tells ROM (4 bytes) and ESP8266 (2 bytes) loaders apart.
func (f *Flasher) Sync(ctx context.Context) error {
	frame := slip.Encode(protocol.NewRequest(protocol.CmdSync, protocol.SyncData()).Encode())

	for attempt := 0; attempt < syncAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		f.port.Flush()
		f.rx.Reset()

		if _, err := f.port.Write(frame); err != nil {
			return err
		}

		raw, err := f.readFrame(ctx, protocol.CmdSync, syncTimeout)
		if err != nil {
			f.log.Debug("sync attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		if size := int(binary.LittleEndian.Uint16(raw[2:4])); size == protocol.StatusLenStub {
			f.statusLen = protocol.StatusLenStub
		}

		resp, err := protocol.DecodeResponse(raw, f.statusLen)
		if err != nil || !resp.IsSuccess() {
			continue
		}

		// The ROM answers one SYNC with several replies; drain them.
		for i := 0; i < 7; i++ {
			if _, err := f.readFrame(ctx, protocol.CmdSync, 100*time.Millisecond); err != nil {
				break
			}
		}
		f.log.Debug("bootloader synced", "attempt", attempt+1, "status_len", f.statusLen)
		return nil
	}

	return fmt.Errorf("sync failed after %d attempts", syncAttempts)
}

// ReadReg reads a 32-bit register.
func (f *Flasher) ReadReg(ctx context.Context, address uint32) (uint32, error) {
	resp, err := f.command(ctx, protocol.NewRequest(protocol.CmdReadReg, protocol.ReadRegData(address)), commandTimeout)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// DetectChip reads the chip magic register.
func (f *Flasher) DetectChip(ctx context.Context) (protocol.Chip, uint32, error) {
	magic, err := f.ReadReg(ctx, protocol.ChipMagicReg)
	if err != nil {
		return protocol.ChipUnknown, 0, err
	}
	return protocol.ChipFromMagic(magic), magic, nil
}

// spiAttach attaches the SPI flash and tells the ROM its geometry.
func (f *Flasher) spiAttach(ctx context.Context) error {
	if _, err := f.command(ctx, protocol.NewRequest(protocol.CmdSpiAttach, protocol.SpiAttachData()), commandTimeout); err != nil {
		return err
	}
	params := protocol.NewRequest(protocol.CmdSpiSetParams, protocol.SpiSetParamsData(protocol.DefaultFlashSize))
	if _, err := f.command(ctx, params, commandTimeout); err != nil {
		return fmt.Errorf("set SPI params: %w", err)
	}
	return nil
}

// FlashImage flashes a binary image to the specified address.
func (f *Flasher) FlashImage(ctx context.Context, data []byte, address uint32, verify bool) error {
	numBlocks := protocol.CalculateFlashBlocks(len(data))
	eraseSize := protocol.CalculateEraseSize(len(data))

	beginData := protocol.FlashBeginData(eraseSize, numBlocks, protocol.FlashBlockSize, address)
	beginReq := protocol.NewRequest(protocol.CmdFlashBegin, beginData)
	if _, err := f.command(ctx, beginReq, scaledTimeout(eraseTimePerMB, eraseSize)); err != nil {
		return fmt.Errorf("flash begin failed: %w", err)
	}

	totalBlocks := int(numBlocks)
	for seq := 0; seq < totalBlocks; seq++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}

		start := seq * protocol.FlashBlockSize
		end := min(start+protocol.FlashBlockSize, len(data))

		block := protocol.PadBlock(data[start:end])
		req := protocol.NewDataRequest(protocol.CmdFlashData,
			protocol.FlashDataHeader(uint32(len(block)), uint32(seq)), block)

		if _, err := f.command(ctx, req, commandTimeout); err != nil {
			return fmt.Errorf("flash data block %d failed: %w", seq, err)
		}

		f.reportProgress(seq+1, totalBlocks)
	}

	if verify {
		if err := f.verifyFlash(ctx, data, address); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
	}

	return nil
}

// verifyFlash compares the MD5 of data with the one the loader computes
// over the written region.
func (f *Flasher) verifyFlash(ctx context.Context, data []byte, address uint32) error {
	hash := md5.Sum(data)
	expected := hex.EncodeToString(hash[:])

	req := protocol.NewRequest(protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(address, uint32(len(data))))
	resp, err := f.command(ctx, req, scaledTimeout(md5TimePerMB, uint32(len(data))))
	if err != nil {
		return err
	}

	// The ROM answers with 32 hex characters, the stub with 16 raw bytes.
	var actual string
	switch {
	case len(resp.Data) >= 32:
		actual = string(resp.Data[:32])
	case len(resp.Data) == 16:
		actual = hex.EncodeToString(resp.Data)
	default:
		return fmt.Errorf("unexpected MD5 response length %d", len(resp.Data))
	}

	if actual != expected {
		return &VerifyError{Address: address, Expected: expected, Actual: actual}
	}
	return nil
}

// Reboot leaves the loader with FLASH_END(reboot). The loader does not
// always answer, so no response is awaited.
func (f *Flasher) Reboot() error {
	frame := slip.Encode(protocol.NewRequest(protocol.CmdFlashEnd, protocol.FlashEndData(true)).Encode())
	_, err := f.port.Write(frame)
	return err
}

// command sends req and waits for a successful response to it.
func (f *Flasher) command(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	if _, err := f.port.Write(slip.Encode(req.Encode())); err != nil {
		return nil, err
	}

	raw, err := f.readFrame(ctx, req.Command, timeout)
	if err != nil {
		return nil, err
	}

	resp, err := protocol.DecodeResponse(raw, f.statusLen)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &CommandError{Command: req.Command, Status: resp.Status, Code: resp.Error}
	}
	return resp, nil
}

// readFrame returns the next response frame for cmd. Frames for other
// commands, such as late SYNC replies, are dropped.
func (f *Flasher) readFrame(ctx context.Context, cmd byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)

	for {
		for {
			data, ok := f.rx.Next()
			if !ok {
				break
			}
			if len(data) >= 8 && data[0] == protocol.DirResponse && data[1] == cmd {
				return data, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}

		n, err := f.port.ReadWithTimeout(chunk, 100*time.Millisecond)
		if n > 0 {
			f.rx.Write(chunk[:n])
		}
		if err != nil && n == 0 {
			f.log.Debug("serial read failed", "error", err)
			return nil, err
		}
	}
}

func scaledTimeout(perMB time.Duration, size uint32) time.Duration {
	t := time.Duration(float64(perMB) * float64(size) / (1024 * 1024))
	return max(t, commandTimeout)
}

// FlashRegion represents a region to flash.
type FlashRegion struct {
	Address uint32
	Data    []byte
	Name    string
}

// FlashMultiple flashes regions in order, reporting progress in blocks
// across all of them.
func (f *Flasher) FlashMultiple(ctx context.Context, regions []FlashRegion, verify bool) error {
	totalBlocks := 0
	for _, r := range regions {
		totalBlocks += int(protocol.CalculateFlashBlocks(len(r.Data)))
	}

	outer := f.progress
	defer func() { f.progress = outer }()

	done := 0
	for _, region := range regions {
		base := done
		f.progress = func(current, _ int) {
			if outer != nil {
				outer(base+current, totalBlocks)
			}
		}

		f.log.Debug("flashing region", "name", region.Name, "address", fmt.Sprintf("0x%X", region.Address), "size", len(region.Data))
		if err := f.FlashImage(ctx, region.Data, region.Address, verify); err != nil {
			return fmt.Errorf("failed to flash %s at 0x%X: %w", region.Name, region.Address, err)
		}

		done += int(protocol.CalculateFlashBlocks(len(region.Data)))
	}

	return nil
}
