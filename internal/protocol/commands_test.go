package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestChipFromMagic(t *testing.T) {
	tests := []struct {
		magic uint32
		chip  Chip
		name  string
	}{
		{0x00F01D83, ChipESP32, "ESP32"},
		{0xFFF0C101, ChipESP8266, "ESP8266"},
		{0x000007C6, ChipESP32S2, "ESP32-S2"},
		{0x6921506F, ChipESP32C3, "ESP32-C3"},
		{0x1B31506F, ChipESP32C3, "ESP32-C3"},
		{0xDEADBEEF, ChipUnknown, "unknown(0)"},
	}

	for _, tc := range tests {
		got := ChipFromMagic(tc.magic)
		if got != tc.chip {
			t.Errorf("ChipFromMagic(0x%08X) = %v, want %v", tc.magic, got, tc.chip)
		}
		if got.String() != tc.name {
			t.Errorf("ChipFromMagic(0x%08X).String() = %q, want %q", tc.magic, got.String(), tc.name)
		}
	}
}

func TestErrorMessage_AllCodes(t *testing.T) {
	tests := []struct {
		code     byte
		expected string
	}{
		{ErrInvalidMessage, "invalid message"},
		{ErrFailedToAct, "failed to act"},
		{ErrInvalidCRC, "invalid CRC"},
		{ErrFlashWriteErr, "flash write error"},
		{ErrFlashReadErr, "flash read error"},
		{ErrFlashReadLenErr, "flash read length error"},
		{ErrDeflateError, "deflate error"},
		{0xFF, "unknown error"},
	}

	for _, tc := range tests {
		if got := ErrorMessage(tc.code); got != tc.expected {
			t.Errorf("ErrorMessage(0x%02X) = %q, want %q", tc.code, got, tc.expected)
		}
	}
}

func TestSyncData(t *testing.T) {
	data := SyncData()
	if len(data) != 36 {
		t.Fatalf("SyncData() length = %d, want 36", len(data))
	}
	if !bytes.Equal(data[:4], []byte{0x07, 0x07, 0x12, 0x20}) {
		t.Errorf("SyncData() prefix = %v", data[:4])
	}
	for i := 4; i < 36; i++ {
		if data[i] != 0x55 {
			t.Fatalf("SyncData()[%d] = 0x%02X, want 0x55", i, data[i])
		}
	}
}

func TestReadRegData(t *testing.T) {
	data := ReadRegData(ChipMagicReg)
	if got := binary.LittleEndian.Uint32(data); got != ChipMagicReg {
		t.Errorf("ReadRegData() = 0x%X, want 0x%X", got, ChipMagicReg)
	}
}

func TestFlashBeginData(t *testing.T) {
	data := FlashBeginData(0x3000, 9, FlashBlockSize, 0x1000)
	if len(data) != 16 {
		t.Fatalf("FlashBeginData() length = %d, want 16", len(data))
	}
	want := []uint32{0x3000, 9, FlashBlockSize, 0x1000}
	for i, w := range want {
		if got := binary.LittleEndian.Uint32(data[i*4:]); got != w {
			t.Errorf("FlashBeginData() field %d = 0x%X, want 0x%X", i, got, w)
		}
	}
}

func TestFlashDataHeader(t *testing.T) {
	h := FlashDataHeader(FlashBlockSize, 3)
	if len(h) != 16 {
		t.Fatalf("FlashDataHeader() length = %d, want 16", len(h))
	}
	if got := binary.LittleEndian.Uint32(h[0:4]); got != FlashBlockSize {
		t.Errorf("size = %d, want %d", got, FlashBlockSize)
	}
	if got := binary.LittleEndian.Uint32(h[4:8]); got != 3 {
		t.Errorf("seq = %d, want 3", got)
	}
	if !bytes.Equal(h[8:], make([]byte, 8)) {
		t.Errorf("reserved = %v, want zeros", h[8:])
	}
}

func TestPadBlock(t *testing.T) {
	padded := PadBlock([]byte{0x01, 0x02})
	if len(padded) != FlashBlockSize {
		t.Fatalf("PadBlock() length = %d, want %d", len(padded), FlashBlockSize)
	}
	if padded[0] != 0x01 || padded[1] != 0x02 {
		t.Errorf("PadBlock() prefix = %v", padded[:2])
	}
	for i := 2; i < len(padded); i++ {
		if padded[i] != 0xFF {
			t.Fatalf("PadBlock()[%d] = 0x%02X, want 0xFF", i, padded[i])
		}
	}

	full := make([]byte, FlashBlockSize)
	if got := PadBlock(full); len(got) != FlashBlockSize {
		t.Errorf("PadBlock(full) length = %d", len(got))
	}
}

func TestFlashEndData(t *testing.T) {
	if got := binary.LittleEndian.Uint32(FlashEndData(true)); got != 0 {
		t.Errorf("FlashEndData(true) = %d, want 0", got)
	}
	if got := binary.LittleEndian.Uint32(FlashEndData(false)); got != 1 {
		t.Errorf("FlashEndData(false) = %d, want 1", got)
	}
}

func TestFlashMD5Data(t *testing.T) {
	data := FlashMD5Data(0x10000, 0x2345)
	if got := binary.LittleEndian.Uint32(data[0:4]); got != 0x10000 {
		t.Errorf("address = 0x%X, want 0x10000", got)
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 0x2345 {
		t.Errorf("size = 0x%X, want 0x2345", got)
	}
}

func TestSpiAttachData(t *testing.T) {
	if data := SpiAttachData(); !bytes.Equal(data, make([]byte, 8)) {
		t.Errorf("SpiAttachData() = %v, want 8 zero bytes", data)
	}
}

func TestSpiSetParamsData(t *testing.T) {
	data := SpiSetParamsData(DefaultFlashSize)
	if len(data) != 24 {
		t.Fatalf("SpiSetParamsData() length = %d, want 24", len(data))
	}
	want := []uint32{0, DefaultFlashSize, FlashEraseBlock, FlashSectorSize, FlashPageSize, 0xFFFF}
	for i, w := range want {
		if got := binary.LittleEndian.Uint32(data[i*4:]); got != w {
			t.Errorf("SpiSetParamsData() field %d = 0x%X, want 0x%X", i, got, w)
		}
	}
}

func TestCalculateFlashBlocks(t *testing.T) {
	tests := []struct {
		size int
		want uint32
	}{
		{0, 0},
		{1, 1},
		{FlashBlockSize, 1},
		{FlashBlockSize + 1, 2},
		{10 * FlashBlockSize, 10},
	}
	for _, tc := range tests {
		if got := CalculateFlashBlocks(tc.size); got != tc.want {
			t.Errorf("CalculateFlashBlocks(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestCalculateEraseSize(t *testing.T) {
	tests := []struct {
		size int
		want uint32
	}{
		{0, 0},
		{1, FlashSectorSize},
		{FlashSectorSize, FlashSectorSize},
		{FlashSectorSize + 1, 2 * FlashSectorSize},
	}
	for _, tc := range tests {
		if got := CalculateEraseSize(tc.size); got != tc.want {
			t.Errorf("CalculateEraseSize(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}
