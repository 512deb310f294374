package protocol

import "fmt"

// ESP32 ROM bootloader commands
const (
	CmdFlashBegin   = 0x02
	CmdFlashData    = 0x03
	CmdFlashEnd     = 0x04
	CmdSync         = 0x08
	CmdReadReg      = 0x0A
	CmdSpiSetParams = 0x0B
	CmdSpiAttach    = 0x0D
	CmdSpiFlashMD5  = 0x13
)

// Direction byte values
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// Number of status bytes closing a response. The ESP32 family ROM sends
// four, the flasher stub two.
const (
	StatusLenROM  = 4
	StatusLenStub = 2
)

// Flash parameters
const (
	FlashBlockSize   = 0x400   // 1KB blocks
	FlashSectorSize  = 0x1000  // 4KB sectors
	FlashEraseBlock  = 0x10000 // 64KB erase blocks
	FlashPageSize    = 0x100
	DefaultFlashSize = 4 * 1024 * 1024
)

// checksumSeed is the initial value of the FLASH_DATA XOR checksum.
const checksumSeed = 0xEF

// ChipMagicReg holds a per-chip constant readable from the ROM loader.
const ChipMagicReg = 0x40001000

// Chip is an ESP chip family identified by its magic register value.
type Chip int

const (
	ChipUnknown Chip = iota
	ChipESP8266
	ChipESP32
	ChipESP32S2
	ChipESP32S3
	ChipESP32C3
	ChipESP32C6
)

var chipMagic = map[uint32]Chip{
	0xFFF0C101: ChipESP8266,
	0x00F01D83: ChipESP32,
	0x000007C6: ChipESP32S2,
	0x00000009: ChipESP32S3,
	0x6921506F: ChipESP32C3,
	0x1B31506F: ChipESP32C3,
	0x2CE0806F: ChipESP32C6,
}

// ChipFromMagic maps a magic register value to a chip family.
func ChipFromMagic(magic uint32) Chip {
	if c, ok := chipMagic[magic]; ok {
		return c
	}
	return ChipUnknown
}

func (c Chip) String() string {
	switch c {
	case ChipESP8266:
		return "ESP8266"
	case ChipESP32:
		return "ESP32"
	case ChipESP32S2:
		return "ESP32-S2"
	case ChipESP32S3:
		return "ESP32-S3"
	case ChipESP32C3:
		return "ESP32-C3"
	case ChipESP32C6:
		return "ESP32-C6"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Error codes from ROM bootloader
const (
	ErrInvalidMessage  = 0x05
	ErrFailedToAct     = 0x06
	ErrInvalidCRC      = 0x07
	ErrFlashWriteErr   = 0x08
	ErrFlashReadErr    = 0x09
	ErrFlashReadLenErr = 0x0A
	ErrDeflateError    = 0x0B
)

// ErrorMessage returns human-readable error message
func ErrorMessage(code byte) string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message"
	case ErrFailedToAct:
		return "failed to act"
	case ErrInvalidCRC:
		return "invalid CRC"
	case ErrFlashWriteErr:
		return "flash write error"
	case ErrFlashReadErr:
		return "flash read error"
	case ErrFlashReadLenErr:
		return "flash read length error"
	case ErrDeflateError:
		return "deflate error"
	default:
		return "unknown error"
	}
}
