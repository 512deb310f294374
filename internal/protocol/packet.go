package protocol

import (
	"encoding/binary"
	"fmt"
)

// Request represents an ESP32 bootloader request packet.
type Request struct {
	Command  byte
	Data     []byte
	Checksum uint32
}

// Response represents an ESP32 bootloader response packet.
type Response struct {
	Command byte
	Data    []byte
	Value   uint32
	Status  byte
	Error   byte
}

// NewRequest creates a request for a command that carries no checksum.
func NewRequest(cmd byte, data []byte) *Request {
	return &Request{
		Command: cmd,
		Data:    data,
	}
}

// NewDataRequest creates a request whose data is a fixed header followed by
// payload, as used by FLASH_DATA. The checksum covers the payload only.
func NewDataRequest(cmd byte, header, payload []byte) *Request {
	data := make([]byte, 0, len(header)+len(payload))
	data = append(data, header...)
	data = append(data, payload...)
	return &Request{
		Command:  cmd,
		Data:     data,
		Checksum: Checksum(payload),
	}
}

// Checksum is the XOR of all bytes seeded with 0xEF.
func Checksum(data []byte) uint32 {
	var checksum byte = checksumSeed
	for _, b := range data {
		checksum ^= b
	}
	return uint32(checksum)
}

// Encode serializes the request to bytes (before SLIP encoding).
func (r *Request) Encode() []byte {
	// Packet format:
	// 0: direction (0x00 = request)
	// 1: command
	// 2-3: data size (little-endian)
	// 4-7: checksum (little-endian, only for data commands)
	// 8+: data

	packet := make([]byte, 8+len(r.Data))

	packet[0] = DirRequest
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.Data)))
	binary.LittleEndian.PutUint32(packet[4:8], r.Checksum)
	copy(packet[8:], r.Data)

	return packet
}

// DecodeResponse parses a response (after SLIP decoding) whose data ends
// with statusLen status bytes; the first two are status and error.
func DecodeResponse(data []byte, statusLen int) (*Response, error) {
	if len(data) < 8+statusLen {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}

	if data[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	resp := &Response{
		Command: data[1],
		Value:   binary.LittleEndian.Uint32(data[4:8]),
	}

	dataSize := int(binary.LittleEndian.Uint16(data[2:4]))
	if dataSize > len(data)-8 {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", dataSize, len(data)-8)
	}
	if dataSize < statusLen {
		return nil, fmt.Errorf("data size %d shorter than %d status bytes", dataSize, statusLen)
	}

	body := data[8 : 8+dataSize]
	resp.Data = body[:dataSize-statusLen]
	resp.Status = body[dataSize-statusLen]
	resp.Error = body[dataSize-statusLen+1]

	return resp, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == 0 && r.Error == 0
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X error=0x%02X (%s)", r.Status, r.Error, ErrorMessage(r.Error))
}

// SyncData returns the data payload for a SYNC command.
func SyncData() []byte {
	// SYNC payload: 0x07 0x07 0x12 0x20 followed by 32 bytes of 0x55
	data := make([]byte, 36)
	copy(data, []byte{0x07, 0x07, 0x12, 0x20})
	for i := 4; i < len(data); i++ {
		data[i] = 0x55
	}
	return data
}

// ReadRegData creates the data payload for READ_REG.
func ReadRegData(address uint32) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, address)
	return data
}

// FlashBeginData creates the data payload for FLASH_BEGIN command.
func FlashBeginData(eraseSize, numBlocks, blockSize, offset uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], eraseSize)
	binary.LittleEndian.PutUint32(data[4:8], numBlocks)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)
	return data
}

// FlashDataHeader creates the 16-byte header preceding a FLASH_DATA block.
func FlashDataHeader(size, seq uint32) []byte {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], size)
	binary.LittleEndian.PutUint32(header[4:8], seq)
	return header
}

// PadBlock pads block to FlashBlockSize with 0xFF, the erased flash value.
func PadBlock(block []byte) []byte {
	if len(block) >= FlashBlockSize {
		return block
	}
	padded := make([]byte, FlashBlockSize)
	copy(padded, block)
	for i := len(block); i < FlashBlockSize; i++ {
		padded[i] = 0xFF
	}
	return padded
}

// FlashEndData creates the data payload for FLASH_END command.
func FlashEndData(reboot bool) []byte {
	data := make([]byte, 4)
	if reboot {
		binary.LittleEndian.PutUint32(data, 0) // 0 = reboot
	} else {
		binary.LittleEndian.PutUint32(data, 1) // 1 = stay in bootloader
	}
	return data
}

// FlashMD5Data creates the data payload for SPI_FLASH_MD5 command.
func FlashMD5Data(address, size uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], address)
	binary.LittleEndian.PutUint32(data[4:8], size)
	return data
}

// SpiAttachData creates the data payload for SPI_ATTACH command.
func SpiAttachData() []byte {
	// All zeros selects the default SPI pins; the ROM expects 8 bytes.
	return make([]byte, 8)
}

// SpiSetParamsData creates the data payload for SPI_SET_PARAMS, describing
// a flash chip of totalSize bytes.
func SpiSetParamsData(totalSize uint32) []byte {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint32(data[0:4], 0) // flash id
	binary.LittleEndian.PutUint32(data[4:8], totalSize)
	binary.LittleEndian.PutUint32(data[8:12], FlashEraseBlock)
	binary.LittleEndian.PutUint32(data[12:16], FlashSectorSize)
	binary.LittleEndian.PutUint32(data[16:20], FlashPageSize)
	binary.LittleEndian.PutUint32(data[20:24], 0xFFFF) // status mask
	return data
}

// CalculateFlashBlocks returns the number of FLASH_DATA blocks for size bytes.
func CalculateFlashBlocks(size int) uint32 {
	return uint32((size + FlashBlockSize - 1) / FlashBlockSize)
}

// CalculateEraseSize rounds size up to whole sectors.
func CalculateEraseSize(size int) uint32 {
	return uint32((size + FlashSectorSize - 1) / FlashSectorSize * FlashSectorSize)
}
