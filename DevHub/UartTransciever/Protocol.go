package UartTransciever

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Host protocol: SLIP-like frames delimited by 0xC0,
// request [version, command, length lo, length hi, payload]
// response [version, command|0x80, code, length lo, length hi, payload]

const ProtocolVersion byte = 1

type packet []byte
type command byte
type responseCode byte
type uartRequest struct {
	version byte
	command command
	payload []byte
}
type uartResponse struct {
	version byte
	command command
	code    responseCode
	payload []byte
}

const (
	cEcho       command = 0x00
	cVersion    command = 0x01
	cStatistics command = 0x08
	// unsolicited, never requested
	cGetRxItem  command = 0x50
	cSend       command = 0x7E
	cSendToWait command = 0x7F
)

const cResponse command = 0x80

const (
	rOk         responseCode = 0x00
	rAckTimeout responseCode = 0x12
	rDataPacket responseCode = 0x14
	// fatal errors
	rFail                    responseCode = 0x80
	rBadProtocolVersion      responseCode = 0x90
	rBadCommand              responseCode = 0x91
	rArgumentValidationError responseCode = 0x93
)

const (
	slipEnd    byte = 0xC0
	slipEsc    byte = 0xDB
	slipEscEnd byte = 0xDC
	slipEscEsc byte = 0xDD
)

var (
	errBadEscape      = errors.New("unexpected escape sequence")
	errUnfinished     = errors.New("unfinished escape sequence at the end of a packet")
	errExtraDelimiter = errors.New("extra 0xC0 inside a single packet")
)

func stuffPacket(data packet) (ret packet) {
	ret = packet{slipEnd}
	for _, v := range data {
		switch v {
		case slipEnd:
			ret = append(ret, slipEsc, slipEscEnd)
		case slipEsc:
			ret = append(ret, slipEsc, slipEscEsc)
		default:
			ret = append(ret, v)
		}
	}
	return append(ret, slipEnd)
}

// unstuffPacket decodes the bytes between two delimiters
func unstuffPacket(data packet) (packet, error) {
	var esc bool = false
	ret := packet{}
	for _, v := range data {
		if slipEnd == v {
			return nil, errExtraDelimiter
		}
		if !esc {
			if slipEsc == v {
				esc = true
			} else {
				ret = append(ret, v)
			}
		} else {
			switch v {
			case slipEscEnd:
				ret = append(ret, slipEnd)
			case slipEscEsc:
				ret = append(ret, slipEsc)
			default:
				return nil, errBadEscape
			}
			esc = false
		}
	}
	if esc {
		return nil, errUnfinished
	}
	return ret, nil
}

func parseRequest(data packet) (ret uartRequest, err error) {
	if 4 > len(data) {
		return ret, fmt.Errorf("too short request: % X", []byte(data))
	}
	ret = uartRequest{
		version: data[0],
		command: command(data[1]),
	}
	if 4+int(binary.LittleEndian.Uint16(data[2:4])) != len(data) {
		return ret, fmt.Errorf("incorrect request payload length: % X", []byte(data))
	}
	ret.payload = data[4:]
	return ret, nil
}

func createResponse(data uartResponse) (ret packet) {
	ret = packet{data.version, byte(data.command | cResponse), byte(data.code), 0, 0}
	binary.LittleEndian.PutUint16(ret[3:5], uint16(len(data.payload)))
	return append(ret, data.payload...)
}

// createRequest and parseResponse are the host side, used to talk to the bridge in tests and tools
func createRequest(data uartRequest) (ret packet) {
	ret = packet{data.version, byte(data.command), 0, 0}
	binary.LittleEndian.PutUint16(ret[2:4], uint16(len(data.payload)))
	return append(ret, data.payload...)
}

func parseResponse(data packet) (ret uartResponse, err error) {
	if 5 > len(data) {
		return ret, fmt.Errorf("too short response: % X", []byte(data))
	}
	ret = uartResponse{
		version: data[0],
		command: command(data[1]),
		code:    responseCode(data[2]),
	}
	if 5+int(binary.LittleEndian.Uint16(data[3:5])) != len(data) {
		return ret, fmt.Errorf("incorrect response payload length: % X", []byte(data))
	}
	ret.payload = data[5:]
	return ret, nil
}

func validateResponse(response uartResponse, requestCommand command) bool {
	if response.command != requestCommand|cResponse {
		return false
	}
	return true
}
