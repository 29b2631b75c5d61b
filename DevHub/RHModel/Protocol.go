package RHModel

// RadioHead datagram format: [to, from, id, flags] followed by the message.
// The header is never encrypted.

const (
	HeaderSize          int  = 4
	BroadcastAddress    byte = 0xFF
	DefaultMaxFrameSize int  = 255
	// MaxMessageLength for an unencrypted message with the default fifo
	MaxMessageLength = DefaultMaxFrameSize - HeaderSize
)

// header flags, RH_FLAGS_ACK. Remaining bits belong to the caller and are passed through,
// FlagsReqAck is only interpreted with Settings.RequestAck
const (
	FlagsAck    byte = 0x80
	FlagsReqAck byte = 0x40
	FlagsNone   byte = 0x00
)

// ackMessage is what RadioHead puts into an acknowledgement
var ackMessage = []byte("!")

type Header struct {
	To    byte
	From  byte
	ID    byte
	Flags byte
}

func (h Header) IsAck() bool {
	return 0 != h.Flags&FlagsAck
}

func (h Header) IsBroadcast() bool {
	return BroadcastAddress == h.To
}

func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, newError(EFrameTooShort, "%d bytes: %s", len(frame), Dump(frame))
	}
	return Header{To: frame[0], From: frame[1], ID: frame[2], Flags: frame[3]}, nil
}

// Codec turns header and message into a frame and back.
// With a Cipher the message is zero padded to the block size and encrypted. Decode then returns
// the padded plaintext unless StrictLength is set, in which case a length byte is prepended
// to the message before encryption and the padding is stripped on decode.
type Codec struct {
	Cipher       Cipher
	StrictLength bool
	MaxFrameSize int
}

func (c *Codec) maxFrameSize() int {
	if 0 >= c.MaxFrameSize {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

func (c *Codec) Encode(h Header, message []byte) ([]byte, error) {
	body := message
	if nil != c.Cipher {
		if c.StrictLength {
			if len(message) > 0xFF {
				return nil, newError(EFrameTooLarge, "%d byte message does not fit the length byte", len(message))
			}
			body = append([]byte{byte(len(message))}, message...)
		}
		size := c.Cipher.BlockSize()
		if rem := len(body) % size; 0 != rem {
			body = append(body[:len(body):len(body)], make([]byte, size-rem)...)
		}
		body = c.Cipher.Encrypt(body)
	}
	if HeaderSize+len(body) > c.maxFrameSize() {
		return nil, newError(EFrameTooLarge, "%d byte message encodes into %d bytes, fifo holds %d",
			len(message), HeaderSize+len(body), c.maxFrameSize())
	}
	frame := make([]byte, 0, HeaderSize+len(body))
	frame = append(frame, h.To, h.From, h.ID, h.Flags)
	return append(frame, body...), nil
}

func (c *Codec) Decode(frame []byte) (Header, []byte, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return h, nil, err
	}
	message, err := c.openPayload(frame[HeaderSize:])
	return h, message, err
}

func (c *Codec) openPayload(payload []byte) ([]byte, error) {
	if nil == c.Cipher {
		return append([]byte{}, payload...), nil
	}
	size := c.Cipher.BlockSize()
	if 0 != len(payload)%size {
		return nil, newError(EBadCiphertext, "%d bytes with block size %d", len(payload), size)
	}
	plain := c.Cipher.Decrypt(payload)
	if !c.StrictLength {
		return plain, nil
	}
	if 0 == len(plain) {
		return nil, newError(EBadCiphertext, "no length byte")
	}
	length := int(plain[0])
	if length > len(plain)-1 {
		return nil, newError(EBadCiphertext, "length byte %d, only %d bytes decrypted", length, len(plain)-1)
	}
	return plain[1 : 1+length], nil
}
