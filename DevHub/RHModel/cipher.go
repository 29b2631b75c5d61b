package RHModel

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Cipher encrypts whole payloads, input length is always a multiple of BlockSize
type Cipher interface {
	BlockSize() int
	Encrypt(plaintext []byte) []byte
	Decrypt(ciphertext []byte) []byte
}

// BlockCipher applies a block cipher to every block independently, the way RadioHead
// RHEncryptedDriver does
type BlockCipher struct {
	block cipher.Block
}

func NewBlockCipher(block cipher.Block) *BlockCipher {
	return &BlockCipher{block: block}
}

// NewAESCipher accepts 16, 24 or 32 byte keys
func NewAESCipher(key []byte) (*BlockCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("RHModel.NewAESCipher: %w", err)
	}
	return NewBlockCipher(block), nil
}

func (c *BlockCipher) BlockSize() int {
	return c.block.BlockSize()
}

func (c *BlockCipher) Encrypt(plaintext []byte) []byte {
	ret := make([]byte, len(plaintext))
	size := c.block.BlockSize()
	for i := 0; i+size <= len(plaintext); i += size {
		c.block.Encrypt(ret[i:i+size], plaintext[i:i+size])
	}
	return ret
}

func (c *BlockCipher) Decrypt(ciphertext []byte) []byte {
	ret := make([]byte, len(ciphertext))
	size := c.block.BlockSize()
	for i := 0; i+size <= len(ciphertext); i += size {
		c.block.Decrypt(ret[i:i+size], ciphertext[i:i+size])
	}
	return ret
}
