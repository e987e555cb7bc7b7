package dock

import (
	"crypto/des"
	"encoding/binary"
)

// Cipher enciphers a 64-bit challenge with the docking password. Both sides
// prove knowledge of the password by returning the other's challenge
// enciphered.
type Cipher interface {
	Cipher(challenge uint64) uint64
}

// CipherFunc adapts a function to Cipher.
type CipherFunc func(uint64) uint64

func (f CipherFunc) Cipher(challenge uint64) uint64 { return f(challenge) }

// defaultKey is the DES key used for an empty password and as the starting
// point of key derivation.
const defaultKey uint64 = 0xE4A4E0B4_E8C4A0D4

// desCipher enciphers challenges with single DES in ECB mode.
type desCipher struct {
	key [8]byte
}

// NewDESCipher derives a DES key from password and returns a Cipher using it.
//
// The password is taken as NUL-padded UTF-16BE and folded eight octets at a
// time: each block is enciphered under the current key and the result
// becomes the next key.
func NewDESCipher(password string) (Cipher, error) {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], defaultKey)

	if password != "" {
		pw := encodeUTF16(password)
		for len(pw)%8 != 0 {
			pw = append(pw, 0)
		}
		for off := 0; off < len(pw); off += 8 {
			block, err := des.NewCipher(key[:])
			if err != nil {
				return nil, err
			}
			block.Encrypt(key[:], pw[off:off+8])
		}
	}

	if _, err := des.NewCipher(key[:]); err != nil {
		return nil, err
	}
	return &desCipher{key: key}, nil
}

func (c *desCipher) Cipher(challenge uint64) uint64 {
	// The key length was checked in NewDESCipher.
	block, _ := des.NewCipher(c.key[:])
	var in, out [8]byte
	binary.BigEndian.PutUint64(in[:], challenge)
	block.Encrypt(out[:], in[:])
	return binary.BigEndian.Uint64(out[:])
}
