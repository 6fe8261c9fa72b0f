package record

import (
	"crypto/sha1"
	"encoding/binary"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// SHA1Sum returns the SHA-1 digest of a plaintext password, as used by the
// /check/plain lookup backend.
func SHA1Sum(password string) []byte {
	sum := sha1.Sum([]byte(password))
	return sum[:]
}

// NTLMSum returns the NTLM digest of a plaintext password: MD4 over the
// UTF-16LE encoding of the password.
func NTLMSum(password string) []byte {
	codes := utf16.Encode([]rune(password))
	buf := make([]byte, len(codes)*2)
	for i, c := range codes {
		binary.LittleEndian.PutUint16(buf[i*2:], c)
	}
	h := md4.New()
	h.Write(buf)
	return h.Sum(nil)
}
