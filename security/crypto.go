package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"hash"

	"github.com/xdg-go/stringprep"
	"golang.org/x/text/encoding/charmap"
)

var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

// legacyPassword converts a password to the single-byte encoding used by
// revisions 2-4. Characters outside Latin-1 keep their UTF-8 bytes.
func legacyPassword(pwd string) []byte {
	out, err := charmap.Windows1252.NewEncoder().Bytes([]byte(pwd))
	if err != nil {
		return []byte(pwd)
	}
	return out
}

// aes256Password normalizes a password with SASLprep and truncates it to
// 127 bytes, as required for revisions 5 and 6.
func aes256Password(pwd string) ([]byte, error) {
	prepped, err := stringprep.SASLprep.Prepare(pwd)
	if err != nil {
		return nil, err
	}
	b := []byte(prepped)
	if len(b) > 127 {
		b = b[:127]
	}
	return b, nil
}

func padPassword(pwd []byte) []byte {
	padded := make([]byte, 32)
	n := copy(padded, pwd)
	copy(padded[n:], passwordPadding)
	return padded
}

// deriveKey computes the file encryption key for revisions 2-4.
func deriveKey(pwd, owner []byte, pVal int32, fileID []byte, keyLen int, r int, encryptMeta bool) []byte {
	if keyLen <= 0 || r == 2 {
		keyLen = 5
	}
	if keyLen > 16 {
		keyLen = 16
	}
	h := md5.New()
	h.Write(padPassword(pwd))
	h.Write(owner)
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], uint32(pVal))
	h.Write(pBuf[:])
	h.Write(fileID)
	if r >= 4 && !encryptMeta {
		h.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}
	key := h.Sum(nil)
	if r >= 3 {
		for i := 0; i < 50; i++ {
			sum := md5.Sum(key[:keyLen])
			key = sum[:]
		}
	}
	return key[:keyLen]
}

// computeU returns the /U value for a file key. For R>=3 only the first 16
// bytes are significant; the rest is padding.
func computeU(key, fileID []byte, r int) []byte {
	if r == 2 {
		return rc4Simple(key, passwordPadding)
	}
	h := md5.New()
	h.Write(passwordPadding)
	h.Write(fileID)
	val := rc4Simple(key, h.Sum(nil))
	val = rc4Rounds(key, val, 1, 19)
	return append(val, make([]byte, 16)...)
}

// ownerKey derives the RC4 key protecting the /O entry.
func ownerKey(ownerPwd []byte, r, keyLen int) []byte {
	if r == 2 {
		keyLen = 5
	}
	sum := md5.Sum(padPassword(ownerPwd))
	key := sum[:]
	if r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key)
			key = sum[:]
		}
	}
	return key[:keyLen]
}

func computeO(ownerPwd, userPwd []byte, r, keyLen int) []byte {
	key := ownerKey(ownerPwd, r, keyLen)
	val := rc4Simple(key, padPassword(userPwd))
	if r >= 3 {
		val = rc4Rounds(key, val, 1, 19)
	}
	return val
}

// recoverUserPassword decrypts /O with an owner password candidate,
// yielding the padded user password.
func recoverUserPassword(ownerPwd, oEntry []byte, r, keyLen int) []byte {
	if len(oEntry) < 32 {
		return nil
	}
	key := ownerKey(ownerPwd, r, keyLen)
	val := append([]byte(nil), oEntry[:32]...)
	if r == 2 {
		return rc4Simple(key, val)
	}
	for i := 19; i >= 0; i-- {
		val = rc4Simple(xorKey(key, byte(i)), val)
	}
	return val
}

func rc4Rounds(key, val []byte, from, to int) []byte {
	for i := from; i <= to; i++ {
		val = rc4Simple(xorKey(key, byte(i)), val)
	}
	return val
}

func xorKey(key []byte, b byte) []byte {
	out := make([]byte, len(key))
	for i := range key {
		out[i] = key[i] ^ b
	}
	return out
}

// hash2B is the hardened password hash of revision 6. Revision 5 uses a
// single SHA-256 round.
func hash2B(pwd, salt, udata []byte, r int) []byte {
	h := sha256.New()
	h.Write(pwd)
	h.Write(salt)
	h.Write(udata)
	k := h.Sum(nil)
	if r < 6 {
		return k
	}
	var e []byte
	for i := 0; i < 64 || int(e[len(e)-1]) > i-32; i++ {
		seq := make([]byte, 0, len(pwd)+len(k)+len(udata))
		seq = append(seq, pwd...)
		seq = append(seq, k...)
		seq = append(seq, udata...)
		k1 := bytes.Repeat(seq, 64)

		block, _ := aes.NewCipher(k[:16])
		e = make([]byte, len(k1))
		cipher.NewCBCEncrypter(block, k[16:32]).CryptBlocks(e, k1)

		sum := 0
		for _, b := range e[:16] {
			sum += int(b)
		}
		var next hash.Hash
		switch sum % 3 {
		case 0:
			next = sha256.New()
		case 1:
			next = sha512.New384()
		default:
			next = sha512.New()
		}
		next.Write(e)
		k = next.Sum(nil)
	}
	return k[:32]
}

// objectKey derives the per-object key. AES-256 uses the file key as is.
func objectKey(fileKey []byte, objNum, gen int, algo cryptAlgo) []byte {
	if algo == algoAES256 {
		return fileKey
	}
	h := md5.New()
	h.Write(fileKey)
	h.Write([]byte{byte(objNum), byte(objNum >> 8), byte(objNum >> 16), byte(gen), byte(gen >> 8)})
	if algo == algoAES {
		h.Write([]byte("sAlT"))
	}
	n := len(fileKey) + 5
	if n > 16 {
		n = 16
	}
	return h.Sum(nil)[:n]
}

func rc4Simple(key, data []byte) []byte {
	out, _ := rc4Crypt(key, data)
	return out
}

func rc4Crypt(key, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// aesEncrypt prepends a random IV and applies PKCS#7 padding.
func aesEncrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	plain := append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	out := make([]byte, aes.BlockSize+len(plain))
	if _, err := rand.Read(out[:aes.BlockSize]); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, out[:aes.BlockSize]).CryptBlocks(out[aes.BlockSize:], plain)
	return out, nil
}

func aesDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) < aes.BlockSize {
		return nil, errors.New("aes ciphertext too short")
	}
	iv, ct := data[:aes.BlockSize], data[aes.BlockSize:]
	if len(ct) == 0 {
		return []byte{}, nil
	}
	// truncated final blocks occur in damaged files; decrypt what is whole
	ct = ct[:len(ct)-len(ct)%aes.BlockSize]
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	if pad := int(out[len(out)-1]); pad > 0 && pad <= aes.BlockSize && pad <= len(out) {
		out = out[:len(out)-pad]
	}
	return out, nil
}

// aesCBCZeroIV handles the unpadded key-wrapping used by /UE and /OE.
func aesCBCZeroIV(key, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("aes data not multiple of blocksize")
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

func decryptPerms(key, perms []byte) (int32, bool, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, false, err
	}
	out := make([]byte, 16)
	block.Decrypt(out, perms[:16])
	if string(out[9:12]) != "adb" {
		return 0, false, errors.New("invalid /Perms signature")
	}
	return int32(binary.LittleEndian.Uint32(out[0:4])), out[8] == 'T', nil
}

func encryptPerms(key []byte, p int32, encryptMeta bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, 16)
	binary.LittleEndian.PutUint32(plain[0:4], uint32(p))
	copy(plain[4:8], []byte{0xff, 0xff, 0xff, 0xff})
	plain[8] = 'F'
	if encryptMeta {
		plain[8] = 'T'
	}
	copy(plain[9:12], "adb")
	if _, err := rand.Read(plain[12:16]); err != nil {
		return nil, err
	}
	out := make([]byte, 16)
	block.Encrypt(out, plain)
	return out, nil
}

func constantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
