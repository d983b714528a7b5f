package security

import (
	"crypto/rand"
	"fmt"

	"github.com/wudi/pdfcore/ir/raw"
)

// Algorithm selects the cipher used when encrypting a document.
type Algorithm int

const (
	RC4_40 Algorithm = iota
	RC4_128
	AES_128
	AES_256
)

func (a Algorithm) String() string {
	switch a {
	case RC4_40:
		return "RC4-40"
	case RC4_128:
		return "RC4-128"
	case AES_128:
		return "AES-128"
	case AES_256:
		return "AES-256"
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// EncryptionOptions configure a new standard security handler.
type EncryptionOptions struct {
	UserPassword  string
	OwnerPassword string // defaults to UserPassword
	Permissions   raw.Permissions
	Algorithm     Algorithm
	// EncryptMetadata defaults to false in the zero value; callers that
	// want XMP metadata protected must set it.
	EncryptMetadata bool
}

// PermissionsValue builds the Standard security permissions flags for a document.
func PermissionsValue(p raw.Permissions) int32 {
	val := int32(-4) // bits 1-2 must be 0
	unset := func(on bool, bit uint) {
		if !on {
			val &^= 1 << bit
		}
	}
	unset(p.Print, 2)
	unset(p.Modify, 3)
	unset(p.Copy, 4)
	unset(p.ModifyAnnotations, 5)
	unset(p.FillForms, 8)
	unset(p.ExtractAccessible, 9)
	unset(p.Assemble, 10)
	unset(p.PrintHighQuality, 11)
	return val
}

// NewFileID returns a random 16-byte file identifier.
func NewFileID() []byte {
	id := make([]byte, 16)
	_, _ = rand.Read(id)
	return id
}

// BuildStandardEncryption constructs an /Encrypt dictionary and a handler
// already authenticated as owner, ready to encrypt objects.
func BuildStandardEncryption(opts EncryptionOptions, fileID []byte) (*raw.DictObj, Handler, error) {
	ownerPwd := opts.OwnerPassword
	if ownerPwd == "" {
		ownerPwd = opts.UserPassword
	}
	pVal := PermissionsValue(opts.Permissions)
	if opts.Algorithm == AES_256 {
		return buildAES256(opts, ownerPwd, pVal, fileID)
	}

	var v, r, keyLen int
	switch opts.Algorithm {
	case RC4_40:
		v, r, keyLen = 1, 2, 5
	case RC4_128:
		v, r, keyLen = 2, 3, 16
	case AES_128:
		v, r, keyLen = 4, 4, 16
	default:
		return nil, nil, fmt.Errorf("unknown encryption algorithm %v", opts.Algorithm)
	}
	encryptMeta := opts.EncryptMetadata || r < 4
	user := legacyPassword(opts.UserPassword)
	oVal := computeO(legacyPassword(ownerPwd), user, r, keyLen)
	key := deriveKey(user, oVal, pVal, fileID, keyLen, r, encryptMeta)
	uVal := computeU(key, fileID, r)

	enc := raw.Dict()
	enc.Set("Filter", raw.NameLiteral("Standard"))
	enc.Set("V", raw.NumberInt(int64(v)))
	enc.Set("R", raw.NumberInt(int64(r)))
	enc.Set("Length", raw.NumberInt(int64(keyLen*8)))
	enc.Set("O", raw.HexStr(oVal))
	enc.Set("U", raw.HexStr(uVal))
	enc.Set("P", raw.NumberInt(int64(pVal)))
	streamAlgo := algoRC4
	filters := map[string]cryptAlgo{}
	if v == 4 {
		enc.Set("CF", cryptFilterDict("AESV2", 16))
		enc.Set("StmF", raw.NameLiteral("StdCF"))
		enc.Set("StrF", raw.NameLiteral("StdCF"))
		if !encryptMeta {
			enc.Set("EncryptMetadata", raw.Bool(false))
		}
		streamAlgo = algoAES
		filters["StdCF"] = algoAES
	}
	h := &standardHandler{
		key: key, v: v, r: r, lengthBytes: keyLen,
		owner: oVal, user: uVal, p: pVal, fileID: fileID,
		encryptMeta: encryptMeta, authed: true, ownerAuthed: true,
		streamAlgo: streamAlgo, stringAlgo: streamAlgo, cryptFilters: filters,
	}
	return enc, h, nil
}

func buildAES256(opts EncryptionOptions, ownerPwd string, pVal int32, fileID []byte) (*raw.DictObj, Handler, error) {
	user, err := aes256Password(opts.UserPassword)
	if err != nil {
		return nil, nil, err
	}
	owner, err := aes256Password(ownerPwd)
	if err != nil {
		return nil, nil, err
	}
	key := make([]byte, 32)
	salts := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	if _, err := rand.Read(salts); err != nil {
		return nil, nil, err
	}
	const r = 6
	uVal := append(hash2B(user, salts[0:8], nil, r), salts[0:16]...)
	ue, err := aesCBCZeroIV(hash2B(user, salts[8:16], nil, r), key, true)
	if err != nil {
		return nil, nil, err
	}
	oVal := append(hash2B(owner, salts[16:24], uVal, r), salts[16:32]...)
	oe, err := aesCBCZeroIV(hash2B(owner, salts[24:32], uVal, r), key, true)
	if err != nil {
		return nil, nil, err
	}
	perms, err := encryptPerms(key, pVal, opts.EncryptMetadata)
	if err != nil {
		return nil, nil, err
	}

	enc := raw.Dict()
	enc.Set("Filter", raw.NameLiteral("Standard"))
	enc.Set("V", raw.NumberInt(5))
	enc.Set("R", raw.NumberInt(r))
	enc.Set("Length", raw.NumberInt(256))
	enc.Set("O", raw.HexStr(oVal))
	enc.Set("U", raw.HexStr(uVal))
	enc.Set("OE", raw.HexStr(oe))
	enc.Set("UE", raw.HexStr(ue))
	enc.Set("Perms", raw.HexStr(perms))
	enc.Set("P", raw.NumberInt(int64(pVal)))
	enc.Set("CF", cryptFilterDict("AESV3", 32))
	enc.Set("StmF", raw.NameLiteral("StdCF"))
	enc.Set("StrF", raw.NameLiteral("StdCF"))
	if !opts.EncryptMetadata {
		enc.Set("EncryptMetadata", raw.Bool(false))
	}
	h := &standardHandler{
		key: key, v: 5, r: r, lengthBytes: 32,
		owner: oVal, user: uVal, oe: oe, ue: ue, perms: perms, p: pVal, fileID: fileID,
		encryptMeta: opts.EncryptMetadata, authed: true, ownerAuthed: true,
		streamAlgo: algoAES256, stringAlgo: algoAES256,
		cryptFilters: map[string]cryptAlgo{"StdCF": algoAES256},
	}
	return enc, h, nil
}

func cryptFilterDict(method string, length int64) *raw.DictObj {
	std := raw.Dict()
	std.Set("Type", raw.NameLiteral("CryptFilter"))
	std.Set("CFM", raw.NameLiteral(method))
	std.Set("AuthEvent", raw.NameLiteral("DocOpen"))
	std.Set("Length", raw.NumberInt(length))
	cf := raw.Dict()
	cf.Set("StdCF", std)
	return cf
}
