// Package security implements the PDF standard security handler: RC4 (40
// and 128 bit), AES-128 and AES-256 (revisions 2 through 6).
package security

import (
	"errors"
	"fmt"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/pdferr"
)

// DataClass identifies the kind of payload being encrypted or decrypted.
type DataClass int

const (
	DataClassStream DataClass = iota
	DataClassString
	DataClassMetadataStream
)

type Handler interface {
	IsEncrypted() bool
	// Authenticate unlocks the handler with a user or owner password.
	Authenticate(password string) error
	Authenticated() bool
	// IsOwner reports whether the owner password was used.
	IsOwner() bool
	DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error)
	Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	EncryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error)
	Encrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	Permissions() raw.Permissions
	EncryptMetadata() bool
	Revision() int
}

type HandlerBuilder struct {
	encryptDict raw.Dictionary
	trailer     raw.Dictionary
	fileID      []byte
}

func (b *HandlerBuilder) WithEncryptDict(d raw.Dictionary) *HandlerBuilder {
	b.encryptDict = d
	return b
}
func (b *HandlerBuilder) WithTrailer(d raw.Dictionary) *HandlerBuilder { b.trailer = d; return b }
func (b *HandlerBuilder) WithFileID(id []byte) *HandlerBuilder         { b.fileID = id; return b }

func (b *HandlerBuilder) Build() (Handler, error) {
	if b.encryptDict == nil {
		return noEncryptionHandler{}, nil
	}
	unsupported := func(format string, args ...any) error {
		return &pdferr.EncryptionError{Op: "security handler", Err: fmt.Errorf(format, args...)}
	}
	if name := raw.DictName(b.encryptDict, "Filter"); name != "" && name != "Standard" {
		return nil, unsupported("unsupported encryption filter %s", name)
	}
	v, _ := raw.DictInt(b.encryptDict, "V")
	if v == 0 {
		v = 1
	}
	if v == 3 || v > 5 {
		return nil, unsupported("encryption V=%d not supported", v)
	}
	r, ok := raw.DictInt(b.encryptDict, "R")
	if !ok {
		r = 2
	}
	if r < 2 || r > 6 {
		return nil, unsupported("encryption R=%d not supported", r)
	}
	keyLen := 40
	if n, ok := raw.DictInt(b.encryptDict, "Length"); ok && n > 0 && v >= 2 {
		keyLen = int(n)
	}
	switch {
	case v >= 5:
		keyLen = 256
	case v == 4:
		keyLen = 128
	}
	if keyLen%8 != 0 || keyLen < 40 || keyLen > 256 {
		return nil, unsupported("invalid key length %d", keyLen)
	}
	owner, _ := raw.DictBytes(b.encryptDict, "O")
	user, _ := raw.DictBytes(b.encryptDict, "U")
	oe, _ := raw.DictBytes(b.encryptDict, "OE")
	ue, _ := raw.DictBytes(b.encryptDict, "UE")
	perms, _ := raw.DictBytes(b.encryptDict, "Perms")
	pVal, _ := raw.DictInt(b.encryptDict, "P")
	id := b.fileID
	if len(id) == 0 && b.trailer != nil {
		if arrObj, ok := b.trailer.Get("ID"); ok {
			if arr, ok := arrObj.(*raw.ArrayObj); ok && arr.Len() > 0 {
				if s, ok := arr.Items[0].(raw.StringObj); ok {
					id = s.Value()
				}
			}
		}
	}
	encryptMeta := true
	if v, ok := raw.DictBool(b.encryptDict, "EncryptMetadata"); ok {
		encryptMeta = v
	}

	baseAlgo := algoRC4
	switch {
	case v >= 5:
		baseAlgo = algoAES256
	case v == 4:
		baseAlgo = algoAES
	}
	cryptFilters, err := parseCryptFilters(b.encryptDict, baseAlgo)
	if err != nil {
		return nil, &pdferr.EncryptionError{Op: "security handler", Err: err}
	}
	streamAlgo, stringAlgo := baseAlgo, baseAlgo
	if v >= 4 {
		if streamAlgo, err = resolveCryptFilter(b.encryptDict, "StmF", cryptFilters); err != nil {
			return nil, &pdferr.EncryptionError{Op: "security handler", Err: err}
		}
		if stringAlgo, err = resolveCryptFilter(b.encryptDict, "StrF", cryptFilters); err != nil {
			return nil, &pdferr.EncryptionError{Op: "security handler", Err: err}
		}
	}
	return &standardHandler{
		v:            int(v),
		r:            int(r),
		lengthBytes:  keyLen / 8,
		owner:        owner,
		user:         user,
		oe:           oe,
		ue:           ue,
		perms:        perms,
		p:            int32(pVal),
		fileID:       id,
		encryptMeta:  encryptMeta,
		streamAlgo:   streamAlgo,
		stringAlgo:   stringAlgo,
		cryptFilters: cryptFilters,
	}, nil
}

type cryptAlgo int

const (
	algoUnset cryptAlgo = iota
	algoNone
	algoRC4
	algoAES
	algoAES256
)

type standardHandler struct {
	key          []byte
	v            int
	r            int
	lengthBytes  int
	owner        []byte
	user         []byte
	oe           []byte
	ue           []byte
	perms        []byte
	p            int32
	fileID       []byte
	encryptMeta  bool
	authed       bool
	ownerAuthed  bool
	streamAlgo   cryptAlgo
	stringAlgo   cryptAlgo
	cryptFilters map[string]cryptAlgo
}

func (h *standardHandler) IsEncrypted() bool     { return true }
func (h *standardHandler) EncryptMetadata() bool { return h.encryptMeta }
func (h *standardHandler) Authenticated() bool   { return h.authed }
func (h *standardHandler) IsOwner() bool         { return h.ownerAuthed }
func (h *standardHandler) Revision() int         { return h.r }

// Authenticate tries password as the user password first, then as the
// owner password.
func (h *standardHandler) Authenticate(password string) error {
	if h.r >= 5 {
		return h.authenticateAES256(password)
	}
	pwd := legacyPassword(password)
	if key, ok := h.checkUser(pwd); ok {
		h.key, h.authed, h.ownerAuthed = key, true, false
		return nil
	}
	userPwd := recoverUserPassword(pwd, h.owner, h.r, h.lengthBytes)
	if key, ok := h.checkUser(userPwd); ok {
		h.key, h.authed, h.ownerAuthed = key, true, true
		return nil
	}
	return &pdferr.AuthError{Op: "authenticate", Err: pdferr.ErrBadPassword}
}

func (h *standardHandler) checkUser(pwd []byte) ([]byte, bool) {
	key := deriveKey(pwd, h.owner, h.p, h.fileID, h.lengthBytes, h.r, h.encryptMeta)
	expect := computeU(key, h.fileID, h.r)
	n := 32
	if h.r >= 3 {
		n = 16
	}
	if len(h.user) < n || !constantTimeEqual(expect[:n], h.user[:n]) {
		return nil, false
	}
	return key, true
}

func (h *standardHandler) authenticateAES256(password string) error {
	pwd, err := aes256Password(password)
	if err != nil {
		return &pdferr.AuthError{Op: "authenticate", Err: err}
	}
	if len(h.user) < 48 || len(h.owner) < 48 || len(h.ue) < 32 || len(h.oe) < 32 {
		return &pdferr.EncryptionError{Op: "authenticate", Err: errors.New("malformed AES-256 password entries")}
	}
	// owner first: its check also needs the user entry
	if constantTimeEqual(hash2B(pwd, h.owner[32:40], h.user[:48], h.r), h.owner[:32]) {
		ik := hash2B(pwd, h.owner[40:48], h.user[:48], h.r)
		key, err := aesCBCZeroIV(ik, h.oe[:32], false)
		if err != nil {
			return &pdferr.EncryptionError{Op: "authenticate", Err: err}
		}
		h.key, h.authed, h.ownerAuthed = key, true, true
		return h.checkPerms()
	}
	if constantTimeEqual(hash2B(pwd, h.user[32:40], nil, h.r), h.user[:32]) {
		ik := hash2B(pwd, h.user[40:48], nil, h.r)
		key, err := aesCBCZeroIV(ik, h.ue[:32], false)
		if err != nil {
			return &pdferr.EncryptionError{Op: "authenticate", Err: err}
		}
		h.key, h.authed, h.ownerAuthed = key, true, false
		return h.checkPerms()
	}
	return &pdferr.AuthError{Op: "authenticate", Err: pdferr.ErrBadPassword}
}

// checkPerms validates the encrypted /Perms copy of /P. A mismatch is
// tolerated for R5 files, which commonly omit it.
func (h *standardHandler) checkPerms() error {
	if len(h.perms) < 16 {
		return nil
	}
	p, meta, err := decryptPerms(h.key, h.perms)
	if err != nil {
		if h.r == 5 {
			return nil
		}
		return &pdferr.EncryptionError{Op: "authenticate", Err: err}
	}
	h.p = p
	h.encryptMeta = meta
	return nil
}

func (h *standardHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	if !h.authed {
		return nil, &pdferr.EncryptionError{Op: "decrypt", Err: pdferr.ErrLocked}
	}
	algo, err := h.algoFor(class, cryptFilter)
	if err != nil {
		return nil, err
	}
	if algo == algoNone || len(data) == 0 {
		return data, nil
	}
	key := objectKey(h.key, objNum, gen, algo)
	if algo == algoRC4 {
		return rc4Crypt(key, data)
	}
	return aesDecrypt(key, data)
}

func (h *standardHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return h.DecryptWithFilter(objNum, gen, data, class, "")
}

func (h *standardHandler) Encrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return h.EncryptWithFilter(objNum, gen, data, class, "")
}

func (h *standardHandler) EncryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	if !h.authed {
		return nil, &pdferr.EncryptionError{Op: "encrypt", Err: pdferr.ErrLocked}
	}
	algo, err := h.algoFor(class, cryptFilter)
	if err != nil {
		return nil, err
	}
	if algo == algoNone {
		return data, nil
	}
	key := objectKey(h.key, objNum, gen, algo)
	if algo == algoRC4 {
		return rc4Crypt(key, data)
	}
	return aesEncrypt(key, data)
}

func (h *standardHandler) algoFor(class DataClass, filter string) (cryptAlgo, error) {
	if class == DataClassMetadataStream && !h.encryptMeta {
		return algoNone, nil
	}
	switch filter {
	case "Identity":
		return algoNone, nil
	case "", "Standard":
		if class == DataClassString {
			return h.stringAlgo, nil
		}
		return h.streamAlgo, nil
	}
	if algo, ok := h.cryptFilters[filter]; ok {
		return algo, nil
	}
	return algoUnset, &pdferr.EncryptionError{Op: "crypt filter", Err: fmt.Errorf("crypt filter %s not defined", filter)}
}

func (h *standardHandler) Permissions() raw.Permissions { return permissionsFromP(h.p) }

func permissionsFromP(p int32) raw.Permissions {
	return raw.Permissions{
		Print:             p&(1<<2) != 0,
		Modify:            p&(1<<3) != 0,
		Copy:              p&(1<<4) != 0,
		ModifyAnnotations: p&(1<<5) != 0,
		FillForms:         p&(1<<8) != 0,
		ExtractAccessible: p&(1<<9) != 0,
		Assemble:          p&(1<<10) != 0,
		PrintHighQuality:  p&(1<<11) != 0,
	}
}

type noEncryptionHandler struct{}

func (noEncryptionHandler) IsEncrypted() bool                  { return false }
func (noEncryptionHandler) Authenticate(password string) error { return nil }
func (noEncryptionHandler) Authenticated() bool                { return true }
func (noEncryptionHandler) IsOwner() bool                      { return true }
func (noEncryptionHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) EncryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) Encrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) Permissions() raw.Permissions { return raw.AllPermissions() }
func (noEncryptionHandler) EncryptMetadata() bool        { return false }
func (noEncryptionHandler) Revision() int                { return 0 }

// NoopHandler returns a reusable pass-through encryption handler.
func NoopHandler() Handler { return noEncryptionHandler{} }

func parseCryptFilters(dict raw.Dictionary, base cryptAlgo) (map[string]cryptAlgo, error) {
	out := make(map[string]cryptAlgo)
	cfObj, ok := dict.Get("CF")
	if !ok {
		return out, nil
	}
	cfDict, ok := cfObj.(*raw.DictObj)
	if !ok {
		return nil, errors.New("CF must be a dictionary")
	}
	for _, name := range cfDict.Keys() {
		entry, ok := cfDict.KV[name].(*raw.DictObj)
		if !ok {
			return nil, errors.New("crypt filter entry must be a dictionary")
		}
		algo := base
		switch cfm := raw.DictName(entry, "CFM"); cfm {
		case "":
		case "V2":
			algo = algoRC4
		case "AESV2":
			algo = algoAES
		case "AESV3":
			algo = algoAES256
		case "None":
			algo = algoNone
		default:
			return nil, fmt.Errorf("unsupported crypt filter method %s", cfm)
		}
		out[name] = algo
	}
	return out, nil
}

func resolveCryptFilter(dict raw.Dictionary, key string, filters map[string]cryptAlgo) (cryptAlgo, error) {
	name := raw.DictName(dict, key)
	if name == "" || name == "Identity" {
		return algoNone, nil
	}
	if algo, ok := filters[name]; ok {
		return algo, nil
	}
	return algoUnset, fmt.Errorf("crypt filter %s not defined", name)
}
