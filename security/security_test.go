package security

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfcore/ir/raw"
	"github.com/wudi/pdfcore/pdferr"
)

func TestStandardRC4RoundTrip(t *testing.T) {
	owner := raw.StringObj{Bytes: bytes.Repeat([]byte("o"), 32)}
	fileID := []byte("fileid0")
	pVal := int32(-4)

	key := deriveKey([]byte(""), owner.Value(), pVal, fileID, 5, 2, true)
	user := rc4Simple(key, passwordPadding)

	enc := raw.Dict()
	enc.Set("Filter", raw.NameLiteral("Standard"))
	enc.Set("V", raw.NumberInt(1))
	enc.Set("R", raw.NumberInt(2))
	enc.Set("Length", raw.NumberInt(40))
	enc.Set("O", owner)
	enc.Set("U", raw.StringObj{Bytes: user})
	enc.Set("P", raw.NumberInt(int64(pVal)))

	h, err := (&HandlerBuilder{}).WithEncryptDict(enc).WithFileID(fileID).Build()
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	if err := h.Authenticate(""); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	plain := []byte("secret data")
	encData, err := h.Encrypt(5, 0, plain, DataClassString)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	decData, err := h.Decrypt(5, 0, encData, DataClassString)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(decData) != string(plain) {
		t.Fatalf("roundtrip mismatch: got %q want %q", decData, plain)
	}
}

func reopen(t *testing.T, enc *raw.DictObj, fileID []byte) Handler {
	t.Helper()
	trailer := raw.Dict()
	trailer.Set("ID", raw.NewArray(raw.HexStr(fileID), raw.HexStr(fileID)))
	h, err := (&HandlerBuilder{}).WithEncryptDict(enc).WithTrailer(trailer).Build()
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	return h
}

func TestBuildAndAuthenticateAllAlgorithms(t *testing.T) {
	perms := raw.Permissions{Print: true, Copy: true}
	for _, algo := range []Algorithm{RC4_40, RC4_128, AES_128, AES_256} {
		t.Run(algo.String(), func(t *testing.T) {
			fileID := NewFileID()
			enc, writerHandler, err := BuildStandardEncryption(EncryptionOptions{
				UserPassword:    "user",
				OwnerPassword:   "owner",
				Permissions:     perms,
				Algorithm:       algo,
				EncryptMetadata: true,
			}, fileID)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			payload := []byte("BT /F1 12 Tf (Hello) Tj ET")
			cipherText, err := writerHandler.Encrypt(4, 0, payload, DataClassStream)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			if bytes.Equal(cipherText, payload) {
				t.Fatalf("payload was not encrypted")
			}

			h := reopen(t, enc, fileID)
			if _, err := h.Decrypt(4, 0, cipherText, DataClassStream); !errors.Is(err, pdferr.ErrLocked) {
				t.Fatalf("decrypt before authentication should fail with ErrLocked, got %v", err)
			}
			var authErr *pdferr.AuthError
			if err := h.Authenticate("wrong"); !errors.As(err, &authErr) {
				t.Fatalf("expected AuthError for wrong password, got %v", err)
			}
			if err := h.Authenticate("user"); err != nil {
				t.Fatalf("user password: %v", err)
			}
			if h.IsOwner() {
				t.Fatalf("user password must not grant owner access")
			}
			got, err := h.Decrypt(4, 0, cipherText, DataClassStream)
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("decrypted %q", got)
			}
			if diff := cmp.Diff(perms, h.Permissions()); diff != "" {
				t.Fatalf("permissions mismatch (-want +got):\n%s", diff)
			}

			owner := reopen(t, enc, fileID)
			if err := owner.Authenticate("owner"); err != nil {
				t.Fatalf("owner password: %v", err)
			}
			if !owner.IsOwner() {
				t.Fatalf("owner password should grant owner access")
			}
			if got, _ := owner.Decrypt(4, 0, cipherText, DataClassStream); !bytes.Equal(got, payload) {
				t.Fatalf("owner decrypt mismatch: %q", got)
			}
		})
	}
}

func TestEmptyUserPasswordOpensWithoutPrompt(t *testing.T) {
	fileID := []byte("0123456789abcdef")
	enc, _, err := BuildStandardEncryption(EncryptionOptions{OwnerPassword: "secret", Algorithm: AES_128}, fileID)
	if err != nil {
		t.Fatal(err)
	}
	h := reopen(t, enc, fileID)
	if err := h.Authenticate(""); err != nil {
		t.Fatalf("empty user password: %v", err)
	}
	if h.EncryptMetadata() {
		t.Fatalf("EncryptMetadata false should survive the round trip")
	}
	data := []byte("<x:xmpmeta/>")
	out, err := h.Decrypt(9, 0, data, DataClassMetadataStream)
	if err != nil || !bytes.Equal(out, data) {
		t.Fatalf("unencrypted metadata must pass through, got %q %v", out, err)
	}
}

func TestAES256PasswordIsSASLprepped(t *testing.T) {
	fileID := NewFileID()
	// U+00AD SOFT HYPHEN is mapped to nothing by SASLprep
	enc, _, err := BuildStandardEncryption(EncryptionOptions{UserPassword: "I\u00adX", Algorithm: AES_256}, fileID)
	if err != nil {
		t.Fatal(err)
	}
	h := reopen(t, enc, fileID)
	if err := h.Authenticate("IX"); err != nil {
		t.Fatalf("normalized password should authenticate: %v", err)
	}
}

func TestHash2BRevision5IsSHA256(t *testing.T) {
	a := hash2B([]byte("pw"), []byte("saltsalt"), nil, 5)
	b := hash2B([]byte("pw"), []byte("saltsalt"), nil, 5)
	if len(a) != 32 || !bytes.Equal(a, b) {
		t.Fatalf("hash must be deterministic and 32 bytes")
	}
	if bytes.Equal(a, hash2B([]byte("pw"), []byte("saltsalt"), nil, 6)) {
		t.Fatalf("revision 6 must differ from plain SHA-256")
	}
}

func TestUnsupportedHandler(t *testing.T) {
	enc := raw.Dict()
	enc.Set("Filter", raw.NameLiteral("Adobe.PubSec"))
	_, err := (&HandlerBuilder{}).WithEncryptDict(enc).Build()
	var encErr *pdferr.EncryptionError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected EncryptionError, got %v", err)
	}
}

func TestPermissionsValue(t *testing.T) {
	p := PermissionsValue(raw.AllPermissions())
	if diff := cmp.Diff(raw.AllPermissions(), permissionsFromP(p)); diff != "" {
		t.Fatalf("round trip mismatch:\n%s", diff)
	}
	if PermissionsValue(raw.Permissions{})&(1<<2) != 0 {
		t.Fatalf("print bit should be cleared")
	}
}
