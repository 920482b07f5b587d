package voucher_test

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aronjanosch/audible-web-downloader/internal/services"
	"github.com/aronjanosch/audible-web-downloader/internal/voucher"
)

var testIdentity = voucher.Identity{
	DeviceType:   "A2CZJZGLK2JJVM",
	DeviceSerial: "b0e1a2c3d4e5f60718293a4b5c6d7e8f",
	CustomerID:   "amzn1.account.TESTCUSTOMER",
}

const testASIN = "B004G8QZL4"

// encrypt builds a voucher the way the license service does: AES-128-CBC with
// key/iv taken from the SHA-256 digest of deviceType+deviceSerial+customerID+asin.
func encrypt(t *testing.T, payload []byte, id voucher.Identity, asin string) string {
	t.Helper()
	digest := sha256.Sum256([]byte(id.DeviceType + id.DeviceSerial + id.CustomerID + asin))
	block, err := aes.NewCipher(digest[:16])
	if err != nil {
		t.Fatal(err)
	}
	pad := aes.BlockSize - len(payload)%aes.BlockSize
	padded := make([]byte, len(payload)+pad)
	copy(padded, payload)
	for i := len(payload); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, digest[16:]).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out)
}

func TestDecryptRecoversMaterial(t *testing.T) {
	payload := []byte(`{"key":"0011223344556677889900aabbccddee","iv":"ffeeddccbbaa00998877665544332211","rules":[]}`)
	encrypted := encrypt(t, payload, testIdentity, testASIN)

	material, err := voucher.Decrypt(encrypted, testIdentity, testASIN)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if material.Key != "0011223344556677889900aabbccddee" {
		t.Fatalf("unexpected key: %q", material.Key)
	}
	if material.IV != "ffeeddccbbaa00998877665544332211" {
		t.Fatalf("unexpected iv: %q", material.IV)
	}
}

func TestDecryptWrongIdentityIsCorrupt(t *testing.T) {
	payload := []byte(`{"key":"aa","iv":"bb"}`)
	encrypted := encrypt(t, payload, testIdentity, testASIN)

	other := testIdentity
	other.DeviceSerial = "different-serial"
	_, err := voucher.Decrypt(encrypted, other, testASIN)
	if err == nil {
		t.Fatal("expected error for mismatched identity")
	}
	if !errors.Is(err, services.ErrCorruptVoucher) {
		t.Fatalf("expected corrupt voucher classification, got %v", err)
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"not base64":      "!!!not-base64!!!",
		"empty":           "",
		"short of blocks": base64.StdEncoding.EncodeToString([]byte("abc")),
	}
	for name, input := range cases {
		if _, err := voucher.Decrypt(input, testIdentity, testASIN); !errors.Is(err, services.ErrCorruptVoucher) {
			t.Errorf("%s: expected corrupt voucher, got %v", name, err)
		}
	}
}

func TestDecryptMissingFieldsIsCorrupt(t *testing.T) {
	payload := []byte(`{"key":"only-key"}`)
	encrypted := encrypt(t, payload, testIdentity, testASIN)
	if _, err := voucher.Decrypt(encrypted, testIdentity, testASIN); !errors.Is(err, services.ErrCorruptVoucher) {
		t.Fatalf("expected corrupt voucher for missing iv, got %v", err)
	}
}
