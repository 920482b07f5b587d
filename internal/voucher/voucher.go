// Package voucher recovers per-item decryption material from the encrypted
// license voucher returned with a license response.
//
// The voucher is AES-128-CBC encrypted with a key and IV derived from the
// account's device identity. The decrypted payload is a JSON document carrying
// the content key and IV for the downloaded audio. Decryption material only
// ever lives in memory; it is never logged or persisted.
package voucher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aronjanosch/audible-web-downloader/internal/services"
)

// Material holds the per-item content key and IV as hex strings.
type Material struct {
	Key string `json:"key"`
	IV  string `json:"iv"`
}

// Identity is the device-bound account identity the derivation binds to.
type Identity struct {
	DeviceType   string
	DeviceSerial string
	CustomerID   string
}

// Decrypt recovers the content key and IV from a base64-encoded voucher.
// Any failure along the way (bad base64, wrong identity, malformed payload)
// is classified as a corrupt voucher, which the pipeline treats as terminal.
func Decrypt(encrypted string, id Identity, asin string) (Material, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encrypted))
	if err != nil {
		return Material{}, services.Wrap(services.ErrCorruptVoucher, "decrypting", "decode", "voucher is not valid base64", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return Material{}, services.Wrap(services.ErrCorruptVoucher, "decrypting", "decode",
			fmt.Sprintf("voucher length %d is not a multiple of the cipher block size", len(raw)), nil)
	}

	key, iv := deriveKeyIV(id, asin)
	block, err := aes.NewCipher(key)
	if err != nil {
		return Material{}, services.Wrap(services.ErrCorruptVoucher, "decrypting", "cipher", "initialize cipher", err)
	}

	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, raw)

	// The payload carries padding and trailing garbage past the JSON object.
	// Cut at the last closing brace before decoding.
	end := bytes.LastIndexByte(plain, '}')
	if end < 0 {
		return Material{}, services.Wrap(services.ErrCorruptVoucher, "decrypting", "parse", "no JSON object in decrypted voucher", nil)
	}
	payload := plain[:end+1]

	var material Material
	if err := json.Unmarshal(payload, &material); err != nil {
		return Material{}, services.Wrap(services.ErrCorruptVoucher, "decrypting", "parse", "decrypted voucher is not valid JSON", err)
	}
	if material.Key == "" || material.IV == "" {
		return Material{}, services.Wrap(services.ErrCorruptVoucher, "decrypting", "parse", "voucher payload missing key or iv", nil)
	}
	return material, nil
}

// deriveKeyIV builds the voucher cipher key and IV from the SHA-256 digest of
// the device identity concatenated with the item ASIN. The first 16 digest
// bytes are the key, the next 16 the IV.
func deriveKeyIV(id Identity, asin string) (key, iv []byte) {
	digest := sha256.Sum256([]byte(id.DeviceType + id.DeviceSerial + id.CustomerID + asin))
	return digest[:16], digest[16:]
}
