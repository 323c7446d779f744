// Package payloadcipher provides the transport-level encryption of JSON
// payload trees exchanged with relay clients.
//
// The scheme is constrained by client interoperability: mobile and web
// callers encrypt with fixed-key, fixed-IV AES-256-CBC, so the relay must
// speak exactly that. Values are encrypted leaf by leaf while the tree
// structure stays in the clear; non-string leaves are serialized to their
// canonical string form first, which makes encryption lossy with respect to
// JSON type. Decryption re-infers the original type from the recovered
// string.
package payloadcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Cipher performs symmetric payload encryption with a process-lifetime key.
type Cipher struct {
	block cipher.Block
	iv    []byte
}

var (
	intPattern   = regexp.MustCompile(`^-?(0|[1-9]\d*)$`)
	floatPattern = regexp.MustCompile(`^-?(0|[1-9]\d*)\.\d+([eE][+-]?\d+)?$`)
)

// New derives the AES-256 key from passphrase and the CBC IV from ivSeed.
func New(passphrase, ivSeed string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("payloadcipher: passphrase required")
	}
	if ivSeed == "" {
		return nil, fmt.Errorf("payloadcipher: iv seed required")
	}
	key := sha256.Sum256([]byte(passphrase))
	ivHash := sha256.Sum256([]byte(ivSeed))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("payloadcipher: %w", err)
	}
	return &Cipher{
		block: block,
		iv:    ivHash[:aes.BlockSize],
	}, nil
}

// EncryptString encrypts a single string value to base64 ciphertext.
func (c *Cipher) EncryptString(plaintext string) string {
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out)
}

// DecryptString reverses EncryptString.
func (c *Cipher) DecryptString(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("payloadcipher: decode: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("payloadcipher: ciphertext not block aligned")
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, raw)
	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// EncryptTree walks a decoded JSON value and encrypts every leaf. Maps and
// arrays keep their structure; string leaves are encrypted directly and all
// other leaves are serialized to their canonical string form first.
func (c *Cipher) EncryptTree(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = c.EncryptTree(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = c.EncryptTree(item)
		}
		return out
	case string:
		return c.EncryptString(v)
	case nil:
		return c.EncryptString("null")
	case bool:
		return c.EncryptString(strconv.FormatBool(v))
	case json.Number:
		return c.EncryptString(v.String())
	case float64:
		return c.EncryptString(strconv.FormatFloat(v, 'f', -1, 64))
	case int:
		return c.EncryptString(strconv.Itoa(v))
	case int64:
		return c.EncryptString(strconv.FormatInt(v, 10))
	case uint64:
		return c.EncryptString(strconv.FormatUint(v, 10))
	default:
		// Last resort for exotic leaves: JSON-serialize then encrypt.
		data, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return c.EncryptString(string(data))
	}
}

// DecryptTree is the inverse of EncryptTree. A leaf that fails to decrypt is
// returned unchanged: a ciphertext-shaped string that does not belong to us
// must not abort the whole request.
func (c *Cipher) DecryptTree(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = c.DecryptTree(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = c.DecryptTree(item)
		}
		return out
	case string:
		plain, err := c.DecryptString(v)
		if err != nil {
			return v
		}
		return recoverValue(plain)
	default:
		return v
	}
}

// recoverValue re-infers the JSON type the encryption step flattened away.
func recoverValue(s string) any {
	switch s {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if intPattern.MatchString(s) || floatPattern.MatchString(s) {
		return json.Number(s)
	}
	return s
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padding)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padding)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("payloadcipher: invalid padded length %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("payloadcipher: invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("payloadcipher: invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
