// Package crypto implements the request-signing schemes of the supported
// trading venues. Each venue signs differently; the helpers here keep the
// hashing details out of the platform clients.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the credentials for HMAC-authenticated venue requests.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret (base64-encoded for Kraken, raw for Binance)
}

// BinanceSignature signs a Binance REST query string. Binance expects
// HMAC-SHA256(secret, queryString) hex-encoded, appended as the "signature"
// query parameter. The query string must already contain the timestamp.
func (h *HMACAuth) BinanceSignature(queryString string) string {
	return hmacSHA256Hex([]byte(h.Secret), queryString)
}

// BinanceTimestamp returns the current time in the millisecond epoch form
// Binance requires for signed endpoints.
func BinanceTimestamp() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// KrakenSignature signs a Kraken private REST request. Kraken expects
// base64(HMAC-SHA512(decodedSecret, path + SHA256(nonce + postData))), sent
// in the API-Sign header. The secret is base64-decoded before use.
func (h *HMACAuth) KrakenSignature(path, nonce, postData string) (string, error) {
	secretBytes, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		return "", fmt.Errorf("crypto: decode kraken secret: %w", err)
	}

	digest := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, secretBytes)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// KrakenNonce returns a strictly increasing nonce. Kraken rejects requests
// whose nonce is not greater than the last one seen for the key.
func KrakenNonce() string {
	return strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// result hex-encoded.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
