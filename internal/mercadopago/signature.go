package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingSignature = errors.New("missing x-signature header")
	ErrInvalidSignature = errors.New("invalid x-signature")
)

// ParseSignatureHeader splits "ts=<unix>,v1=<hex>" into its parts.
func ParseSignatureHeader(header string) (ts, v1 string, err error) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return "", "", ErrInvalidSignature
	}
	return ts, v1, nil
}

// Manifest builds the signed template. Parts with no value are left out.
func Manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	if ts != "" {
		b.WriteString("ts:" + ts + ";")
	}
	return b.String()
}

// Sign returns the hex HMAC-SHA256 of the manifest.
func Sign(secret, dataID, requestID, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Manifest(dataID, requestID, ts)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the x-signature header of a webhook delivery.
func VerifySignature(secret, header, requestID, dataID string) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}
	ts, v1, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}

	got, err := hex.DecodeString(strings.ToLower(v1))
	if err != nil {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(Sign(secret, dataID, requestID, ts))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}
