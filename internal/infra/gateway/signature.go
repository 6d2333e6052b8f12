package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"settlement/internal/domain/apperr"
)

// 生のpayloadに対するHMAC-SHA256（hex）を定数時間で比較する。
// 空のsecret・署名は常に拒否。
func VerifySignature(payload []byte, signature, secret string) error {
	if secret == "" {
		return &apperr.SignatureVerificationError{Reason: "webhook secret not configured"}
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return &apperr.SignatureVerificationError{Reason: "missing signature"}
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return &apperr.SignatureVerificationError{Reason: "malformed signature"}
	}
	if !hmac.Equal(got, Sign(payload, secret)) {
		return &apperr.SignatureVerificationError{Reason: "signature mismatch"}
	}
	return nil
}

func Sign(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// テストや送信側シミュレーション用
func SignHex(payload []byte, secret string) string {
	return hex.EncodeToString(Sign(payload, secret))
}
