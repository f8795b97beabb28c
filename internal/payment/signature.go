// internal/payment/signature.go
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// PaymentSignature is the hex HMAC-SHA256 the gateway returns to the
// checkout client for orderID|paymentID.
func PaymentSignature(secret, orderID, paymentID string) string {
	return sign(secret, []byte(orderID+"|"+paymentID))
}

// VerifyPaymentSignature compares signature against the expected value in
// constant time.
func VerifyPaymentSignature(secret, orderID, paymentID, signature string) bool {
	return equalHex(PaymentSignature(secret, orderID, paymentID), signature)
}

// WebhookSignature is the hex HMAC-SHA256 of a raw webhook body.
func WebhookSignature(secret string, body []byte) string {
	return sign(secret, body)
}

func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	return equalHex(WebhookSignature(secret, body), signature)
}

func sign(secret string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func equalHex(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(got))
}
