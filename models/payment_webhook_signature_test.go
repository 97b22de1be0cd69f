package models_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"bitbucket.org/fixmatehq/dispatch_backend/models"
)

func signWebhook(timestamp string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"event_type":"payment.captured","payment_reference":"ord_123","customer_id":"c1","amount":10000}`)
	timestamp := "1756400000"
	secret := "whsec_test"

	good := signWebhook(timestamp, body, secret)
	if !models.VerifyWebhookSignature(body, timestamp, good, secret) {
		t.Fatal("valid signature rejected")
	}

	if models.VerifyWebhookSignature(body, timestamp, good, "other_secret") {
		t.Fatal("signature accepted with wrong secret")
	}
	if models.VerifyWebhookSignature(body, "1756400001", good, secret) {
		t.Fatal("signature accepted with altered timestamp")
	}
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = '9'
	if models.VerifyWebhookSignature(tampered, timestamp, good, secret) {
		t.Fatal("signature accepted with altered body")
	}
	if models.VerifyWebhookSignature(body, timestamp, "", secret) {
		t.Fatal("empty signature accepted")
	}
	if models.VerifyWebhookSignature(body, timestamp, good, "") {
		t.Fatal("verification passed with empty secret")
	}
}
