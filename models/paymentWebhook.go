package models

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PaymentWebhookEvent records every gateway callback we receive, verified or
// not. The unique payment_reference + event_type pair is the idempotency key:
// gateways redeliver webhooks freely and each capture must credit exactly once.
type PaymentWebhookEvent struct {
	ID               int       `gorm:"primary_key" json:"id"`
	PaymentReference string    `gorm:"size:128;not null;uniqueIndex:idx_pwe_ref_event,priority:1" json:"payment_reference"`
	EventType        string    `gorm:"size:64;not null;uniqueIndex:idx_pwe_ref_event,priority:2" json:"event_type"`
	RequestId        string    `gorm:"size:64;index" json:"request_id"`
	CustomerId       string    `gorm:"size:64;index" json:"customer_id"`
	Amount           int64     `gorm:"not null" json:"amount"`
	RawPayload       []byte    `gorm:"type:blob" json:"-"`
	SignatureValid   bool      `gorm:"not null" json:"signature_valid"`
	ReceivedAt       time.Time `gorm:"not null" json:"received_at"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// VerifyWebhookSignature checks the gateway signature scheme: base64 of
// HMAC-SHA256 over timestamp concatenated with the raw request body.
func VerifyWebhookSignature(rawBody []byte, timestamp, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(rawBody)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// PaymentCapturePayload is the subset of the gateway's capture callback we
// act on. The gateway order is created against a request, so request_id is
// always present; customer_id is optional and resolved from the request when
// missing.
type PaymentCapturePayload struct {
	EventType        string `json:"event_type"`
	PaymentReference string `json:"payment_reference"`
	RequestId        string `json:"request_id"`
	CustomerId       string `json:"customer_id"`
	Amount           int64  `json:"amount"`
}

// ProcessPaymentCapture tops up the customer's available balance from a
// verified gateway capture. The webhook event row and the wallet credit commit
// together, so a redelivered webhook hits the duplicate-key path and changes
// nothing.
func ProcessPaymentCapture(ctx context.Context, rawBody []byte) (*PaymentWebhookEvent, error) {
	logger := config.GetLogger()

	var payload PaymentCapturePayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, err
	}
	if payload.PaymentReference == "" || (payload.CustomerId == "" && payload.RequestId == "") {
		return nil, ErrInvalidAmount
	}
	if payload.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	db := config.GetDB()

	customerId := payload.CustomerId
	if customerId == "" {
		if err := db.WithContext(ctx).Model(&ServiceRequest{}).
			Where("id = ?", payload.RequestId).
			Select("customer_id").Scan(&customerId).Error; err != nil {
			return nil, err
		}
		if customerId == "" {
			return nil, ErrRequestNotFound
		}
	}

	event := PaymentWebhookEvent{
		PaymentReference: payload.PaymentReference,
		EventType:        payload.EventType,
		RequestId:        payload.RequestId,
		CustomerId:       customerId,
		Amount:           payload.Amount,
		RawPayload:       rawBody,
		SignatureValid:   true,
		ReceivedAt:       time.Now().UTC(),
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(&event).Error; err != nil {
			if isDuplicateKeyErr(err) {
				// Redelivery: already credited, report the stored event.
				return tx.WithContext(ctx).
					Where("payment_reference = ? AND event_type = ?", payload.PaymentReference, payload.EventType).
					Take(&event).Error
			}
			return err
		}

		wallet, err := GetOrCreateWallet(tx, ctx, customerId, WalletOwnerCustomer)
		if err != nil {
			return err
		}
		if err := creditAvailable(tx, ctx, wallet.ID, payload.Amount); err != nil {
			return err
		}

		entries := []LedgerEntry{
			{AccountId: wallet.ID, Amount: payload.Amount, Direction: LedgerDirectionCredit, BalanceKind: BalanceKindAvailable, Memo: "payment capture " + payload.PaymentReference},
			{AccountId: wallet.ID, Amount: payload.Amount, Direction: LedgerDirectionDebit, BalanceKind: BalanceKindExternal, Memo: "payment capture " + payload.PaymentReference},
		}
		return appendLedgerEntries(tx, entries)
	})
	if err != nil {
		config.LogError(logger, "payment", "ProcessPaymentCapture", "capture failed",
			map[string]interface{}{"payment_reference": payload.PaymentReference}, err)
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"module":            "payment",
		"payment_reference": payload.PaymentReference,
		"request_id":        payload.RequestId,
		"customer_id":       customerId,
		"amount":            payload.Amount,
	}).Info("payment capture processed")
	return &event, nil
}

// RecordRejectedWebhook keeps an audit trail of callbacks that failed
// signature verification. Best effort; the caller still returns 401.
func RecordRejectedWebhook(ctx context.Context, rawBody []byte) {
	db := config.GetDB()
	var payload PaymentCapturePayload
	_ = json.Unmarshal(rawBody, &payload)
	reference := payload.PaymentReference
	if reference == "" {
		reference = "unknown-" + time.Now().UTC().Format(time.RFC3339Nano)
	}
	event := PaymentWebhookEvent{
		PaymentReference: reference,
		EventType:        "rejected",
		RequestId:        payload.RequestId,
		CustomerId:       payload.CustomerId,
		Amount:           payload.Amount,
		RawPayload:       rawBody,
		SignatureValid:   false,
		ReceivedAt:       time.Now().UTC(),
	}
	_ = db.WithContext(ctx).Create(&event).Error
}
