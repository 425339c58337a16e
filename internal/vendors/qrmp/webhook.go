package qrmp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrNotPaymentHook = errors.New("not a payment notification")
)

// Notification is the webhook body. Older integrations send topic and id as
// query parameters instead.
type Notification struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// UnmarshalJSON accepts data.id as either a number or a string.
func (n *Notification) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type   string `json:"type"`
		Action string `json:"action"`
		Data   struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	n.Type, n.Action = raw.Type, raw.Action
	if id := string(raw.Data.ID); id != "null" {
		n.Data.ID = strings.Trim(id, `"`)
	}
	return nil
}

// PaymentID extracts the payment id from a webhook call.
func PaymentID(body []byte, query url.Values) (string, error) {
	topic := query.Get("type")
	if topic == "" {
		topic = query.Get("topic")
	}
	id := query.Get("data.id")
	if id == "" {
		id = query.Get("id")
	}

	if len(strings.TrimSpace(string(body))) > 0 {
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			return "", fmt.Errorf("invalid webhook body: %w", err)
		}
		if n.Type != "" {
			topic = n.Type
		} else if strings.HasPrefix(n.Action, "payment.") {
			topic = "payment"
		}
		if n.Data.ID != "" {
			id = n.Data.ID
		}
	}

	if topic != "payment" {
		return "", fmt.Errorf("%w: %q", ErrNotPaymentHook, topic)
	}
	if id == "" {
		return "", fmt.Errorf("payment notification without id")
	}
	return id, nil
}

// VerifySignature checks an x-signature header ("ts=...,v1=...") against the
// HMAC-SHA256 of the manifest "id:<dataID>;request-id:<requestID>;ts:<ts>;".
// An empty secret disables the check.
func VerifySignature(secret, header, requestID, dataID string) error {
	if secret == "" {
		return nil
	}
	if header == "" {
		return fmt.Errorf("%w: missing x-signature", ErrBadSignature)
	}

	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	if ts == "" || v1 == "" {
		return fmt.Errorf("%w: malformed x-signature", ErrBadSignature)
	}

	expected, err := hex.DecodeString(v1)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureManifest(dataID, requestID, ts)))
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces a header VerifySignature accepts. Used by tests and the
// integration utility.
func Sign(secret, requestID, dataID, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureManifest(dataID, requestID, ts)))
	return "ts=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func signatureManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}
