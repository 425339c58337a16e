package transaction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Terminal methods that settle a sale.
const (
	MethodFinishOK     = "FINISH_OK"
	MethodFinishCancel = "FINISH_CANCEL"
)

const noPayloadReason = "No payload received"

// ProviderResult is what a provider hands back to the orchestrator.
// Terminal results carry the settling method and raw payload; QR results carry
// the fetched payment. Err is set when the round trip itself failed.
type ProviderResult struct {
	Provider string
	Method   string
	Payload  json.RawMessage
	QR       *QRPayment
	Err      error
}

// QRPayment is the subset of a wallet payment the mapper needs.
type QRPayment struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
	DateApproved      string
}

// Outcome is a normalized provider result.
type Outcome struct {
	Status  Status
	Reason  string
	Payment *PaymentInfo
	QR      *QRPayment
}

// Map classifies a provider result.
func Map(r ProviderResult) Outcome {
	if r.QR != nil {
		return MapQR(*r.QR)
	}
	if r.Err != nil {
		reason := r.Err.Error()
		return Outcome{Status: Classify(reason), Reason: reason}
	}
	return MapTerminal(r.Method, r.Payload)
}

// MapQR turns a wallet payment into an outcome.
func MapQR(p QRPayment) Outcome {
	if p.Status == "approved" {
		return Outcome{Status: StatusSuccessful, Reason: p.StatusDetail, QR: &p}
	}
	reason := p.StatusDetail
	if reason == "" {
		reason = p.Status
	}
	return Outcome{Status: StatusFailed, Reason: reason, QR: &p}
}

// MapTerminal classifies a terminal message and extracts its payment.
func MapTerminal(method string, payload []byte) Outcome {
	doc := decodeDocument(payload)
	if doc == nil {
		switch method {
		case MethodFinishCancel:
			return Outcome{Status: StatusCancelled, Reason: "cancel"}
		case MethodFinishOK:
			return Outcome{Status: StatusSuccessful}
		}
		return Outcome{Status: StatusFailed, Reason: noPayloadReason}
	}

	payment := paymentObject(doc)

	success := method == MethodFinishOK
	cancelled := method == MethodFinishCancel
	if !success && !cancelled {
		success = isSuccess(stringField(payment, "result")) ||
			isSuccess(stringField(doc, "result")) ||
			isSuccess(stringField(doc, "txState"))
	}

	reason := stringField(doc, "reason")
	if reason == "" {
		reason = stringField(doc, "message")
	}

	out := Outcome{Reason: reason}
	switch {
	case success:
		out.Status = StatusSuccessful
	case cancelled:
		out.Status = StatusCancelled
	default:
		out.Status = Classify(reason)
	}

	if payment != nil {
		out.Payment = ExtractPayment(payment)
	} else if id := stringField(doc, "id"); id != "" && success {
		out.Payment = &PaymentInfo{PaymentID: id}
	}
	if out.Payment != nil && out.Payment.ExternalPaymentID == "" {
		out.Payment.ExternalPaymentID = stringField(doc, "externalPaymentId")
	}
	return out
}

// Classify maps a free-text failure reason onto a terminal status.
func Classify(reason string) Status {
	r := strings.ToLower(reason)
	switch {
	case r == "":
		return StatusFailed
	case strings.Contains(r, "cancel"):
		return StatusCancelled
	case strings.Contains(r, "timeout"):
		return StatusTimeout
	case strings.Contains(r, "insufficient"), strings.Contains(r, "declined"),
		strings.Contains(r, "denied"), strings.Contains(r, "funds"), strings.Contains(r, "reject"):
		return StatusInsufficientFunds
	}
	return StatusFailed
}

// ExtractPayment reads the terminal payment object.
func ExtractPayment(p map[string]interface{}) *PaymentInfo {
	info := &PaymentInfo{
		PaymentID:         stringField(p, "id"),
		PaymentNote:       stringField(p, "note"),
		ExternalPaymentID: stringField(p, "externalPaymentId"),
	}
	if order := objectField(p, "order"); order != nil {
		info.OrderID = stringField(order, "id")
	}
	if cents, ok := numberField(p, "amount"); ok {
		info.TotalAmount = cents / 100
	}
	if cents, ok := numberField(p, "tipAmount"); ok {
		tip := cents / 100
		info.Tip = &tip
	}
	if ct := objectField(p, "cardTransaction"); ct != nil {
		info.CardBrand = stringField(ct, "cardType")
		info.CardLast4 = stringField(ct, "last4")
		info.CardFirst6 = stringField(ct, "first6")
		info.AuthCode = stringField(ct, "authCode")
		info.EntryType = stringField(ct, "entryType")
		info.CardType = stringField(ct, "type")
		info.ReferenceID = stringField(ct, "referenceId")
		info.TransactionNo = stringField(ct, "transactionNo")
		info.Currency = strings.ToUpper(stringField(ct, "currency"))
	}
	if ti := objectField(p, "transactionInfo"); ti != nil {
		info.PaymentMethod = stringField(ti, "cardTypeLabel")
		if et := stringField(ti, "entryType"); et != "" {
			info.EntryType = et
		}
	}
	if tender := objectField(p, "tender"); tender != nil {
		info.TenderLabel = stringField(tender, "labelKey")
	}
	if device := objectField(p, "device"); device != nil {
		info.DeviceID = stringField(device, "id")
	}
	if merchant := objectField(p, "merchant"); merchant != nil {
		info.MerchantID = stringField(merchant, "id")
	}
	if employee := objectField(p, "employee"); employee != nil {
		info.EmployeeID = stringField(employee, "id")
	}
	if ms, ok := numberField(p, "createdTime"); ok && ms > 0 {
		t := time.UnixMilli(int64(ms)).UTC()
		info.TransactionTime = &t
	}
	return info
}

// ApplyOutcome writes a mapped outcome into the file: status, payment data,
// error fields and the matching log entry.
func (f *File) ApplyOutcome(o Outcome) {
	if f.Provider == ProviderQR {
		f.applyQR(o)
		return
	}

	if o.Status == StatusSuccessful {
		if o.Payment != nil {
			f.PaymentInfo = o.Payment
			f.AddLog(LogPaymentSuccess, "Payment approved", fmt.Sprintf("PaymentId: %s, AuthCode: %s, Method: %s",
				orNA(o.Payment.PaymentID), orNA(o.Payment.AuthCode), orNA(o.Payment.PaymentMethod)))
		} else {
			f.AddLog(LogPaymentSuccess, "Payment approved (no details)", "")
		}
		f.SetStatus(StatusSuccessful)
		return
	}

	if o.Payment != nil {
		f.PaymentInfo = o.Payment
	}
	reason := strings.ToLower(o.Reason)
	switch o.Status {
	case StatusCancelled:
		f.ErrorMessage = "Transaction cancelled by user"
		f.AddLog(LogCancelled, "Transaction cancelled", reason)
	case StatusTimeout:
		f.ErrorMessage = "Timeout - no response from terminal"
		f.AddLog(LogTimeout, "Terminal timeout", reason)
	case StatusInsufficientFunds:
		f.ErrorMessage = "Insufficient funds or card declined"
		f.AddLog(LogInsufficientFunds, "Insufficient funds", reason)
	default:
		if reason == "" || reason == strings.ToLower(noPayloadReason) {
			f.ErrorMessage = "No response from terminal"
			f.AddLog(LogFailed, "No response from terminal", "No payload received from terminal")
		} else {
			f.ErrorMessage = o.Reason
			f.AddLog(LogFailed, "Transaction failed", reason)
		}
	}
	f.ErrorCode = o.Reason
	f.SetStatus(o.Status)
}

func (f *File) applyQR(o Outcome) {
	if o.Status == StatusSuccessful && o.QR != nil {
		if f.PaymentInfo == nil {
			f.PaymentInfo = &PaymentInfo{}
		}
		f.PaymentInfo.PaymentID = o.QR.ID
		f.PaymentInfo.TotalAmount = f.Amount
		f.PaymentInfo.Currency = f.Currency
		approved := o.QR.DateApproved
		if approved == "" {
			approved = time.Now().UTC().Format(time.RFC3339)
		}
		f.PaymentInfo.MP = &MPDetail{
			PaymentID:    o.QR.ID,
			Status:       "approved",
			StatusDetail: o.QR.StatusDetail,
			DateApproved: approved,
		}
		f.TransactionID = o.QR.ID
		f.AddLog(LogMPPaid, "Payment approved in Mercado Pago", "ID: "+o.QR.ID)
		f.SetStatus(StatusSuccessful)
		return
	}

	f.ErrorMessage = "Payment rejected or failed in Mercado Pago"
	if o.QR == nil && o.Reason != "" {
		f.ErrorMessage = o.Reason
	}
	f.ErrorCode = o.Reason
	f.AddLog(LogMPFailed, "Payment not approved", o.Reason)
	if o.QR == nil && o.Status.IsTerminal() {
		f.SetStatus(o.Status)
		return
	}
	f.SetStatus(StatusFailed)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func isSuccess(s string) bool {
	return strings.EqualFold(s, "SUCCESS")
}

// decodeDocument parses a payload that may be an object or a JSON string
// holding an object.
func decodeDocument(payload []byte) map[string]interface{} {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return asObject(v)
}

func asObject(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return t
	case string:
		return decodeDocument([]byte(t))
	}
	return nil
}

// paymentObject finds the payment in payload.payment or, failing that, the
// payload itself when it looks like a payment.
func paymentObject(doc map[string]interface{}) map[string]interface{} {
	if p := asObject(doc["payment"]); p != nil {
		return p
	}
	if _, hasID := doc["id"]; hasID {
		if _, hasCard := doc["cardTransaction"]; hasCard {
			return doc
		}
	}
	return nil
}

func objectField(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	return asObject(m[key])
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func numberField(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
