package clover

import (
	"math"
)

// Remote-pay methods.
const (
	MethodPairingRequest      = "PAIRING_REQUEST"
	MethodPairingCode         = "PAIRING_CODE"
	MethodPairingResponse     = "PAIRING_RESPONSE"
	MethodTxStart             = "TX_START"
	MethodTxStartResponse     = "TX_START_RESPONSE"
	MethodFinishOK            = "FINISH_OK"
	MethodFinishCancel        = "FINISH_CANCEL"
	MethodRefund              = "REFUND"
	MethodRefundResponse      = "REFUND_RESPONSE"
	MethodVoidPayment         = "VOID_PAYMENT"
	MethodVoidPaymentResponse = "VOID_PAYMENT_RESPONSE"
	MethodBreak               = "BREAK"
	MethodAck                 = "ACK"
	MethodUIState             = "UI_STATE"
	MethodConfirmPayment      = "CONFIRM_PAYMENT"
	MethodPartialAuth         = "PARTIAL_AUTH"
	MethodTipAdjust           = "TIP_ADJUST"
)

// Pairing states reported in PAIRING_RESPONSE.
const (
	PairingStatePaired         = "PAIRED"
	PairingStateInitial        = "INITIAL"
	PairingStateFailed         = "FAILED"
	PairingStateAuthenticating = "AUTHENTICATING"
)

// Identity is how the bridge presents itself to the terminal.
type Identity struct {
	RemoteAppID  string
	PosName      string
	SerialNumber string
}

type pairingRequest struct {
	Method              string  `json:"method"`
	SerialNumber        string  `json:"serialNumber"`
	Name                string  `json:"name"`
	AuthenticationToken *string `json:"authenticationToken"`
}

// NewPairingRequest builds PAIRING_REQUEST, carrying the stored token when
// there is one.
func NewPairingRequest(identity Identity, authToken string) (*Envelope, error) {
	inner := pairingRequest{
		Method:       MethodPairingRequest,
		SerialNumber: orDefault(identity.SerialNumber, "CB-001"),
		Name:         orDefault(identity.PosName, "ERP Bridge"),
	}
	if authToken != "" {
		inner.AuthenticationToken = &authToken
	}
	payload, err := StringPayload(inner)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Method:              MethodPairingRequest,
		Payload:             payload,
		RemoteApplicationID: orDefault(identity.RemoteAppID, "clover-bridge"),
		RemoteSourceSDK:     SourceSDK,
		Version:             pairingVersion,
	}, nil
}

type TransactionSettings struct {
	CloverShouldHandleReceipts         bool   `json:"cloverShouldHandleReceipts"`
	DisableCashBack                    bool   `json:"disableCashBack"`
	ForcePinEntryOnSwipe               bool   `json:"forcePinEntryOnSwipe"`
	DisableRestartTransactionOnFailure bool   `json:"disableRestartTransactionOnFailure"`
	AllowOfflinePayment                bool   `json:"allowOfflinePayment"`
	ApproveOfflinePaymentWithoutPrompt bool   `json:"approveOfflinePaymentWithoutPrompt"`
	ForceOfflinePayment                bool   `json:"forceOfflinePayment"`
	SignatureThreshold                 *int64 `json:"signatureThreshold"`
	TipMode                            string `json:"tipMode"`
	DisableReceiptSelection            bool   `json:"disableReceiptSelection"`
	DisableDuplicateCheck              bool   `json:"disableDuplicateCheck"`
	AutoAcceptPaymentConfirmations     bool   `json:"autoAcceptPaymentConfirmations"`
	AutoAcceptSignature                bool   `json:"autoAcceptSignature"`
}

type PayIntent struct {
	Action                             string              `json:"action"`
	Amount                             int64               `json:"amount"`
	TipAmount                          int64               `json:"tipAmount"`
	TaxAmount                          int64               `json:"taxAmount"`
	OrderID                            *string             `json:"orderId"`
	PaymentID                          *string             `json:"paymentId"`
	EmployeeID                         *string             `json:"employeeId"`
	TransactionType                    string              `json:"transactionType"`
	IsDisableCashBack                  bool                `json:"isDisableCashBack"`
	IsTesting                          bool                `json:"isTesting"`
	IsCardNotPresent                   bool                `json:"isCardNotPresent"`
	IsForceSwipePinEntry               bool                `json:"isForceSwipePinEntry"`
	ExternalPaymentID                  string              `json:"externalPaymentId"`
	AllowOfflinePayment                bool                `json:"allowOfflinePayment"`
	ApproveOfflinePaymentWithoutPrompt bool                `json:"approveOfflinePaymentWithoutPrompt"`
	RequiresRemoteConfirmation         bool                `json:"requiresRemoteConfirmation"`
	AllowPartialAuth                   bool                `json:"allowPartialAuth"`
	RemotePrint                        bool                `json:"remotePrint"`
	TransactionSettings                TransactionSettings `json:"transactionSettings"`
}

type txStart struct {
	ID          string      `json:"id"`
	Method      string      `json:"method"`
	PayIntent   PayIntent   `json:"payIntent"`
	Order       interface{} `json:"order"`
	RequestInfo string      `json:"requestInfo"`
}

type refundRequest struct {
	ID         string  `json:"id"`
	Method     string  `json:"method"`
	Amount     int64   `json:"amount"`
	OrderID    *string `json:"orderId"`
	PaymentID  *string `json:"paymentId"`
	FullRefund bool    `json:"fullRefund"`
}

type voidPayment struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	Payment    voidPaymentTarget `json:"payment"`
	VoidReason string            `json:"voidReason"`
}

type voidPaymentTarget struct {
	ID    string     `json:"id"`
	Order *reference `json:"order,omitempty"`
}

type reference struct {
	ID string `json:"id"`
}

type breakRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
}

// ToCents converts a currency amount to minor units.
func ToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func newSale(identity Identity, id string, amount, tip float64, externalID string) (*Envelope, error) {
	inner := txStart{
		ID:     id,
		Method: MethodTxStart,
		PayIntent: PayIntent{
			Action:                             "com.clover.intent.action.PAY",
			Amount:                             ToCents(amount),
			TipAmount:                          ToCents(tip),
			TransactionType:                    "PAYMENT",
			ExternalPaymentID:                  externalID,
			AllowOfflinePayment:                true,
			ApproveOfflinePaymentWithoutPrompt: true,
			RequiresRemoteConfirmation:         true,
			TransactionSettings: TransactionSettings{
				AllowOfflinePayment:                true,
				ApproveOfflinePaymentWithoutPrompt: true,
				TipMode:                            "NO_TIP",
				AutoAcceptPaymentConfirmations:     true,
				AutoAcceptSignature:                true,
			},
		},
		RequestInfo: "SALE",
	}
	return transactionEnvelope(identity, MethodTxStart, inner)
}

func newRefund(identity Identity, id string, amount float64, paymentID, orderID string, full bool) (*Envelope, error) {
	inner := refundRequest{
		ID:         id,
		Method:     MethodRefund,
		Amount:     ToCents(amount),
		OrderID:    optional(orderID),
		PaymentID:  optional(paymentID),
		FullRefund: full,
	}
	return transactionEnvelope(identity, MethodRefund, inner)
}

func newVoid(identity Identity, id, paymentID, orderID string) (*Envelope, error) {
	target := voidPaymentTarget{ID: paymentID}
	if orderID != "" {
		target.Order = &reference{ID: orderID}
	}
	inner := voidPayment{
		ID:         id,
		Method:     MethodVoidPayment,
		Payment:    target,
		VoidReason: "USER_CANCEL",
	}
	return transactionEnvelope(identity, MethodVoidPayment, inner)
}

func newBreak(identity Identity, id string) (*Envelope, error) {
	return transactionEnvelope(identity, MethodBreak, breakRequest{ID: id, Method: MethodBreak})
}

func transactionEnvelope(identity Identity, method string, inner interface{}) (*Envelope, error) {
	payload, err := StringPayload(inner)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Method:              method,
		Payload:             payload,
		RemoteApplicationID: orDefault(identity.RemoteAppID, "clover-bridge"),
		RemoteSourceSDK:     SourceSDK,
		Version:             transactionVersion,
		Directed:            true,
		PackageName:         PackageName,
	}, nil
}

// PairingResponse is the decoded PAIRING_RESPONSE payload.
type PairingResponse struct {
	PairingState        string `json:"pairingState"`
	AuthenticationToken string `json:"authenticationToken"`
}

func DecodePairingResponse(p Payload) (PairingResponse, error) {
	var resp PairingResponse
	err := p.Decode(&resp)
	return resp, err
}

// DecodePairingCode reads pairingCode, falling back to code.
func DecodePairingCode(p Payload) string {
	var probe struct {
		PairingCode string `json:"pairingCode"`
		Code        string `json:"code"`
	}
	if err := p.Decode(&probe); err != nil {
		return ""
	}
	if probe.PairingCode != "" {
		return probe.PairingCode
	}
	return probe.Code
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
