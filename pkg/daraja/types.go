package daraja

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Provider result code pushed in callbacks / returned by the query endpoint.
// 0 means the payer authorised the charge; 1032 means the payer cancelled the
// STK prompt. Everything else is a failure.
const (
	ResultCodeSuccess   = 0
	ResultCodeCancelled = 1032
)

// Request-level error codes returned by the query endpoint (HTTP-level
// rejections, distinct from transaction result codes).
const (
	// ErrorCodeProcessing means the checkout request is still in flight and
	// should be queried again later.
	ErrorCodeProcessing = "500.001.1001"
)

// STKPushResponse is the provider's synchronous answer to an initiation
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// QueryResponse is the provider's answer to a status query
type QueryResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// MetadataItem is one entry of the provider's generic key/value metadata
// array carried in success callbacks.
type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// CallbackEnvelope mirrors the JSON body the provider POSTs to the callback
// URL: {"Body": {"stkCallback": {...}}}.
type CallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback is the inner callback payload
type StkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

// CallbackData holds the typed fields extracted from a metadata item list.
// Fields missing from the list are left at their zero value; unknown keys are
// ignored.
type CallbackData struct {
	Amount          float64
	ReceiptNumber   string
	PhoneNumber     string
	TransactionDate string
}

// ParseMetadata maps the provider's key/value metadata array onto typed fields
func ParseMetadata(items []MetadataItem) CallbackData {
	var data CallbackData
	for _, item := range items {
		switch item.Name {
		case "Amount":
			data.Amount = toFloat(item.Value)
		case "MpesaReceiptNumber":
			data.ReceiptNumber = toString(item.Value)
		case "PhoneNumber":
			data.PhoneNumber = toString(item.Value)
		case "TransactionDate":
			data.TransactionDate = toString(item.Value)
		}
	}
	return data
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// Phone numbers and dates arrive as JSON numbers
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}
