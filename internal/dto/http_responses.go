package dto

import (
	"fmt"
	"strconv"

	"github.com/wb-go/wbf/ginext"
)

// Request/response shapes mirror the wire contract the registration
// form and the M-Pesa callback already speak; field names are part of
// that contract and must not change.

type RegistrationData struct {
	Name              string `json:"name" validate:"required,min=3,max=255"`
	Email             string `json:"email" validate:"required,email"`
	ResidentChurch    string `json:"residentChurch" validate:"required"`
	Contact           string `json:"contact" validate:"required"`
	Position          string `json:"position" validate:"required"`
	AccommodationMode string `json:"accommodationMode" validate:"required"`
}

type InitiatePaymentRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,msisdn"`
	// Amount is what the form displayed to the attendee; the server-side
	// fee calculation stays authoritative.
	Amount           int              `json:"amount"`
	RegistrationData RegistrationData `json:"registrationData" validate:"required"`
}

type InitiatePaymentResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message,omitempty"`
	RegistrationID    int64  `json:"registrationId"`
	CheckoutRequestID string `json:"checkoutRequestId"`
}

type CheckStatusRequest struct {
	RegistrationID int64 `json:"registrationId" validate:"required"`
}

type StatusRegistrationData struct {
	Name              string `json:"name"`
	Email             string `json:"email"`
	Position          string `json:"position"`
	AccommodationMode string `json:"accommodationMode"`
	Amount            int    `json:"amount"`
}

type CheckStatusResponse struct {
	PaymentStatus    string                 `json:"paymentStatus"`
	TicketNumber     *string                `json:"ticketNumber"`
	MpesaReceipt     *string                `json:"mpesaReceipt"`
	RegistrationData StatusRegistrationData `json:"registrationData"`
}

// STK callback payload as the provider posts it.

type MpesaCallback struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// Value finds a metadata item by name. Item order within the list is
// unspecified by the provider.
func (m *CallbackMetadata) Value(name string) string {
	if m == nil {
		return ""
	}
	for _, item := range m.Item {
		if item.Name == name {
			return stringifyMetadataValue(item.Value)
		}
	}
	return ""
}

func stringifyMetadataValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; receipts and phone numbers
		// must not come out in exponent notation.
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Message handed to the notification worker when a ticket is issued.
type TicketIssuedMessage struct {
	RegistrationID int64  `json:"registration_id"`
	TicketNumber   string `json:"ticket_number"`
}

type InitiateErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type StatusErrorResponse struct {
	Error string `json:"error"`
}

func InitiateError(c *ginext.Context, status int, desc string) {
	c.JSON(status, InitiateErrorResponse{Success: false, Error: desc})
}

func StatusError(c *ginext.Context, status int, desc string) {
	c.JSON(status, StatusErrorResponse{Error: desc})
}
