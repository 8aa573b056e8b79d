package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/ginext"

	"bdcreg/internal/dto"
	"bdcreg/internal/model"
	"bdcreg/internal/mpesa"
	"bdcreg/internal/repo"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) CreatePending(ctx context.Context, reg *model.Registration) (int64, error) {
	args := m.Called(ctx, reg)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRepo) AttachCheckoutRequest(ctx context.Context, id int64, checkoutRequestID, merchantRequestID string) error {
	args := m.Called(ctx, id, checkoutRequestID, merchantRequestID)
	return args.Error(0)
}

func (m *mockRepo) GetByID(ctx context.Context, id int64) (*model.Registration, error) {
	args := m.Called(ctx, id)
	if reg := args.Get(0); reg != nil {
		return reg.(*model.Registration), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*model.Registration, error) {
	args := m.Called(ctx, checkoutRequestID)
	if reg := args.Get(0); reg != nil {
		return reg.(*model.Registration), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) MarkCompleted(ctx context.Context, checkoutRequestID, receipt, paymentPhone, transactionDate, ticketNumber string) (bool, error) {
	args := m.Called(ctx, checkoutRequestID, receipt, paymentPhone, transactionDate, ticketNumber)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) MarkFailed(ctx context.Context, checkoutRequestID, reason string) (bool, error) {
	args := m.Called(ctx, checkoutRequestID, reason)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepo) MigrateUp(migrationsDir string) error {
	return m.Called(migrationsDir).Error(0)
}

func (m *mockRepo) MigrateDown(migrationsDir string) error {
	return m.Called(migrationsDir).Error(0)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) STKPush(ctx context.Context, phone string, amount int, accountReference, description string) (*mpesa.STKPushResult, error) {
	args := m.Called(ctx, phone, amount, accountReference, description)
	if res := args.Get(0); res != nil {
		return res.(*mpesa.STKPushResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Publish(message []byte) error {
	return m.Called(message).Error(0)
}

func newService(r repo.Repository, g Gateway, n Notifier) Service {
	log := zerolog.Nop()
	return NewService(r, g, &log, n)
}

func newTestContext(body string) (*ginext.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func initiateBody(position, accommodation string) string {
	return `{
		"phoneNumber": "0712345678",
		"amount": 500,
		"registrationData": {
			"name": "Jane Wanjiku",
			"email": "jane@example.com",
			"residentChurch": "Grace Chapel",
			"contact": "0712345678",
			"position": "` + position + `",
			"accommodationMode": "` + accommodation + `"
		}
	}`
}

func TestInitiatePaymentSuccess(t *testing.T) {
	repoMock := new(mockRepo)
	gatewayMock := new(mockGateway)

	repoMock.On("CreatePending", mock.Anything, mock.MatchedBy(func(reg *model.Registration) bool {
		return reg.Amount == 500 && reg.Email == "jane@example.com"
	})).Return(int64(123), nil)
	gatewayMock.On("STKPush", mock.Anything, "0712345678", 500, "BDC2025-123", mock.Anything).
		Return(&mpesa.STKPushResult{
			MerchantRequestID: "m-1",
			CheckoutRequestID: "ws_CO_1",
			ResponseCode:      "0",
		}, nil)
	repoMock.On("AttachCheckoutRequest", mock.Anything, int64(123), "ws_CO_1", "m-1").Return(nil)

	svc := newService(repoMock, gatewayMock, nil)
	c, w := newTestContext(initiateBody("Delegate", "Day Scholar"))
	svc.InitiatePayment(c)

	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.InitiatePaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, int64(123), resp.RegistrationID)
	assert.Equal(t, "ws_CO_1", resp.CheckoutRequestID)

	repoMock.AssertExpectations(t)
	gatewayMock.AssertExpectations(t)
}

func TestInitiatePaymentBoarderFee(t *testing.T) {
	repoMock := new(mockRepo)
	gatewayMock := new(mockGateway)

	repoMock.On("CreatePending", mock.Anything, mock.MatchedBy(func(reg *model.Registration) bool {
		return reg.Amount == 1000
	})).Return(int64(8), nil)
	gatewayMock.On("STKPush", mock.Anything, "0712345678", 1000, "BDC2025-8", mock.Anything).
		Return(&mpesa.STKPushResult{CheckoutRequestID: "ws_CO_8", ResponseCode: "0"}, nil)
	repoMock.On("AttachCheckoutRequest", mock.Anything, int64(8), "ws_CO_8", "").Return(nil)

	svc := newService(repoMock, gatewayMock, nil)
	c, w := newTestContext(initiateBody("Delegate", "Boarder"))
	svc.InitiatePayment(c)

	assert.Equal(t, http.StatusOK, w.Code)
	gatewayMock.AssertExpectations(t)
}

func TestInitiatePaymentValidationFailure(t *testing.T) {
	repoMock := new(mockRepo)
	gatewayMock := new(mockGateway)

	svc := newService(repoMock, gatewayMock, nil)
	c, w := newTestContext(`{
		"phoneNumber": "0712345678",
		"registrationData": {
			"name": "Jane Wanjiku",
			"email": "not-an-email",
			"residentChurch": "Grace Chapel",
			"contact": "0712345678",
			"position": "Delegate",
			"accommodationMode": "Day Scholar"
		}
	}`)
	svc.InitiatePayment(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp dto.InitiateErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	repoMock.AssertNotCalled(t, "CreatePending", mock.Anything, mock.Anything)
	gatewayMock.AssertNotCalled(t, "STKPush", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiatePaymentInvalidPhone(t *testing.T) {
	repoMock := new(mockRepo)
	svc := newService(repoMock, new(mockGateway), nil)

	c, w := newTestContext(`{
		"phoneNumber": "12345",
		"registrationData": {
			"name": "Jane Wanjiku",
			"email": "jane@example.com",
			"residentChurch": "Grace Chapel",
			"contact": "0712345678",
			"position": "Delegate",
			"accommodationMode": "Day Scholar"
		}
	}`)
	svc.InitiatePayment(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	repoMock.AssertNotCalled(t, "CreatePending", mock.Anything, mock.Anything)
}

func TestInitiatePaymentGatewayRejected(t *testing.T) {
	repoMock := new(mockRepo)
	gatewayMock := new(mockGateway)

	repoMock.On("CreatePending", mock.Anything, mock.Anything).Return(int64(42), nil)
	gatewayMock.On("STKPush", mock.Anything, "0712345678", 500, "BDC2025-42", mock.Anything).
		Return(nil, &mpesa.RejectedError{Code: "1", Description: "Insufficient balance"})

	svc := newService(repoMock, gatewayMock, nil)
	c, w := newTestContext(initiateBody("Delegate", "Day Scholar"))
	svc.InitiatePayment(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp dto.InitiateErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Insufficient balance")

	// The pending row stays; no correlation identifiers exist to attach.
	repoMock.AssertNotCalled(t, "AttachCheckoutRequest", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiatePaymentDBError(t *testing.T) {
	repoMock := new(mockRepo)
	gatewayMock := new(mockGateway)

	repoMock.On("CreatePending", mock.Anything, mock.Anything).Return(int64(0), assert.AnError)

	svc := newService(repoMock, gatewayMock, nil)
	c, w := newTestContext(initiateBody("Delegate", "Day Scholar"))
	svc.InitiatePayment(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	gatewayMock.AssertNotCalled(t, "STKPush", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func callbackBody(checkoutRequestID string, resultCode int, resultDesc, metadata string) string {
	body := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "m-1",
				"CheckoutRequestID": "` + checkoutRequestID + `",
				"ResultCode": ` + jsonInt(resultCode) + `,
				"ResultDesc": "` + resultDesc + `"`
	if metadata != "" {
		body += `,
				"CallbackMetadata": ` + metadata
	}
	return body + `
			}
		}
	}`
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

const successMetadata = `{
	"Item": [
		{"Name": "Amount", "Value": 500},
		{"Name": "MpesaReceiptNumber", "Value": "QK12XYZ789"},
		{"Name": "TransactionDate", "Value": 20251123154500},
		{"Name": "PhoneNumber", "Value": 254712345678}
	]
}`

func pendingRegistration(id int64, checkoutRequestID string) *model.Registration {
	return &model.Registration{
		ID:                id,
		Name:              "Jane Wanjiku",
		Email:             "jane@example.com",
		Position:          "Delegate",
		AccommodationMode: "Day Scholar",
		Amount:            500,
		PaymentStatus:     model.PaymentStatusPending,
		CheckoutRequestID: &checkoutRequestID,
	}
}

func TestPaymentCallbackSuccess(t *testing.T) {
	repoMock := new(mockRepo)
	notifierMock := new(mockNotifier)

	repoMock.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").
		Return(pendingRegistration(7, "ws_CO_1"), nil)
	repoMock.On("MarkCompleted", mock.Anything, "ws_CO_1",
		"QK12XYZ789", "254712345678", "20251123154500", "BDC2025-000007").
		Return(true, nil)
	notifierMock.On("Publish", mock.MatchedBy(func(payload []byte) bool {
		var msg dto.TicketIssuedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return false
		}
		return msg.RegistrationID == 7 && msg.TicketNumber == "BDC2025-000007"
	})).Return(nil)

	svc := newService(repoMock, new(mockGateway), notifierMock)
	c, w := newTestContext(callbackBody("ws_CO_1", 0, "The service request is processed successfully.", successMetadata))
	svc.PaymentCallback(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	repoMock.AssertExpectations(t)
	notifierMock.AssertExpectations(t)
}

func TestPaymentCallbackUnknownCheckoutRequest(t *testing.T) {
	repoMock := new(mockRepo)

	repoMock.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_unknown").
		Return(nil, repo.ErrRegistrationNotFound)

	svc := newService(repoMock, new(mockGateway), nil)
	c, w := newTestContext(callbackBody("ws_CO_unknown", 0, "ok", successMetadata))
	svc.PaymentCallback(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Registration not found", w.Body.String())
	repoMock.AssertNotCalled(t, "MarkCompleted",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPaymentCallbackDuplicateDelivery(t *testing.T) {
	repoMock := new(mockRepo)

	reg := pendingRegistration(7, "ws_CO_1")
	reg.PaymentStatus = model.PaymentStatusCompleted
	repoMock.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").Return(reg, nil)

	svc := newService(repoMock, new(mockGateway), nil)
	c, w := newTestContext(callbackBody("ws_CO_1", 0, "ok", successMetadata))
	svc.PaymentCallback(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	repoMock.AssertNotCalled(t, "MarkCompleted",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPaymentCallbackConcurrentLoser(t *testing.T) {
	repoMock := new(mockRepo)
	notifierMock := new(mockNotifier)

	repoMock.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").
		Return(pendingRegistration(7, "ws_CO_1"), nil)
	repoMock.On("MarkCompleted", mock.Anything, "ws_CO_1",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, nil)

	svc := newService(repoMock, new(mockGateway), notifierMock)
	c, w := newTestContext(callbackBody("ws_CO_1", 0, "ok", successMetadata))
	svc.PaymentCallback(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	notifierMock.AssertNotCalled(t, "Publish", mock.Anything)
}

func TestPaymentCallbackFailure(t *testing.T) {
	repoMock := new(mockRepo)
	notifierMock := new(mockNotifier)

	repoMock.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").
		Return(pendingRegistration(7, "ws_CO_1"), nil)
	repoMock.On("MarkFailed", mock.Anything, "ws_CO_1", "Request cancelled by user").
		Return(true, nil)

	svc := newService(repoMock, new(mockGateway), notifierMock)
	c, w := newTestContext(callbackBody("ws_CO_1", 1032, "Request cancelled by user", ""))
	svc.PaymentCallback(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	repoMock.AssertExpectations(t)
	repoMock.AssertNotCalled(t, "MarkCompleted",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	notifierMock.AssertNotCalled(t, "Publish", mock.Anything)
}

func TestPaymentCallbackStoreError(t *testing.T) {
	repoMock := new(mockRepo)

	repoMock.On("GetByCheckoutRequestID", mock.Anything, "ws_CO_1").
		Return(pendingRegistration(7, "ws_CO_1"), nil)
	repoMock.On("MarkCompleted", mock.Anything, "ws_CO_1",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, assert.AnError)

	svc := newService(repoMock, new(mockGateway), nil)
	c, w := newTestContext(callbackBody("ws_CO_1", 0, "ok", successMetadata))
	svc.PaymentCallback(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCheckStatusCompleted(t *testing.T) {
	repoMock := new(mockRepo)

	ticket := "BDC2025-000007"
	receipt := "QK12XYZ789"
	reg := pendingRegistration(7, "ws_CO_1")
	reg.PaymentStatus = model.PaymentStatusCompleted
	reg.TicketNumber = &ticket
	reg.MpesaReceiptNumber = &receipt
	repoMock.On("GetByID", mock.Anything, int64(7)).Return(reg, nil)

	svc := newService(repoMock, new(mockGateway), nil)
	c, w := newTestContext(`{"registrationId": 7}`)
	svc.CheckStatus(c)

	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.CheckStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.PaymentStatus)
	require.NotNil(t, resp.TicketNumber)
	assert.Equal(t, ticket, *resp.TicketNumber)
	require.NotNil(t, resp.MpesaReceipt)
	assert.Equal(t, receipt, *resp.MpesaReceipt)
	assert.Equal(t, "Jane Wanjiku", resp.RegistrationData.Name)
	assert.Equal(t, 500, resp.RegistrationData.Amount)
}

func TestCheckStatusPendingHasNullTicket(t *testing.T) {
	repoMock := new(mockRepo)
	repoMock.On("GetByID", mock.Anything, int64(7)).Return(pendingRegistration(7, "ws_CO_1"), nil)

	svc := newService(repoMock, new(mockGateway), nil)
	c, w := newTestContext(`{"registrationId": 7}`)
	svc.CheckStatus(c)

	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Equal(t, "null", string(raw["ticketNumber"]))
	assert.Equal(t, "null", string(raw["mpesaReceipt"]))
	assert.Equal(t, `"pending"`, string(raw["paymentStatus"]))
}

func TestCheckStatusNotFound(t *testing.T) {
	repoMock := new(mockRepo)
	repoMock.On("GetByID", mock.Anything, int64(99)).Return(nil, repo.ErrRegistrationNotFound)

	svc := newService(repoMock, new(mockGateway), nil)
	c, w := newTestContext(`{"registrationId": 99}`)
	svc.CheckStatus(c)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp dto.StatusErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Registration not found", resp.Error)
}
