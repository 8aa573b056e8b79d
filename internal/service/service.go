package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/ginext"

	"bdcreg/internal/dto"
	"bdcreg/internal/fee"
	"bdcreg/internal/model"
	"bdcreg/internal/mpesa"
	"bdcreg/internal/repo"
	"bdcreg/pkg/validator"
)

const transactionDesc = "BDC 2025 Conference Registration"

// Metadata item names in the provider's success callback.
const (
	metaReceiptNumber   = "MpesaReceiptNumber"
	metaPhoneNumber     = "PhoneNumber"
	metaTransactionDate = "TransactionDate"
)

type Service interface {
	InitiatePayment(ctx *ginext.Context)
	PaymentCallback(ctx *ginext.Context)
	CheckStatus(ctx *ginext.Context)
}

// Gateway is the slice of the M-Pesa client the service needs.
type Gateway interface {
	STKPush(ctx context.Context, phone string, amount int, accountReference, description string) (*mpesa.STKPushResult, error)
}

// Notifier publishes ticket-issued messages for the mail worker.
type Notifier interface {
	Publish(message []byte) error
}

type service struct {
	repo    repo.Repository
	gateway Gateway
	log     *zerolog.Logger
	rbt     Notifier
}

func NewService(repo repo.Repository, gateway Gateway, logger *zerolog.Logger, rbt Notifier) Service {
	return &service{
		repo:    repo,
		gateway: gateway,
		log:     logger,
		rbt:     rbt,
	}
}

// InitiatePayment creates a pending registration, asks the gateway to
// prompt the payer's phone, and stores the returned correlation
// identifiers. On gateway failure the pending row is left in place: the
// provider issued no token to correlate against, so a retry mints a new
// registration.
func (s *service) InitiatePayment(ctx *ginext.Context) {
	var req dto.InitiatePaymentRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.log.Error().Err(err).Msg("failed to parse payment request")
		dto.InitiateError(ctx, http.StatusInternalServerError, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		s.log.Error().Msgf("validation failed: %v", verr)
		dto.InitiateError(ctx, http.StatusInternalServerError, fmt.Sprintf("%v", verr))
		return
	}

	amount := fee.Amount(req.RegistrationData.Position, req.RegistrationData.AccommodationMode)
	if req.Amount != 0 && req.Amount != amount {
		s.log.Warn().
			Int("client_amount", req.Amount).
			Int("computed_amount", amount).
			Str("position", req.RegistrationData.Position).
			Msg("client-sent amount differs from computed fee, using computed fee")
	}

	reg := &model.Registration{
		Name:              req.RegistrationData.Name,
		Email:             req.RegistrationData.Email,
		ResidentChurch:    req.RegistrationData.ResidentChurch,
		Contact:           req.RegistrationData.Contact,
		Position:          req.RegistrationData.Position,
		AccommodationMode: req.RegistrationData.AccommodationMode,
		Amount:            amount,
	}

	id, err := s.repo.CreatePending(ctx.Request.Context(), reg)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create registration in DB")
		dto.InitiateError(ctx, http.StatusInternalServerError, "Failed to create registration")
		return
	}

	accountRef := fmt.Sprintf("%s%d", model.TicketPrefix, id)
	result, err := s.gateway.STKPush(ctx.Request.Context(), req.PhoneNumber, amount, accountRef, transactionDesc)
	if err != nil {
		s.log.Error().Err(err).Int64("registration_id", id).Msg("stk push failed, registration stays pending")
		dto.InitiateError(ctx, http.StatusInternalServerError, gatewayErrorMessage(err))
		return
	}

	if err := s.repo.AttachCheckoutRequest(ctx.Request.Context(), id, result.CheckoutRequestID, result.MerchantRequestID); err != nil {
		s.log.Error().Err(err).Int64("registration_id", id).Msg("failed to store checkout request id")
		dto.InitiateError(ctx, http.StatusInternalServerError, "Failed to update registration")
		return
	}

	s.log.Info().
		Int64("registration_id", id).
		Str("checkout_request_id", result.CheckoutRequestID).
		Int("amount", amount).
		Msg("payment initiated")

	ctx.JSON(http.StatusOK, dto.InitiatePaymentResponse{
		Success:           true,
		Message:           "Payment initiated. Please check your phone for M-Pesa prompt.",
		RegistrationID:    id,
		CheckoutRequestID: result.CheckoutRequestID,
	})
}

func gatewayErrorMessage(err error) string {
	var rejected *mpesa.RejectedError
	switch {
	case errors.Is(err, mpesa.ErrNotConfigured):
		return "M-Pesa credentials not configured"
	case errors.Is(err, mpesa.ErrTimeout):
		return "Payment gateway timed out, please try again"
	case errors.Is(err, mpesa.ErrAuth):
		return "Failed to authenticate with payment gateway"
	case errors.As(err, &rejected):
		return fmt.Sprintf("STK Push failed: %s", rejected.Description)
	default:
		return "Payment initiation failed"
	}
}

// PaymentCallback is the webhook the provider invokes with the payment
// outcome. It must be idempotent: deliveries are at-least-once and may
// race. The terminal update is conditional on the row still being
// pending, so the losing delivery is acknowledged without re-applying.
func (s *service) PaymentCallback(ctx *ginext.Context) {
	var cb dto.MpesaCallback
	if err := ctx.ShouldBindJSON(&cb); err != nil {
		s.log.Error().Err(err).Msg("failed to parse mpesa callback")
		ctx.String(http.StatusInternalServerError, "Internal Server Error")
		return
	}

	stk := cb.Body.StkCallback
	log := s.log.With().
		Str("checkout_request_id", stk.CheckoutRequestID).
		Int("result_code", stk.ResultCode).
		Logger()

	reg, err := s.repo.GetByCheckoutRequestID(ctx.Request.Context(), stk.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, repo.ErrRegistrationNotFound) {
			log.Warn().Msg("callback for unknown checkout request id")
			ctx.String(http.StatusNotFound, "Registration not found")
			return
		}
		log.Error().Err(err).Msg("failed to look up registration for callback")
		ctx.String(http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if reg.PaymentStatus.Terminal() {
		log.Info().Str("status", string(reg.PaymentStatus)).Msg("duplicate callback delivery, already terminal")
		ctx.String(http.StatusOK, "OK")
		return
	}

	if stk.ResultCode == 0 {
		s.applySuccess(ctx, reg, stk, log)
		return
	}
	s.applyFailure(ctx, reg, stk, log)
}

func (s *service) applySuccess(ctx *ginext.Context, reg *model.Registration, stk dto.StkCallback, log zerolog.Logger) {
	receipt := stk.CallbackMetadata.Value(metaReceiptNumber)
	payerPhone := stk.CallbackMetadata.Value(metaPhoneNumber)
	txDate := stk.CallbackMetadata.Value(metaTransactionDate)
	ticket := model.TicketNumber(reg.ID)

	applied, err := s.repo.MarkCompleted(ctx.Request.Context(), stk.CheckoutRequestID, receipt, payerPhone, txDate, ticket)
	if err != nil {
		log.Error().Err(err).Msg("failed to mark registration completed")
		ctx.String(http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if !applied {
		log.Info().Msg("completion already applied by a concurrent delivery")
		ctx.String(http.StatusOK, "OK")
		return
	}

	log.Info().
		Int64("registration_id", reg.ID).
		Str("ticket_number", ticket).
		Str("mpesa_receipt", receipt).
		Msg("payment completed, ticket issued")

	s.notifyTicketIssued(reg.ID, ticket)
	ctx.String(http.StatusOK, "OK")
}

func (s *service) applyFailure(ctx *ginext.Context, reg *model.Registration, stk dto.StkCallback, log zerolog.Logger) {
	applied, err := s.repo.MarkFailed(ctx.Request.Context(), stk.CheckoutRequestID, stk.ResultDesc)
	if err != nil {
		log.Error().Err(err).Msg("failed to mark registration failed")
		ctx.String(http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if applied {
		log.Info().Int64("registration_id", reg.ID).Str("reason", stk.ResultDesc).Msg("payment failed")
	} else {
		log.Info().Msg("failure already applied by a concurrent delivery")
	}
	ctx.String(http.StatusOK, "OK")
}

func (s *service) notifyTicketIssued(registrationID int64, ticket string) {
	if s.rbt == nil {
		return
	}

	msg := dto.TicketIssuedMessage{
		RegistrationID: registrationID,
		TicketNumber:   ticket,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal ticket notification")
		return
	}
	if err := s.rbt.Publish(payload); err != nil {
		// Notification is best effort; the payment state is already
		// committed.
		s.log.Error().Err(err).Int64("registration_id", registrationID).Msg("failed to publish ticket notification")
	}
}

// CheckStatus is the read-only poll endpoint the form loops on while
// waiting for the callback to land.
func (s *service) CheckStatus(ctx *ginext.Context) {
	var req dto.CheckStatusRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.log.Error().Err(err).Msg("failed to parse status request")
		dto.StatusError(ctx, http.StatusInternalServerError, "Failed to check payment status")
		return
	}

	reg, err := s.repo.GetByID(ctx.Request.Context(), req.RegistrationID)
	if err != nil {
		if errors.Is(err, repo.ErrRegistrationNotFound) {
			dto.StatusError(ctx, http.StatusNotFound, "Registration not found")
			return
		}
		s.log.Error().Err(err).Int64("registration_id", req.RegistrationID).Msg("failed to load registration status")
		dto.StatusError(ctx, http.StatusInternalServerError, "Failed to check payment status")
		return
	}

	ctx.JSON(http.StatusOK, dto.CheckStatusResponse{
		PaymentStatus: string(reg.PaymentStatus),
		TicketNumber:  reg.TicketNumber,
		MpesaReceipt:  reg.MpesaReceiptNumber,
		RegistrationData: dto.StatusRegistrationData{
			Name:              reg.Name,
			Email:             reg.Email,
			Position:          reg.Position,
			AccommodationMode: reg.AccommodationMode,
			Amount:            reg.Amount,
		},
	})
}
