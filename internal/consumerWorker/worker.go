package consumerWorker

import (
	"context"
	"encoding/json"

	"github.com/wb-go/wbf/zlog"

	"bdcreg/internal/dto"
	"bdcreg/internal/mailer"
	"bdcreg/internal/rabbit"
	"bdcreg/internal/repo"
)

type Reader struct {
	RMQ    *rabbit.Client
	repo   repo.Repository
	mailer *mailer.Mailer
	done   chan struct{}
	cancel context.CancelFunc
}

func NewReader(rmq *rabbit.Client, repo repo.Repository, mail *mailer.Mailer) *Reader {
	return &Reader{
		RMQ:    rmq,
		repo:   repo,
		mailer: mail,
		done:   make(chan struct{}),
	}
}

func (r *Reader) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	zlog.Logger.Info().Msg("Ticket notification reader started")

	go func() {
		defer close(r.done)

		handler := func(body []byte) error {
			var msg dto.TicketIssuedMessage
			if err := json.Unmarshal(body, &msg); err != nil {
				zlog.Logger.Error().
					Err(err).
					Msgf("Failed to unmarshal message: %s", string(body))
				return err
			}

			zlog.Logger.Info().
				Int64("registration_id", msg.RegistrationID).
				Str("ticket_number", msg.TicketNumber).
				Msg("Received ticket notification")

			reg, err := r.repo.GetByID(cctx, msg.RegistrationID)
			if err != nil {
				zlog.Logger.Error().
					Err(err).
					Int64("registration_id", msg.RegistrationID).
					Msg("Failed to get registration from DB in worker")
				return nil
			}

			if !r.mailer.Enabled() {
				zlog.Logger.Debug().Msg("Mailer not configured, skipping ticket email")
				return nil
			}

			if err := r.mailer.SendTicketEmail(reg.Email, reg.Name, msg.TicketNumber); err != nil {
				zlog.Logger.Warn().
					Err(err).
					Msg("Failed to send ticket e-mail")
			}

			return nil
		}

		if err := r.RMQ.Consume(handler); err != nil {
			zlog.Logger.Error().Err(err).Msg("Failed to start consuming")
			return
		}

		<-cctx.Done()
		zlog.Logger.Info().Msg("Ticket notification reader stopped by context")
	}()
}

func (r *Reader) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
