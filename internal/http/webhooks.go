package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/security"
	"github.com/jmehdipour/erphub/internal/service/inbound"
	"github.com/jmehdipour/erphub/internal/webhook"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// verifyHandler answers the Meta subscription handshake. The verify token
// must belong to an active account of the platform.
func verifyHandler(platform model.Platform, accounts repository.AccountsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		matches := func(token string) bool {
			_, err := accounts.FindByVerifyTokenHash(ctx, platform, security.HashToken(token))
			return err == nil
		}
		challenge, err := webhook.VerifyChallenge(
			c.QueryParam("hub.mode"),
			c.QueryParam("hub.verify_token"),
			c.QueryParam("hub.challenge"),
			matches,
		)
		if err != nil {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "verification failed"})
		}
		return c.String(http.StatusOK, challenge)
	}
}

func metaWebhookHandler(platform model.Platform, svc *inbound.Service, maxBody int64, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		return processWebhook(c, svc, inbound.Request{Platform: platform}, maxBody, log)
	}
}

func courierWebhookHandler(svc *inbound.Service, maxBody int64, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, ok := model.ParsePlatform(c.Param("platform"))
		if !ok || !p.IsCourier() {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown courier"})
		}
		return processWebhook(c, svc, inbound.Request{Platform: p, AccountID: c.Param("account_id")}, maxBody, log)
	}
}

func processWebhook(c echo.Context, svc *inbound.Service, req inbound.Request, maxBody int64, log *zap.Logger) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
	}
	if int64(len(body)) > maxBody {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
	}
	req.Headers = c.Request().Header
	req.Body = body

	res, err := svc.Process(c.Request().Context(), req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, inbound.ErrInvalidSignature):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
	case errors.Is(err, inbound.ErrAccountNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "account not found"})
	case errors.Is(err, inbound.ErrBadPayload), errors.Is(err, webhook.ErrUnsupportedPlatform):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad payload"})
	default:
		log.Error("webhook processing failed",
			zap.String("platform", string(req.Platform)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err),
		)
		// 5xx makes the vendor retry the delivery
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "processing failed"})
	}
}
