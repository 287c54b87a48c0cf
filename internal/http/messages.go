package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/erphub/internal/http/middleware"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/service/queue"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func sendMessageHandler(queueSvc *queue.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		var req queue.SendInput
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		// messages + outbox in one TX
		msg, err := queueSvc.Enqueue(c.Request().Context(), tenantID, req)
		var verr *queue.ValidationError
		switch {
		case err == nil:
		case errors.As(err, &verr):
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "validation_failed", "fields": verr.Fields})
		case errors.Is(err, queue.ErrAccountNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "account not found"})
		case errors.Is(err, queue.ErrAccountDisabled), errors.Is(err, queue.ErrNotMessaging):
			return c.JSON(http.StatusConflict, map[string]string{"error": "account_unavailable", "description": err.Error()})
		default:
			log.Error("enqueue failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"enqueued": true,
			"id":       msg.ID,
			"channel":  msg.Channel,
			"status":   msg.Status,
		})
	}
}

func listMessagesHandler(repo repository.MessagesRepository, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		limit, offset := paging(c)
		f := repository.MessageFilter{
			AccountID: strings.TrimSpace(c.QueryParam("account_id")),
			Limit:     limit,
			Offset:    offset,
		}
		if p, ok := model.ParsePlatform(c.QueryParam("channel")); ok {
			f.Channel = p
		}
		if st := model.MessageStatus(strings.TrimSpace(c.QueryParam("status"))); st.Valid() {
			f.Status = st
		}

		msgs, err := repo.List(c.Request().Context(), tenantID, f)
		if err != nil {
			log.Error("list messages failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(msgs),
			"results": msgs,
		})
	}
}

func getShipmentHandler(repo repository.ShipmentsRepository, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		tracking := strings.TrimSpace(c.Param("tracking"))
		list, err := repo.GetByTracking(c.Request().Context(), tenantID, tracking)
		if err != nil {
			log.Error("get shipment failed", zap.String("tracking", tracking), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if len(list) == 0 {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		// one tracking number may exist at several couriers
		return c.JSON(http.StatusOK, map[string]any{"count": len(list), "results": list})
	}
}

func paging(c echo.Context) (limit, offset int) {
	limit = 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
