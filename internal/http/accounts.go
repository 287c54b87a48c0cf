package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/erphub/internal/http/middleware"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/service/accounts"
	"github.com/jmehdipour/erphub/internal/validation"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type statusReq struct {
	Status string `json:"status" validate:"required,oneof=active disabled"`
}

func createAccountHandler(svc *accounts.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		var in accounts.CreateInput
		if err := c.Bind(&in); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		v, err := svc.Create(c.Request().Context(), tenantID, in)
		if err != nil {
			return accountError(c, err, log)
		}
		return c.JSON(http.StatusCreated, v)
	}
}

func listAccountsHandler(svc *accounts.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		list, err := svc.List(c.Request().Context(), tenantID)
		if err != nil {
			return accountError(c, err, log)
		}
		return c.JSON(http.StatusOK, map[string]any{"count": len(list), "results": list})
	}
}

func getAccountHandler(svc *accounts.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		v, err := svc.Get(c.Request().Context(), tenantID, c.Param("id"))
		if err != nil {
			return accountError(c, err, log)
		}
		return c.JSON(http.StatusOK, v)
	}
}

func updateCredentialsHandler(svc *accounts.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		var in accounts.UpdateCredentialsInput
		if err := c.Bind(&in); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		v, err := svc.UpdateCredentials(c.Request().Context(), tenantID, c.Param("id"), in)
		if err != nil {
			return accountError(c, err, log)
		}
		return c.JSON(http.StatusOK, v)
	}
}

func setAccountStatusHandler(svc *accounts.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		var req statusReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if err := c.Validate(&req); err != nil {
			return accountError(c, err, log)
		}
		if err := svc.SetStatus(c.Request().Context(), tenantID, c.Param("id"), model.AccountStatus(req.Status)); err != nil {
			return accountError(c, err, log)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": req.Status})
	}
}

func deleteAccountHandler(svc *accounts.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		if err := svc.Delete(c.Request().Context(), tenantID, c.Param("id")); err != nil {
			return accountError(c, err, log)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func triggerSyncHandler(svc *accounts.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		if err := svc.TriggerSync(c.Request().Context(), tenantID, c.Param("id")); err != nil {
			return accountError(c, err, log)
		}
		return c.JSON(http.StatusAccepted, map[string]bool{"scheduled": true})
	}
}

func accountError(c echo.Context, err error, log *zap.Logger) error {
	var verr *accounts.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "validation_failed", "fields": verr.Fields})
	case len(validation.Fields(err)) > 0:
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "validation_failed", "fields": validation.Fields(err)})
	case errors.Is(err, accounts.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, accounts.ErrExternalIDTaken):
		return c.JSON(http.StatusConflict, map[string]string{"error": "external_id_taken"})
	case errors.Is(err, accounts.ErrMissingCredentials):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing_credentials", "description": err.Error()})
	case errors.Is(err, accounts.ErrInvalidStatus):
		return c.JSON(http.StatusConflict, map[string]string{"error": "invalid_status", "description": err.Error()})
	default:
		log.Error("account request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
	}
}
