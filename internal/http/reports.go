package http

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/erphub/internal/http/middleware"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func listSyncLogsHandler(repo repository.SyncLogsRepository, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		limit, offset := paging(c)
		f := repository.SyncLogFilter{
			AccountID: strings.TrimSpace(c.QueryParam("account_id")),
			Kind:      model.RunKind(strings.TrimSpace(c.QueryParam("kind"))),
			Limit:     limit,
			Offset:    offset,
		}
		if st := model.RunStatus(strings.TrimSpace(c.QueryParam("status"))); st.Valid() {
			f.Status = st
		}
		switch f.Kind {
		case "", model.RunSync, model.RunWebhook, model.RunSend:
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid kind"})
		}

		logs, err := repo.List(c.Request().Context(), tenantID, f)
		if err != nil {
			log.Error("clickhouse list failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(logs),
			"results": logs,
		})
	}
}
