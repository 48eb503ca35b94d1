package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lunchdesk/api/internal/platform/httpx"
	"github.com/lunchdesk/api/internal/platform/requestctx"
	"github.com/lunchdesk/api/internal/services"
)

const maxRequestBodySize = 64 * 1024

var validate = validator.New(validator.WithRequiredStructEnabled())

// writeServiceError renders a service failure in the envelope with the status of its kind.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, services.ErrValidation):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, services.ErrWindowClosed):
		status, code = http.StatusConflict, "window_closed"
	case errors.Is(err, services.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, services.ErrAuthorization):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, services.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, services.ErrExternalService):
		status, code = http.StatusBadGateway, "external_service_error"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	}
	if status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Error("request failed", zap.Error(err))
	}
	httpx.WriteError(ctx, w, httpx.NewError(code, services.PublicMessage(err), status))
}

func writeBadRequest(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}

// decodeBody reads a JSON payload and runs its validation tags.
func decodeBody(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst, maxRequestBodySize); err != nil {
		return err
	}
	if err := validate.Struct(dst); err != nil {
		return describeValidation(err)
	}
	return nil
}

func describeValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := lowerFirst(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "email":
			parts = append(parts, field+" must be an email address")
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s long", field, fe.Param()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of %s", field, fe.Param()))
		default:
			parts = append(parts, field+" is invalid")
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func parseDateParam(raw string) (civil.Date, error) {
	d, err := civil.ParseDate(strings.TrimSpace(raw))
	if err != nil || !d.IsValid() {
		return civil.Date{}, fmt.Errorf("%q is not a YYYY-MM-DD date", raw)
	}
	return d, nil
}
