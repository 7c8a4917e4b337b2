package openapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/lms/user-service/internal/api/errors"
)

// Validator проверяет параметры и тело запроса по OpenAPI-контракту.
// Маршрут определяется по chi-роутеру: шаблоны путей chi и OpenAPI совпадают.
type Validator struct {
	doc    *openapi3.T
	routes chi.Routes
	logger *slog.Logger
}

// NewValidator создаёт валидатор. routes — корневой роутер сервера.
func NewValidator(doc *openapi3.T, routes chi.Routes, logger *slog.Logger) *Validator {
	return &Validator{
		doc:    doc,
		routes: routes,
		logger: logger.With(slog.String("component", "openapi_validator")),
	}
}

// Middleware возвращает HTTP middleware валидации.
// Запросы к путям, отсутствующим в контракте, пропускаются без проверки.
func (v *Validator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, params := v.findRoute(r)
			if route == nil {
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: params,
				Route:      route,
				Options: &openapi3filter.Options{
					// Аутентификацию выполняет JWT middleware.
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				v.logger.Debug("Запрос не прошёл OpenAPI-валидацию",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				apierrors.ValidationError(w, validationMessage(err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// findRoute сопоставляет запрос с операцией контракта.
func (v *Validator) findRoute(r *http.Request) (*routers.Route, map[string]string) {
	rctx := chi.NewRouteContext()
	if !v.routes.Match(rctx, r.Method, r.URL.Path) {
		return nil, nil
	}
	// Вложенные r.Route(...) с Get("/") дают шаблон с завершающим "/"
	pattern := rctx.RoutePattern()
	if len(pattern) > 1 {
		pattern = strings.TrimSuffix(pattern, "/")
	}

	pathItem := v.doc.Paths.Find(pattern)
	if pathItem == nil {
		return nil, nil
	}
	op := pathItem.GetOperation(r.Method)
	if op == nil {
		return nil, nil
	}

	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		params[key] = rctx.URLParams.Values[i]
	}

	return &routers.Route{
		Spec:      v.doc,
		Path:      pattern,
		PathItem:  pathItem,
		Method:    r.Method,
		Operation: op,
	}, params
}

// validationMessage формирует сообщение для клиента из ошибки kin-openapi.
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.Parameter != nil:
			return "Некорректный параметр " + reqErr.Parameter.Name + ": " + reqErr.Error()
		case reqErr.RequestBody != nil:
			return "Некорректное тело запроса: " + reqErr.Error()
		}
	}
	return "Запрос не соответствует контракту API: " + err.Error()
}
