// Пакет openapi — OpenAPI-контракт User Service и валидация входящих
// запросов по нему (kin-openapi).
package openapi

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var specYAML []byte

// Load разбирает встроенную спецификацию и проверяет её корректность.
func Load(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("разбор OpenAPI-спецификации: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("невалидная OpenAPI-спецификация: %w", err)
	}
	return doc, nil
}

// Spec возвращает исходный текст спецификации.
func Spec() []byte {
	return specYAML
}
