// Package contract — HTTP-контракт Exam Bridge: OpenAPI-документ,
// типы запросов/ответов и привязка операций к маршрутам chi.
package contract

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var spec []byte

// Spec возвращает исходный текст OpenAPI-документа.
func Spec() []byte {
	return spec
}

// Load разбирает встроенный OpenAPI-документ и проверяет его корректность.
// Вызывается при старте сервера: расхождение контракта — ошибка сборки, а не запроса.
func Load(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return nil, fmt.Errorf("разбор OpenAPI: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("валидация OpenAPI: %w", err)
	}
	return doc, nil
}

// Operations возвращает operationId всех операций документа в формате "METHOD path".
func Operations(doc *openapi3.T) map[string]string {
	ops := make(map[string]string)
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			ops[op.OperationID] = method + " " + path
		}
	}
	return ops
}
