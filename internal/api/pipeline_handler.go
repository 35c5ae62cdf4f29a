package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/shaiso/Stagehand/internal/definition"
)

const maxDefinitionSize = 1 << 20

// ListPipelines возвращает pipelines каталога.
// GET /api/v1/pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		List(w, []PipelineSummary{}, 0)
		return
	}

	defs := h.catalog.List()
	result := make([]PipelineSummary, len(defs))
	for i, d := range defs {
		result[i] = PipelineFromDomain(d)
	}

	List(w, result, len(result))
}

// GetPipeline возвращает полное определение pipeline.
// GET /api/v1/pipelines/{name}
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		NotFound(w, "pipeline catalog is not configured")
		return
	}

	def, err := h.catalog.Get(r.PathValue("name"))
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, def)
}

// ValidatePipeline проверяет определение без запуска.
// POST /api/v1/pipelines/validate?format=yaml|json|hcl
//
// Формат по умолчанию определяется по Content-Type, иначе YAML.
// Невалидное определение не ошибка запроса: ответ 200 с valid=false.
func (h *Handler) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionSize))
	if err != nil {
		BadRequest(w, "failed to read request body")
		return
	}

	format := definition.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = formatFromContentType(r.Header.Get("Content-Type"))
	}

	def, err := definition.Parse(data, format, "request")
	if err != nil {
		Success(w, ValidateResponse{Error: err.Error()})
		return
	}

	graph, err := definition.Check(def)
	if err != nil {
		Success(w, ValidateResponse{Name: def.Name, Error: err.Error()})
		return
	}

	Success(w, ValidateResponse{
		Valid: true,
		Name:  def.Name,
		Order: graph.Order(),
	})
}

func formatFromContentType(ct string) definition.Format {
	switch {
	case strings.Contains(ct, "json"):
		return definition.FormatJSON
	case strings.Contains(ct, "hcl"):
		return definition.FormatHCL
	default:
		return definition.FormatYAML
	}
}
