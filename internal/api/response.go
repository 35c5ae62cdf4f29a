package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Stagehand/internal/approval"
	"github.com/shaiso/Stagehand/internal/definition"
	"github.com/shaiso/Stagehand/internal/engine"
	"github.com/shaiso/Stagehand/internal/orchestrator"
	"github.com/shaiso/Stagehand/internal/repo"
)

// ErrorCode — машиночитаемый код ошибки в теле ответа.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeInvalidDef    ErrorCode = "INVALID_DEFINITION"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Тела ответов: {"data": ...}, {"data": [...], "total": n} или {"error": {...}}.
type (
	DataResponse struct {
		Data any `json:"data"`
	}

	ListResponse struct {
		Data  any `json:"data"`
		Total int `json:"total"`
	}

	ErrorResponse struct {
		Error ErrorDetail `json:"error"`
	}

	ErrorDetail struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
	}
)

func JSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func Success(w http.ResponseWriter, data any)  { JSON(w, http.StatusOK, DataResponse{Data: data}) }
func Created(w http.ResponseWriter, data any)  { JSON(w, http.StatusCreated, DataResponse{Data: data}) }
func Accepted(w http.ResponseWriter, data any) { JSON(w, http.StatusAccepted, DataResponse{Data: data}) }

func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, ErrCodeConflict, message)
}

func InvalidState(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, message)
}

// InternalError логирует err и отвечает 500 без деталей.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// errorClass — группа sentinel-ошибок с общим HTTP статусом.
type errorClass struct {
	status int
	code   ErrorCode
	errs   []error
}

// errorClasses проверяются по порядку, первая совпавшая группа выигрывает.
var errorClasses = []errorClass{
	{http.StatusNotFound, ErrCodeNotFound, []error{
		orchestrator.ErrRunNotFound,
		orchestrator.ErrUnitNotFound,
		definition.ErrPipelineNotFound,
		approval.ErrNotFound,
		repo.ErrNotFound,
	}},
	{http.StatusBadRequest, ErrCodeInvalidDef, []error{
		orchestrator.ErrInvalidPipeline,
		definition.ErrInvalidDefinition,
		definition.ErrDecode,
		definition.ErrUnsupportedFormat,
	}},
	{http.StatusUnprocessableEntity, ErrCodeInvalidState, []error{
		orchestrator.ErrRunFinished,
		orchestrator.ErrRunNotRunning,
		orchestrator.ErrRunNotPaused,
		engine.ErrInvalidTransition,
		repo.ErrInvalidState,
	}},
	{http.StatusConflict, ErrCodeConflict, []error{
		approval.ErrAlreadyDecided,
		approval.ErrExpired,
		orchestrator.ErrRunAlreadyActive,
		repo.ErrAlreadyExists,
	}},
	{http.StatusServiceUnavailable, ErrCodeUnavailable, []error{
		orchestrator.ErrOrchestratorStopped,
	}},
}

func classify(err error) (errorClass, bool) {
	for _, c := range errorClasses {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c, true
			}
		}
	}
	return errorClass{}, false
}

// HandleError пишет ответ для ошибки оркестратора, каталога, approvals
// или репозитория. Возвращает false, если err == nil.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}
	if c, ok := classify(err); ok {
		Error(w, c.status, c.code, err.Error())
		return true
	}
	InternalError(w, logger, err)
	return true
}
