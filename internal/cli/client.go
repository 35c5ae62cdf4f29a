package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// RunResponse — run из API.
type RunResponse struct {
	ID             string `json:"id"`
	Pipeline       string `json:"pipeline"`
	Version        string `json:"version,omitempty"`
	Status         string `json:"status"`
	FailedUnit     string `json:"failed_unit,omitempty"`
	Error          string `json:"error,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
	StartedAt      string `json:"started_at,omitempty"`
	FinishedAt     string `json:"finished_at,omitempty"`
}

// QueuedRunResponse — ответ на асинхронный запуск.
type QueuedRunResponse struct {
	Pipeline       string `json:"pipeline"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Queued         bool   `json:"queued"`
}

// UnitResponse — unit в статусе run.
type UnitResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	State        string `json:"state"`
	RetryCount   int    `json:"retry_count"`
	Attempts     int    `json:"attempts"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StatusResponse — ответ Status API.
type StatusResponse struct {
	RunID            string            `json:"run_id"`
	Pipeline         string            `json:"pipeline"`
	State            string            `json:"state"`
	CurrentUnits     []string          `json:"current_units"`
	CompletedUnits   []string          `json:"completed_units"`
	Progress         float64           `json:"progress"`
	FailedUnit       string            `json:"failed_unit,omitempty"`
	Error            string            `json:"error,omitempty"`
	StartTime        string            `json:"start_time,omitempty"`
	EndTime          string            `json:"end_time,omitempty"`
	Units            []UnitResponse    `json:"units"`
	PendingApprovals map[string]string `json:"pending_approvals,omitempty"`
}

// IsFinished проверяет, что run в терминальном статусе.
func (s *StatusResponse) IsFinished() bool {
	switch s.State {
	case "COMPLETED", "FAILED", "CANCELLED":
		return true
	}
	return false
}

// ApprovalResponse — запрос на одобрение из API.
type ApprovalResponse struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	UnitID    string `json:"unit_id"`
	UnitName  string `json:"unit_name,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	Decision  *struct {
		Approver string `json:"approver,omitempty"`
		Reason   string `json:"reason,omitempty"`
	} `json:"decision,omitempty"`
}

// PipelineResponse — pipeline из каталога.
type PipelineResponse struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
	Stages      int    `json:"stages"`
}

// ScheduleResponse — schedule из API.
type ScheduleResponse struct {
	Pipeline   string `json:"pipeline"`
	CronExpr   string `json:"cron_expr"`
	Timezone   string `json:"timezone,omitempty"`
	Enabled    bool   `json:"enabled"`
	NextDueAt  string `json:"next_due_at,omitempty"`
	LastRunAt  string `json:"last_run_at,omitempty"`
	LastRunKey string `json:"last_run_key,omitempty"`
}

// ValidateResponse — результат серверной проверки определения.
type ValidateResponse struct {
	Valid bool     `json:"valid"`
	Name  string   `json:"name,omitempty"`
	Order []string `json:"order,omitempty"`
	Error string   `json:"error,omitempty"`
}

// --- Request types ---

// StartRunRequest — запуск pipeline.
type StartRunRequest struct {
	Pipeline       string         `json:"pipeline"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Async          bool           `json:"async,omitempty"`
}

type decisionRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	Pipeline string
	Status   string
	Limit    int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, возвращённая API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound проверяет, что API ответил 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// --- Client ---

// Client — HTTP-клиент для Stagehand API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Runs ---

// ListRuns возвращает список runs с фильтрацией.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.Pipeline != "" {
		params.Set("pipeline", opts.Pipeline)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// StartRun запускает pipeline.
func (c *Client) StartRun(req StartRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs", req, &run)
	return &run, err
}

// EnqueueRun ставит запуск в очередь сообщений.
func (c *Client) EnqueueRun(req StartRunRequest) (*QueuedRunResponse, error) {
	req.Async = true
	var queued QueuedRunResponse
	err := c.post("/api/v1/runs", req, &queued)
	return &queued, err
}

// GetStatus возвращает статус run.
func (c *Client) GetStatus(id string) (*StatusResponse, error) {
	var st StatusResponse
	err := c.get("/api/v1/runs/"+url.PathEscape(id), &st)
	return &st, err
}

// PauseRun приостанавливает run.
func (c *Client) PauseRun(id string) (*StatusResponse, error) {
	return c.control(id, "pause")
}

// ResumeRun снимает паузу.
func (c *Client) ResumeRun(id string) (*StatusResponse, error) {
	return c.control(id, "resume")
}

// CancelRun отменяет run.
func (c *Client) CancelRun(id string) (*StatusResponse, error) {
	return c.control(id, "cancel")
}

// CancelUnit отменяет один unit.
func (c *Client) CancelUnit(runID, unitID string) (*StatusResponse, error) {
	var st StatusResponse
	err := c.post("/api/v1/runs/"+url.PathEscape(runID)+"/units/"+url.PathEscape(unitID)+"/cancel", nil, &st)
	return &st, err
}

func (c *Client) control(id, op string) (*StatusResponse, error) {
	var st StatusResponse
	err := c.post("/api/v1/runs/"+url.PathEscape(id)+"/"+op, nil, &st)
	return &st, err
}

// --- Approvals ---

// ListApprovals возвращает запросы на одобрение.
func (c *Client) ListApprovals(runID, status string) ([]ApprovalResponse, error) {
	params := url.Values{}
	if runID != "" {
		params.Set("run_id", runID)
	}
	if status != "" {
		params.Set("status", status)
	}

	var reqs []ApprovalResponse
	err := c.list("/api/v1/approvals", params, &reqs)
	return reqs, err
}

// Approve одобряет запрос.
func (c *Client) Approve(id, approver string) (*ApprovalResponse, error) {
	var req ApprovalResponse
	err := c.post("/api/v1/approvals/"+url.PathEscape(id)+"/approve", decisionRequest{Approver: approver}, &req)
	return &req, err
}

// Reject отклоняет запрос с причиной.
func (c *Client) Reject(id, approver, reason string) (*ApprovalResponse, error) {
	var req ApprovalResponse
	err := c.post("/api/v1/approvals/"+url.PathEscape(id)+"/reject", decisionRequest{Approver: approver, Reason: reason}, &req)
	return &req, err
}

// --- Pipelines ---

// ListPipelines возвращает pipelines каталога сервера.
func (c *Client) ListPipelines() ([]PipelineResponse, error) {
	var pipelines []PipelineResponse
	err := c.list("/api/v1/pipelines", nil, &pipelines)
	return pipelines, err
}

// GetPipeline возвращает определение pipeline как JSON.
func (c *Client) GetPipeline(name string) (json.RawMessage, error) {
	var def json.RawMessage
	err := c.get("/api/v1/pipelines/"+url.PathEscape(name), &def)
	return def, err
}

// ValidatePipeline проверяет определение на сервере.
func (c *Client) ValidatePipeline(data []byte, format string) (*ValidateResponse, error) {
	path := "/api/v1/pipelines/validate"
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}

	resp, err := c.doRaw(http.MethodPost, path, bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return nil, err
	}

	var res ValidateResponse
	err = c.decodeData(resp, &res)
	return &res, err
}

// --- Schedules ---

// ListSchedules возвращает расписания. Если pipeline не пустой — фильтрует.
func (c *Client) ListSchedules(pipeline string) ([]ScheduleResponse, error) {
	params := url.Values{}
	if pipeline != "" {
		params.Set("pipeline", pipeline)
	}

	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", params, &schedules)
	return schedules, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	return c.decodeData(resp, result)
}

func (c *Client) decodeData(resp *http.Response, result any) error {
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	if body == nil {
		return c.doRaw(method, path, nil, "")
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.doRaw(method, path, bytes.NewReader(data), "application/json")
}

func (c *Client) doRaw(method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}
