package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/site-safety/backend/internal/media"
	"github.com/zhouzirui/site-safety/backend/internal/model/session"
	sessionService "github.com/zhouzirui/site-safety/backend/internal/service/session"
	"github.com/zhouzirui/site-safety/backend/pkg/utils"
)

// multipartOverhead 为表单字段与边界预留的额外字节数。
const multipartOverhead = 1 << 20

// Coordinator 抽象会话协调器，便于测试与替换实现
type Coordinator interface {
	CreateAnalysis(ctx context.Context, image []byte, keywordHint string) (*sessionService.Result, error)
	Converse(ctx context.Context, id, message string) (*sessionService.Reply, error)
	Session(ctx context.Context, id string) (*session.Session, error)
	EndSession(ctx context.Context, id string) error
}

// Handler 会话协议的HTTP处理器
type Handler struct {
	coordinator   Coordinator
	maxImageBytes int64
	limit         func(http.Handler) http.Handler
}

// New 创建会话处理器。limit 为空时不做限流。
func New(coordinator Coordinator, maxImageBytes int64, limit func(http.Handler) http.Handler) *Handler {
	if maxImageBytes <= 0 {
		maxImageBytes = media.DefaultMaxBytes
	}
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		coordinator:   coordinator,
		maxImageBytes: maxImageBytes,
		limit:         limit,
	}
}

// RegisterRoutes 注册分析与对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(h.limit).Post("/analyze", h.handleAnalyze)
	r.With(h.limit).Post("/chat", h.handleChat)
	r.Get("/session/{sessionID}", h.handleGetSession)
	r.Delete("/session/{sessionID}", h.handleEndSession)
}

type analyzeResponse struct {
	SessionID   string   `json:"session_id"`
	Keywords    []string `json:"keywords"`
	Description string   `json:"description"`
}

// handleAnalyze 上传图片并完成初步安全分析
func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImageBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondErrorCode(w, http.StatusRequestEntityTooLarge, utils.CodeTooLarge, media.ErrImageTooLarge.Error())
			return
		}
		utils.RespondErrorCode(w, http.StatusBadRequest, session.CodeValidation, "invalid multipart form")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, session.CodeValidation, "image is required")
		return
	}
	defer file.Close()

	if declared := header.Header.Get("Content-Type"); declared != "" && !media.IsSupported(declared) {
		utils.RespondErrorCode(w, http.StatusBadRequest, session.CodeDecode, media.ErrUnsupportedFormat.Error())
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxImageBytes+1))
	if err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, session.CodeValidation, "failed to read image")
		return
	}
	if int64(len(data)) > h.maxImageBytes {
		utils.RespondErrorCode(w, http.StatusRequestEntityTooLarge, utils.CodeTooLarge, media.ErrImageTooLarge.Error())
		return
	}

	result, err := h.coordinator.CreateAnalysis(r.Context(), data, r.FormValue("keyword"))
	if err != nil {
		respondServiceError(w, "analyze", err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, analyzeResponse{
		SessionID:   result.SessionID,
		Keywords:    result.Keywords,
		Description: result.Description,
	})
}

// handleChat 围绕已分析的图片进行追问
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, session.CodeValidation, "invalid request body")
		return
	}

	if strings.TrimSpace(payload.SessionID) == "" {
		utils.RespondErrorCode(w, http.StatusBadRequest, session.CodeValidation, "session_id is required")
		return
	}

	reply, err := h.coordinator.Converse(r.Context(), payload.SessionID, payload.Message)
	if err != nil {
		respondServiceError(w, "chat", err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, reply)
}

type sessionResponse struct {
	SessionID   string         `json:"session_id"`
	Keywords    []string       `json:"keywords"`
	Description string         `json:"description"`
	ChatHistory []session.Turn `json:"chat_history"`
}

// handleGetSession 返回会话的分析结果与对话记录，供客户端对账
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.coordinator.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, "session", err)
		return
	}

	history := sess.Conversation
	if history == nil {
		history = []session.Turn{}
	}
	utils.RespondJSON(w, http.StatusOK, sessionResponse{
		SessionID:   sess.ID,
		Keywords:    sess.Analysis.Keywords,
		Description: sess.Analysis.Description,
		ChatHistory: history,
	})
}

// handleEndSession 删除会话及其图片；未知会话同样视为成功
func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.EndSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondServiceError(w, "end", err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Session deleted successfully"})
}

// respondServiceError 将协调器错误映射为HTTP状态码与错误码
func respondServiceError(w http.ResponseWriter, op string, err error) {
	code := session.Code(err)
	switch {
	case errors.Is(err, media.ErrImageTooLarge):
		utils.RespondErrorCode(w, http.StatusRequestEntityTooLarge, utils.CodeTooLarge, media.ErrImageTooLarge.Error())
	case code == session.CodeValidation || code == session.CodeDecode:
		utils.RespondErrorCode(w, http.StatusBadRequest, code, err.Error())
	case code == session.CodeSessionNotFound:
		utils.RespondErrorCode(w, http.StatusNotFound, code, session.ErrSessionNotFound.Error())
	case code == session.CodeConflict:
		utils.RespondErrorCode(w, http.StatusConflict, code, session.ErrConflict.Error())
	case code == session.CodeAnalysis:
		log.Printf("[http] %s failed: %v", op, err)
		utils.RespondErrorCode(w, http.StatusBadGateway, code, session.ErrAnalysis.Error())
	case code == session.CodeGeneration:
		log.Printf("[http] %s failed: %v", op, err)
		utils.RespondErrorCode(w, http.StatusBadGateway, code, session.ErrGeneration.Error())
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		utils.RespondErrorCode(w, http.StatusServiceUnavailable, utils.CodeUnavailable, "request timed out")
	default:
		log.Printf("[http] %s failed: %v", op, err)
		utils.RespondErrorCode(w, http.StatusInternalServerError, utils.CodeInternal, "internal error")
	}
}
