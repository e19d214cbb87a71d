package commands

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/music-ripper/internal/jobs"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// HistoryReader はジョブ履歴の参照先です。
type HistoryReader interface {
	Get(ctx context.Context, jobID string) (*jobs.Record, error)
	Recent(ctx context.Context, limit int) ([]jobs.Record, error)
}

// Handler は Router を HTTP で公開します。
type Handler struct {
	router  *Router
	history HistoryReader
}

// NewHandler は Handler を作成します。history が nil の場合、履歴APIは現在のレコードのみを返します。
func NewHandler(router *Router, history HistoryReader) *Handler {
	return &Handler{router: router, history: history}
}

// Register は rg 配下にコマンドと履歴のルートを登録します。
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/commands", h.HandleCommand)
	rg.GET("/jobs", h.HandleRecentJobs)
	rg.GET("/jobs/:id", h.HandleJob)
}

// HandleCommand は POST /api/commands のハンドラーです。
func (h *Handler) HandleCommand(c *gin.Context) {
	var cmd Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  jobs.CodeInvalidInput,
			"error": "action を含む JSON を送ってください",
		})
		return
	}

	select {
	case reply := <-h.router.Dispatch(c.Request.Context(), cmd):
		if reply.Err != nil {
			respondWithError(c, reply.Err)
			return
		}
		c.JSON(http.StatusOK, reply.Body)
	case <-c.Request.Context().Done():
		respondWithError(c, c.Request.Context().Err())
	}
}

// HandleRecentJobs は GET /api/jobs のハンドラーです。
func (h *Handler) HandleRecentJobs(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  jobs.CodeInvalidInput,
				"error": "limit は正の整数で指定してください",
			})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	if h.history == nil {
		records := []jobs.Record{}
		if current := h.router.ctrl.Current(); current.ID != "" {
			records = append(records, current)
		}
		c.JSON(http.StatusOK, gin.H{"jobs": records})
		return
	}

	records, err := h.history.Recent(c.Request.Context(), limit)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if records == nil {
		records = []jobs.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": records})
}

// HandleJob は GET /api/jobs/:id のハンドラーです。
func (h *Handler) HandleJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  jobs.CodeInvalidInput,
			"error": "jobId を指定してください",
		})
		return
	}

	var record *jobs.Record
	if h.history == nil {
		if current := h.router.ctrl.Current(); current.ID == jobID {
			record = &current
		}
	} else {
		var err error
		record, err = h.history.Get(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
	}

	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "JOB_NOT_FOUND",
			"error": "指定されたジョブは存在しません",
		})
		return
	}
	c.JSON(http.StatusOK, record)
}

// respondWithError は分類済みエラーを HTTP ステータスへ対応付けて返します。
// 本文は常に error キーを含みます。
func respondWithError(c *gin.Context, err error) {
	var jobErr *jobs.Error
	switch {
	case errors.As(err, &jobErr):
		c.JSON(statusForCode(jobErr.Code), gin.H{
			"code":  jobErr.Code,
			"error": jobErr.Message,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":  "REQUEST_CANCELED",
			"error": "リクエストがキャンセルされました",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": "サーバー内部でエラーが発生しました",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case jobs.CodeInvalidInput:
		return http.StatusBadRequest
	case jobs.CodeAuthRequired:
		// 401 はコマンドAPI自体のログイン要求に使う
		return http.StatusForbidden
	case jobs.CodeNoActiveJob, jobs.CodeStartSuperseded:
		return http.StatusConflict
	case jobs.CodeCredentialsUnavailable:
		return http.StatusPreconditionFailed
	case jobs.CodeRemoteRejected, jobs.CodeTransportFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
