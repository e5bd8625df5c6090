package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/coursebilling/internal/config"
	"github.com/MarkoPoloResearchLab/coursebilling/pkg/billing"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler adapts HTTP requests to Ledger operations for the session user.
type Handler struct {
	ledger         Ledger
	initialDeposit decimal.Decimal
	logger         *zap.Logger
}

func NewHandler(ledger Ledger, cfg config.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ledger: ledger, initialDeposit: cfg.InitialDeposit, logger: logger}
}

type depositRequest struct {
	Amount string `json:"amount"`
}

type userPayload struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Balance  string   `json:"balance"`
}

type coursePayload struct {
	Code  string `json:"code"`
	Type  string `json:"type"`
	Price string `json:"price,omitempty"`
}

type transactionPayload struct {
	ID         int64   `json:"id"`
	CreatedAt  string  `json:"created_at"`
	Type       string  `json:"type"`
	CourseCode string  `json:"course_code,omitempty"`
	Amount     string  `json:"amount"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
}

type purchasePayload struct {
	Success    bool    `json:"success"`
	CourseType string  `json:"course_type"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
}

func (handler *Handler) handleCurrentUser(ctx *gin.Context) {
	email, ok := handler.sessionEmail(ctx)
	if !ok {
		return
	}
	user, err := handler.ledger.Account(ctx.Request.Context(), email)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newUserPayload(user))
}

func (handler *Handler) handleOpenAccount(ctx *gin.Context) {
	email, ok := handler.sessionEmail(ctx)
	if !ok {
		return
	}
	roles := getClaims(ctx).GetUserRoles()
	user, err := handler.ledger.OpenAccount(ctx.Request.Context(), email, roles, handler.initialDeposit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, newUserPayload(user))
}

func (handler *Handler) handleDeposit(ctx *gin.Context) {
	email, ok := handler.sessionEmail(ctx)
	if !ok {
		return
	}
	var request depositRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := billing.ParsePositiveAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transaction, err := handler.ledger.Deposit(ctx.Request.Context(), email, amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, newTransactionPayload(transaction))
}

func (handler *Handler) handleCourses(ctx *gin.Context) {
	courses, err := handler.ledger.Courses(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]coursePayload, 0, len(courses))
	for _, course := range courses {
		item := coursePayload{Code: course.Code.String(), Type: course.Type.String()}
		if course.Type != billing.CourseTypeFree {
			item.Price = billing.FormatMoney(course.Price)
		}
		payload = append(payload, item)
	}
	ctx.JSON(http.StatusOK, payload)
}

func (handler *Handler) handlePurchase(ctx *gin.Context) {
	email, ok := handler.sessionEmail(ctx)
	if !ok {
		return
	}
	code, err := billing.NewCourseCode(ctx.Param("code"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transaction, err := handler.ledger.Purchase(ctx.Request.Context(), email, code)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := purchasePayload{Success: true, ExpiresAt: formatOptionalTime(transaction.ExpiresAt)}
	if transaction.Course != nil {
		payload.CourseType = transaction.Course.Type.String()
	}
	ctx.JSON(http.StatusOK, payload)
}

func (handler *Handler) handleTransactions(ctx *gin.Context) {
	email, ok := handler.sessionEmail(ctx)
	if !ok {
		return
	}
	filter, err := parseTransactionFilter(ctx, email)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transactions, err := handler.ledger.FilteredTransactions(ctx.Request.Context(), filter)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, payload)
}

// parseTransactionFilter reads type, course_code and skip_expired from the query string.
func parseTransactionFilter(ctx *gin.Context, email billing.Email) (billing.TransactionFilter, error) {
	filter := billing.TransactionFilter{Username: email}
	if raw, ok := ctx.GetQuery("type"); ok && raw != "" {
		kind, err := billing.ParseTransactionKind(raw)
		if err != nil {
			return billing.TransactionFilter{}, err
		}
		filter.Kind = &kind
	}
	if raw, ok := ctx.GetQuery("course_code"); ok && raw != "" {
		code, err := billing.NewCourseCode(raw)
		if err != nil {
			return billing.TransactionFilter{}, err
		}
		filter.CourseCode = &code
	}
	if raw, ok := ctx.GetQuery("skip_expired"); ok {
		if raw == "" {
			filter.SkipExpired = true
		} else {
			skip, err := strconv.ParseBool(raw)
			if err != nil {
				return billing.TransactionFilter{}, fmt.Errorf("%w: skip_expired %q", billing.ErrInvalidFilter, raw)
			}
			filter.SkipExpired = skip
		}
	}
	return filter, nil
}

func (handler *Handler) sessionEmail(ctx *gin.Context) (billing.Email, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return billing.Email{}, false
	}
	email, err := billing.NewEmail(claims.GetUserEmail())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no email"))
		return billing.Email{}, false
	}
	return email, true
}

// respondError maps error kinds to status codes. Infrastructure failures are logged and
// hidden behind a generic message.
func (handler *Handler) respondError(ctx *gin.Context, err error) {
	code := billing.ErrorCode(err)
	switch {
	case billing.IsValidation(err):
		ctx.JSON(http.StatusBadRequest, errorResponse(code, err.Error()))
	case billing.IsNotFound(err):
		ctx.JSON(http.StatusNotFound, errorResponse(code, err.Error()))
	case billing.IsBusinessRule(err):
		ctx.JSON(http.StatusNotAcceptable, errorResponse(code, err.Error()))
	case billing.IsConflict(err):
		ctx.JSON(http.StatusConflict, errorResponse(code, err.Error()))
	default:
		handler.logger.Error("billing operation failed",
			zap.String("path", ctx.FullPath()),
			zap.String("request_id", ctx.GetString(requestIDKey)),
			zap.Error(err),
		)
		ctx.JSON(http.StatusBadGateway, errorResponse(code, "billing store unavailable"))
	}
}

func newUserPayload(user billing.User) userPayload {
	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}
	return userPayload{Username: user.Email.String(), Roles: roles, Balance: billing.FormatMoney(user.Balance)}
}

func newTransactionPayload(transaction billing.Transaction) transactionPayload {
	payload := transactionPayload{
		ID:        int64(transaction.ID),
		CreatedAt: transaction.CreatedAt.UTC().Format(time.RFC3339),
		Type:      transaction.Kind.String(),
		Amount:    billing.FormatMoney(transaction.Amount),
		ExpiresAt: formatOptionalTime(transaction.ExpiresAt),
	}
	if transaction.Course != nil {
		payload.CourseCode = transaction.Course.Code.String()
	}
	return payload
}

func formatOptionalTime(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(time.RFC3339)
	return &formatted
}
