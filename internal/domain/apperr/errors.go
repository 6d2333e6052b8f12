package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// 業務エラーの分類。handlerはStatusOfでHTTPステータスに変換する。

// 入力不正（400）
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// 在庫不足（409、ユーザーが直せる）。最初に不足した商品を指す。
type InsufficientStockError struct {
	ProductID int64
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: product %d requested %d available %d", e.ProductID, e.Requested, e.Available)
}

// 不正なステータス遷移（競合かバグ）
type InvalidTransitionError struct {
	Resource string
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Resource, e.From, e.To)
}

// 署名検証失敗（401、リトライしない）
type SignatureVerificationError struct {
	Reason string
}

func (e *SignatureVerificationError) Error() string {
	return "signature verification failed: " + e.Reason
}

// ゲートウェイのタイムアウト（一時的）
type GatewayTimeoutError struct {
	Op  string
	Err error
}

func (e *GatewayTimeoutError) Error() string {
	return fmt.Sprintf("gateway %s timed out: %v", e.Op, e.Err)
}

func (e *GatewayTimeoutError) Unwrap() error { return e.Err }

// ゲートウェイ停止・5xx（一時的）
type GatewayUnavailableError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayUnavailableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s unavailable: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("gateway %s unavailable: %v", e.Op, e.Err)
}

func (e *GatewayUnavailableError) Unwrap() error { return e.Err }

// DBの直列化失敗・デッドロックなど、やり直せば通るもの
type RetryableStoreError struct {
	Code string
	Err  error
}

func (e *RetryableStoreError) Error() string {
	return fmt.Sprintf("retryable store error %s: %v", e.Code, e.Err)
}

func (e *RetryableStoreError) Unwrap() error { return e.Err }

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// リトライ対象か
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *GatewayTimeoutError
	var ue *GatewayUnavailableError
	var se *RetryableStoreError
	return errors.As(err, &te) || errors.As(err, &ue) || errors.As(err, &se)
}

// HTTPステータスとメッセージに変換。分類外は500。
func StatusOf(err error) (int, string) {
	var ve *ValidationError
	var ise *InsufficientStockError
	var ite *InvalidTransitionError
	var sve *SignatureVerificationError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.As(err, &ise):
		return http.StatusConflict, ise.Error()
	case errors.As(err, &ite):
		return http.StatusConflict, ite.Error()
	case errors.As(err, &sve):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case IsTransient(err):
		return http.StatusServiceUnavailable, "temporarily unavailable"
	}
	return http.StatusInternalServerError, "internal error"
}
