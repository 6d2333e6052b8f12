package usecase

import (
	"errors"
	"fmt"

	"settlement/internal/domain/apperr"
	repo "settlement/internal/repository"
)

// 業務エラー以外の単純なステータス返し（401や入力形式の400など）
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func NewHTTPError(status int, message string) error {
	return &HTTPError{
		Status:  status,
		Message: message,
	}
}

func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	ok := errors.As(err, &he)
	return he, ok
}

// repositoryのNotFoundを業務のNotFoundに寄せる
func notFoundAs(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.ErrNotFound
	}
	return err
}
