package logger

import (
	"io"
	"log/slog"
	"os"
)

// New はJSON形式の slog.Logger を返す。dev だけ debug まで出す。
func New(goEnv string) *slog.Logger {
	return NewWithWriter(os.Stdout, goEnv)
}

func NewWithWriter(w io.Writer, goEnv string) *slog.Logger {
	level := slog.LevelInfo
	if goEnv == "dev" {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// 何も出さない（テスト用）
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
