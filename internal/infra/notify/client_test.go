package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/email", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var m message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		assert.Equal(t, "order_placed", m.Template)
		assert.Equal(t, "a@example.com", m.Recipient)
		assert.Equal(t, "ORD-1", m.Params["order_number"])
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "key", time.Second, 0, logger.Discard())
	require.NoError(t, err)

	err = c.SendEmail(context.Background(), "order_placed", "a@example.com", map[string]string{"order_number": "ORD-1"})
	assert.NoError(t, err)
}

func TestSendSMS_Errors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", time.Second, 0, logger.Discard())
	require.NoError(t, err)

	//4xxは恒久エラー
	err = c.SendSMS(context.Background(), "payment_failed", "+919999999999", nil)
	var ve *apperr.ValidationError
	assert.ErrorAs(t, err, &ve)

	//5xxはリトライ対象（ValidationErrorではない）
	status.Store(http.StatusServiceUnavailable)
	err = c.SendSMS(context.Background(), "payment_failed", "+919999999999", nil)
	require.Error(t, err)
	assert.NotErrorAs(t, err, &ve)

	//宛先なし
	err = c.SendSMS(context.Background(), "payment_failed", "", nil)
	assert.ErrorAs(t, err, &ve)
}
