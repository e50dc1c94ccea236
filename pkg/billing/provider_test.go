package billing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderClient_SetCancelAtPeriodEnd(t *testing.T) {
	var gotPath, gotAuth, gotForm string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm.Get("cancel_at_period_end")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewProviderClient(srv.URL+"/", "sk_test", time.Second)
	require.NoError(t, client.SetCancelAtPeriodEnd(context.Background(), "sub_1", true))

	assert.Equal(t, "/v1/subscriptions/sub_1", gotPath)
	assert.Equal(t, "Bearer sk_test", gotAuth)
	assert.Equal(t, "true", gotForm)
}

func TestProviderClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such subscription", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewProviderClient(srv.URL, "sk_test", 0)

	err := client.SetCancelAtPeriodEnd(context.Background(), "sub_missing", false)
	var providerErr *ProviderError
	require.True(t, errors.As(err, &providerErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, providerErr.StatusCode)
	assert.Equal(t, "no such subscription", providerErr.Body)

	assert.Error(t, client.SetCancelAtPeriodEnd(context.Background(), "", true))
}
