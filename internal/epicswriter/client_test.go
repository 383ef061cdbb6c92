package epicswriter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnabledReflectsConfiguredURL(t *testing.T) {
	require.False(t, New("", time.Second).Enabled())
	require.True(t, New("http://localhost:1234", time.Second).Enabled())
}

func TestPutSendsPUTWithJSONBody(t *testing.T) {
	var method string
	var received Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	err := c.Put(t.Context(), Request{
		Channels:     []string{"pv1"},
		RetrievalURL: "/sf/alvra/data/p12345/raw/run/run_000001.PV.h5",
	})
	require.NoError(t, err)
	require.Equal(t, http.MethodPut, method)
	require.Equal(t, []string{"pv1"}, received.Channels)
}

func TestPutReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	err := c.Put(t.Context(), Request{})
	require.Error(t, err)
}
