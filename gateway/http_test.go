package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	drawsync "github.com/drawbase/drawsync"
)

func TestNewHTTPValidatesURL(t *testing.T) {
	_, err := NewHTTP("ftp://example.com")
	require.Error(t, err)

	_, err = NewHTTP("https://example.com")
	require.NoError(t, err)
}

func TestHTTPGatewayFetch(t *testing.T) {
	updatedAt := time.Now().Truncate(time.Second).UTC()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/canvases/e1", r.URL.Path)
		require.Equal(t, "Bearer token123", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(canvasEnvelope{
			Version:   7,
			UpdatedAt: updatedAt,
			Content: &drawsync.CanvasContent{
				Elements: []json.RawMessage{json.RawMessage(`{"type":"rectangle"}`)},
			},
		})
	}))
	defer srv.Close()

	gw, err := NewHTTP(srv.URL, WithBearerToken("token123"))
	require.NoError(t, err)

	remote, err := gw.Fetch(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, int64(7), remote.Metadata.Version)
	require.True(t, remote.Metadata.UpdatedAt.Equal(updatedAt))
	require.Len(t, remote.Content.Elements, 1)
}

func TestHTTPGatewayFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	gw, err := NewHTTP(srv.URL)
	require.NoError(t, err)

	_, err = gw.Fetch(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPGatewayFetchUnauthorized(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		gw, err := NewHTTP(srv.URL)
		require.NoError(t, err)

		_, err = gw.Fetch(context.Background(), "e1")
		require.ErrorIs(t, err, ErrUnauthorized)
		srv.Close()
	}
}

func TestHTTPGatewaySave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/api/canvases/e1", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var env canvasEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		require.Equal(t, int64(3), env.Version)
		require.NotNil(t, env.Patch)
		require.Equal(t, "session-1", env.Patch.SessionID)

		_ = json.NewEncoder(w).Encode(canvasEnvelope{
			Version:   4,
			UpdatedAt: time.Now(),
		})
	}))
	defer srv.Close()

	gw, err := NewHTTP(srv.URL)
	require.NoError(t, err)

	content := &drawsync.CanvasContent{
		Elements: []json.RawMessage{json.RawMessage(`{"type":"arrow"}`)},
	}
	meta, err := gw.Save(context.Background(), "e1", content, MetadataPatch{
		Version:         3,
		ClientUpdatedAt: time.Now(),
		SessionID:       "session-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(4), meta.Version)
}

func TestHTTPGatewaySaveServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw, err := NewHTTP(srv.URL)
	require.NoError(t, err)

	_, err = gw.Save(context.Background(), "e1", &drawsync.CanvasContent{}, MetadataPatch{})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestHTTPGatewayDelete(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	gw, err := NewHTTP(srv.URL)
	require.NoError(t, err)

	require.NoError(t, gw.DeleteContent(context.Background(), "e1"))
	require.Equal(t, http.MethodDelete, gotMethod)
}

func TestHTTPGatewayDeleteAbsentIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	gw, err := NewHTTP(srv.URL)
	require.NoError(t, err)

	require.NoError(t, gw.DeleteContent(context.Background(), "e1"))
}

func TestHTTPGatewayEscapesEntityID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(canvasEnvelope{})
	}))
	defer srv.Close()

	gw, err := NewHTTP(srv.URL)
	require.NoError(t, err)

	_, err = gw.Fetch(context.Background(), "a/b c")
	require.NoError(t, err)
	require.Equal(t, "/api/canvases/a%2Fb%20c", gotPath)
}
