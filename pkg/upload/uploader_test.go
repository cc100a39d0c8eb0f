package upload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-semantics/pkg/types"
)

func TestHTTPUploaderPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u := NewHTTPUploader(srv.URL, time.Second, nil)
	err := u.Publish(context.Background(), types.Annotation{
		PostID:         "p1",
		RegionTags:     types.RegionMap{{Region: "global", Tags: []string{"dog"}}},
		Caption:        "A dog appears in the image.",
		SemanticPrompt: "dog",
		Degraded:       true,
	})
	require.NoError(t, err)

	assert.Equal(t, "p1", got["id"])
	assert.Equal(t, "A dog appears in the image.", got["caption"])
	assert.Equal(t, "dog", got["semanticPrompt"])
	assert.Len(t, got["regionTags"], 1)
	assert.NotContains(t, got, "Degraded")
}

func TestHTTPUploaderFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPUploader(srv.URL, time.Second, nil).Publish(context.Background(), types.Annotation{PostID: "p"})
	assert.ErrorIs(t, err, ErrUploadFailure)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "backend down")

	srv.Close()
	err = NewHTTPUploader(srv.URL, time.Second, nil).Publish(context.Background(), types.Annotation{PostID: "p"})
	assert.ErrorIs(t, err, ErrUploadFailure)
}

func TestFanout(t *testing.T) {
	boom := errors.New("boom")
	var calls []string
	f := Fanout{
		PublisherFunc(func(context.Context, types.Annotation) error { calls = append(calls, "a"); return boom }),
		nil,
		PublisherFunc(func(context.Context, types.Annotation) error { calls = append(calls, "b"); return nil }),
	}

	err := f.Publish(context.Background(), types.Annotation{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, calls)

	assert.NoError(t, Fanout{Discard}.Publish(context.Background(), types.Annotation{}))
}
