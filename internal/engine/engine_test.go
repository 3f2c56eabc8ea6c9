package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAudioFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.mp3")
	require.NoError(t, os.WriteFile(path, []byte("fake audio bytes"), 0644))
	return path
}

func TestHTTPEngineTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "th", r.FormValue("language"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "sample.mp3", header.Filename)

		json.NewEncoder(w).Encode(Result{
			Text:     "สวัสดี",
			Language: "th",
			Segments: []Segment{{ID: 0, Start: 0, End: 1.2, Text: "สวัสดี", Confidence: 0.9}},
		})
	}))
	defer srv.Close()

	e := &HTTPEngine{URL: srv.URL, Model: "whisper-1", APIKey: "secret"}
	got, err := e.Transcribe(context.Background(), writeAudioFixture(t), "th")
	require.NoError(t, err)
	assert.Equal(t, "สวัสดี", got.Text)
	require.Len(t, got.Segments, 1)
	assert.Equal(t, 1.2, got.Segments[0].End)
}

func TestHTTPEngineServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	e := &HTTPEngine{URL: srv.URL, Model: "whisper-1"}
	_, err := e.Transcribe(context.Background(), writeAudioFixture(t), "th")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stt api failed")
}

func TestHTTPEngineMissingFile(t *testing.T) {
	e := &HTTPEngine{URL: "http://localhost:1", Model: "whisper-1"}
	_, err := e.Transcribe(context.Background(), "/no/such/file.mp3", "th")
	assert.Error(t, err)
}

func TestMockEngineChecksFile(t *testing.T) {
	m := &MockEngine{}
	_, err := m.Transcribe(context.Background(), "/no/such/file.mp3", "th")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file not found")
}
