package llamacpp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "http://llama.test:8080"

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func setupHTTPMock(t *testing.T) {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(baseURL + "/")
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)

	_, err = NewClient("ftp://host")
	assert.Error(t, err)
}

func TestQuery(t *testing.T) {
	setupHTTPMock(t)

	var sent ChatCompletionRequest
	var rawSent map[string]any
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/v1/chat/completions",
		func(req *http.Request) (*http.Response, error) {
			var body json.RawMessage
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			_ = json.Unmarshal(body, &sent)
			_ = json.Unmarshal(body, &rawSent)
			return httpmock.NewStringResponse(http.StatusOK,
				`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"scores\":[{\"label\":\"wolf\",\"score\":0.9}]}"}}]}`), nil
		})

	img := base64.StdEncoding.EncodeToString(append(pngHeader, make([]byte, 64)...))
	reply, err := newTestClient(t).Query(context.Background(), "qwen2-vl", "score", img)
	require.NoError(t, err)
	assert.Equal(t, `{"scores":[{"label":"wolf","score":0.9}]}`, reply)

	assert.Equal(t, "qwen2-vl", sent.Model)
	assert.False(t, sent.Stream)
	require.NotNil(t, sent.ResponseFormat)
	assert.Equal(t, "json_object", sent.ResponseFormat.Type)
	assert.InDelta(t, 0.0, rawSent["temperature"], 1e-9)

	msgs := rawSent["messages"].([]any)
	parts := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	url := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"), url)
}

func TestQueryArrayContent(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/v1/chat/completions",
		httpmock.NewStringResponder(http.StatusOK,
			`{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"{}"}]}}]}`))

	reply, err := newTestClient(t).Query(context.Background(), "m", "p", "")
	require.NoError(t, err)
	assert.Equal(t, "{}", reply)
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, "status 500"},
		{"invalid json", http.StatusOK, `{invalid`, "failed to parse response"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
		{"no text", http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":[]}}]}`, "no text content"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setupHTTPMock(t)
			httpmock.RegisterResponder(http.MethodPost, baseURL+"/v1/chat/completions",
				httpmock.NewStringResponder(tc.status, tc.body))

			_, err := newTestClient(t).Query(context.Background(), "m", "p", "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestPing(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodGet, baseURL+"/health",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"ok"}`))

	require.NoError(t, newTestClient(t).Ping(context.Background(), ""))

	httpmock.Reset()
	httpmock.RegisterResponder(http.MethodGet, baseURL+"/health",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"error":{"message":"Loading model"}}`))

	err := newTestClient(t).Ping(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Loading model")
}

func TestMimeType(t *testing.T) {
	png := base64.StdEncoding.EncodeToString(append(pngHeader, make([]byte, 64)...))
	assert.Equal(t, "image/png", mimeType(png))
	assert.Equal(t, "image/jpeg", mimeType(base64.StdEncoding.EncodeToString([]byte("plain text"))))
	assert.Equal(t, "image/jpeg", mimeType(""))
}
