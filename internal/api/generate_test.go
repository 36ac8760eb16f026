package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidationServer() *Server {
	return &Server{
		validate: validator.New(),
		logger:   slog.Default(),
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func Test_handleTextToImage_malformedBody(t *testing.T) {
	s := newValidationServer()
	w := postJSON(t, s.handleTextToImage, "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "malformed_body", decodeError(t, w).Error)
}

func Test_handleTextToImage_promptTooShort(t *testing.T) {
	s := newValidationServer()
	w := postJSON(t, s.handleTextToImage, `{"prompt": "hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decodeError(t, w).Error)
}

func Test_handleTextToImage_missingPrompt(t *testing.T) {
	s := newValidationServer()
	w := postJSON(t, s.handleTextToImage, `{"numberOfImages": 2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decodeError(t, w).Error)
}

func Test_handleTextToImage_tooManyImages(t *testing.T) {
	s := newValidationServer()
	w := postJSON(t, s.handleTextToImage, `{"prompt": "a castle at dusk", "numberOfImages": 5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decodeError(t, w).Error)
}

func Test_handleTextToImage_badAspectRatio(t *testing.T) {
	s := newValidationServer()
	w := postJSON(t, s.handleTextToImage, `{"prompt": "a castle at dusk", "aspectRatio": "21:9"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decodeError(t, w).Error)
}

func Test_handleTextToImage_badProjectId(t *testing.T) {
	s := newValidationServer()
	w := postJSON(t, s.handleTextToImage, `{"prompt": "a castle at dusk", "projectId": "not-a-uuid"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decodeError(t, w).Error)
}

func Test_handleImageReference_badReferenceType(t *testing.T) {
	s := newValidationServer()
	w := postJSON(t, s.handleImageReference, `{"prompt": "a castle at dusk", "referenceType": "silhouette"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decodeError(t, w).Error)
}

func Test_handleImageMultipleReference_noImages(t *testing.T) {
	s := newValidationServer()
	w := postJSON(t, s.handleImageMultipleReference, `{"prompt": "a castle at dusk"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decodeError(t, w).Error)
}

func Test_validationDetails(t *testing.T) {
	v := validator.New()
	err := v.Struct(textToImageRequest{Prompt: "hi", NumberOfImages: 9})
	details, ok := validationDetails(err).([]map[string]string)
	require.True(t, ok)
	require.Len(t, details, 2)
	assert.Equal(t, "Prompt", details[0]["field"])
	assert.Equal(t, "min", details[0]["rule"])
	assert.Equal(t, "NumberOfImages", details[1]["field"])
	assert.Equal(t, "max", details[1]["rule"])
}
