package gateways

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/apperrors"
)

func TestDetectorPredict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, "0.5", r.URL.Query().Get("conf"))
		require.NoError(t, r.ParseMultipartForm(1<<20))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"detections": []map[string]interface{}{
				{
					"class":      "damaged_insulator",
					"class_ru":   "Поврежденный изолятор",
					"confidence": 0.91,
					"bbox":       []int{10, 20, 110, 90},
					"bbox_size":  map[string]interface{}{"width": 100, "height": 70, "area": 7000, "is_small": false},
					"defect_summary": map[string]interface{}{
						"type": "поврежден", "severity": "high", "description": "",
					},
				},
			},
			"statistics":    map[string]int{"damaged_insulator": 1},
			"total_objects": 1,
			"defects_count": 1,
			"has_defects":   true,
		})
	}))
	defer server.Close()

	client := NewDetectorClient(server.URL, 512<<20, arbor.NewLogger())
	summary, err := client.Predict(context.Background(), "tower.jpg", []byte("imgdata"), "image/jpeg", 0.5)
	require.NoError(t, err)
	require.Len(t, summary.Detections, 1)
	assert.Equal(t, "damaged_insulator", summary.Detections[0].Class)
	assert.Equal(t, [4]int{10, 20, 110, 90}, summary.Detections[0].BBox)
	assert.True(t, summary.HasDefects)
}

func TestDetectorPredictOversize(t *testing.T) {
	client := NewDetectorClient("http://unused", 4, arbor.NewLogger())
	_, err := client.Predict(context.Background(), "big.jpg", []byte("12345"), "image/jpeg", 0.35)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindOversize, apperrors.KindOf(err))
}

func TestDetectorPredictUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewDetectorClient(server.URL, 512<<20, arbor.NewLogger())
	_, err := client.Predict(context.Background(), "a.jpg", []byte("x"), "image/jpeg", 0.35)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUpstream, apperrors.KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, apperrors.HTTPStatus(err))
}

func TestDetectorUnavailable(t *testing.T) {
	client := NewDetectorClient("http://127.0.0.1:1", 512<<20, arbor.NewLogger())
	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUnavailable, apperrors.KindOf(err))
}
