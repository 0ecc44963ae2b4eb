package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/telemetry/config"
	"example.com/backstage/services/telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCluster struct {
	mu       sync.Mutex
	requests []string
	bodies   []map[string]interface{}
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		if json.Unmarshal(data, &body) == nil {
			f.bodies = append(f.bodies, body)
		}
	}
	f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/factory-alerts/_search":
		w.Write([]byte(`{"hits":{"hits":[{"_source":{"device_id":"IMM-01","metric":"zone_temp"}}]}}`))
	default:
		w.Write([]byte(`{"result":"created"}`))
	}
}

func newTestClient(t *testing.T) (*ElasticClient, *fakeCluster) {
	t.Helper()
	cluster := &fakeCluster{}
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	client, err := NewElasticClient(config.ElasticConfig{
		Enabled: true,
		URL:     srv.URL,
		Prefix:  "factory",
		Index:   "alerts",
	})
	require.NoError(t, err)
	return client, cluster
}

func TestNewElasticClientDisabled(t *testing.T) {
	_, err := NewElasticClient(config.ElasticConfig{Enabled: false})
	require.Error(t, err)
}

func TestIndexAlert(t *testing.T) {
	client, cluster := newTestClient(t)

	alert := models.NewAlert("IMM-01", models.Finding{
		Severity: models.SeverityCritical,
		Metric:   "zone_temp",
		Message:  "Zone 2 temp out of range: 225°C",
		Value:    225,
	}, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))

	require.NoError(t, client.IndexAlert(context.Background(), alert, models.DeviceTypeIMM))

	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	require.NotEmpty(t, cluster.requests)
	assert.Equal(t, "PUT /factory-alerts/_doc/"+alert.ID.String(), cluster.requests[len(cluster.requests)-1])
	doc := cluster.bodies[len(cluster.bodies)-1]
	assert.Equal(t, "IMM-01", doc["device_id"])
	assert.Equal(t, "IMM", doc["device_type"])
	assert.Equal(t, "critical", doc["severity"])
}

func TestSearchAlerts(t *testing.T) {
	client, cluster := newTestClient(t)

	docs, err := client.SearchAlerts(context.Background(), "zone_temp", 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "IMM-01", docs[0]["device_id"])

	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	query := cluster.bodies[len(cluster.bodies)-1]
	assert.Equal(t, 10.0, query["size"])
	assert.Contains(t, query["query"], "query_string")
}
