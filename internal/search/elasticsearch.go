package search

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"example.com/backstage/services/telemetry/config"
	"example.com/backstage/services/telemetry/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const alertMapping = `{
  "mappings": {
    "properties": {
      "id":           {"type": "keyword"},
      "device_id":    {"type": "keyword"},
      "device_type":  {"type": "keyword"},
      "severity":     {"type": "keyword"},
      "metric":       {"type": "keyword"},
      "message":      {"type": "text"},
      "value":        {"type": "double"},
      "timestamp":    {"type": "date"},
      "acknowledged": {"type": "boolean"}
    }
  }
}`

// ElasticClient indexes alerts in Elasticsearch for operator search
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return nil, errors.New("elasticsearch is disabled")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

func (c *ElasticClient) indexName() string {
	return config.FormatIndex(c.config, c.config.Index)
}

// EnsureIndex creates the alert index with its mapping if it does not exist
func (c *ElasticClient) EnsureIndex(ctx context.Context) error {
	exists, err := esapi.IndicesExistsRequest{Index: []string{c.indexName()}}.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to check Elasticsearch index")
	}
	exists.Body.Close()
	if exists.StatusCode == 200 {
		return nil
	}

	res, err := esapi.IndicesCreateRequest{
		Index: c.indexName(),
		Body:  strings.NewReader(alertMapping),
	}.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to create Elasticsearch index")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "Elasticsearch create index error")
	}
	log.Info().Str("index", c.indexName()).Msg("Created alert index")
	return nil
}

// IndexAlert indexes an alert, keyed by its id
func (c *ElasticClient) IndexAlert(ctx context.Context, alert models.Alert, deviceType models.DeviceType) error {
	doc := map[string]interface{}{
		"id":           alert.ID.String(),
		"device_id":    alert.DeviceID,
		"device_type":  string(deviceType),
		"severity":     string(alert.Severity),
		"metric":       alert.Metric,
		"message":      alert.Message,
		"value":        alert.Value,
		"timestamp":    alert.Timestamp,
		"acknowledged": alert.Acknowledged,
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert document")
	}

	req := esapi.IndexRequest{
		Index:      c.indexName(),
		DocumentID: alert.ID.String(),
		Body:       bytes.NewReader(docJSON),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "Elasticsearch index error")
	}

	log.Debug().Str("alert_id", alert.ID.String()).Str("device_id", alert.DeviceID).Msg("Alert indexed")
	return nil
}

// SearchAlerts runs a query string search over indexed alerts, newest first.
// An empty query matches every alert.
func (c *ElasticClient) SearchAlerts(ctx context.Context, q string, size int) ([]map[string]interface{}, error) {
	if size <= 0 {
		size = 50
	}

	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if q = strings.TrimSpace(q); q != "" {
		query = map[string]interface{}{
			"query_string": map[string]interface{}{
				"query":  q,
				"fields": []string{"message", "device_id", "device_type", "metric", "severity"},
			},
		}
	}
	body := map[string]interface{}{
		"size":  size,
		"query": query,
		"sort": []map[string]interface{}{
			{"timestamp": map[string]string{"order": "desc"}},
		},
	}

	queryJSON, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{c.indexName()},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError(res, "Elasticsearch search error")
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	docs := make([]map[string]interface{}, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		if hit.Source != nil {
			docs = append(docs, hit.Source)
		}
	}
	return docs, nil
}

// Ping checks the cluster is reachable
func (c *ElasticClient) Ping(ctx context.Context) error {
	res, err := esapi.PingRequest{}.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to ping Elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.Errorf("Elasticsearch ping returned %s", res.Status())
	}
	return nil
}

func responseError(res *esapi.Response, msg string) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Wrap(err, "failed to parse Elasticsearch error response")
	}
	return errors.Errorf("%s: %v", msg, e)
}
