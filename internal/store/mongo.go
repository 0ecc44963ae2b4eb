package store

import (
	"context"
	"time"

	"example.com/backstage/services/telemetry/config"
	"example.com/backstage/services/telemetry/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

type mongoReading struct {
	Timestamp time.Time `bson:"timestamp"`
	DeviceID  string    `bson:"device_id"`
	Metric    string    `bson:"metric"`
	Value     *float64  `bson:"value,omitempty"`
	Text      *string   `bson:"text,omitempty"`
	Sequence  int64     `bson:"sequence"`
}

type mongoAlert struct {
	ID             string     `bson:"_id"`
	DeviceID       string     `bson:"device_id"`
	Severity       string     `bson:"severity"`
	Metric         string     `bson:"metric"`
	Message        string     `bson:"message"`
	Value          float64    `bson:"value"`
	Timestamp      time.Time  `bson:"timestamp"`
	Acknowledged   bool       `bson:"acknowledged"`
	AcknowledgedAt *time.Time `bson:"acknowledged_at,omitempty"`
}

// MongoStore persists telemetry in a MongoDB time-series collection
type MongoStore struct {
	client     *mongo.Client
	db         *mongo.Database
	collection string
	readings   *mongo.Collection
	alerts     *mongo.Collection
}

// NewMongoStore creates a store on a lazily connected client. The server is
// not contacted until the first operation, so an unreachable MongoDB shows
// up in Ping and Append rather than at start-up.
func NewMongoStore(cfg config.MongoConfig) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create MongoDB client")
	}

	db := client.Database(cfg.Database)
	return &MongoStore{
		client:     client,
		db:         db,
		collection: cfg.Collection,
		readings:   db.Collection(cfg.Collection),
		alerts:     db.Collection(alertsCollection(cfg.Collection)),
	}, nil
}

func alertsCollection(readings string) string {
	return readings + "_alerts"
}

// EnsureSchema creates the time-series collection and its indexes
func (s *MongoStore) EnsureSchema(ctx context.Context) error {
	tsOptions := options.CreateCollection().SetTimeSeriesOptions(
		options.TimeSeries().
			SetTimeField("timestamp").
			SetMetaField("device_id").
			SetGranularity("seconds"),
	)
	if err := s.db.CreateCollection(ctx, s.collection, tsOptions); err != nil {
		var cmdErr mongo.CommandError
		// NamespaceExists
		if !errors.As(err, &cmdErr) || cmdErr.Code != 48 {
			return errors.Wrapf(err, "failed to create collection %s", s.collection)
		}
	}

	_, err := s.readings.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "metric", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return errors.Wrap(err, "failed to create telemetry indexes")
	}

	log.Info().Str("collection", s.collection).Msg("MongoDB collections ready")
	return nil
}

// Append inserts one document per metric
func (s *MongoStore) Append(ctx context.Context, snap models.Snapshot) error {
	docs := readingDocuments(snap)
	if len(docs) == 0 {
		return nil
	}

	opts := options.InsertMany().SetOrdered(false)
	if _, err := s.readings.InsertMany(ctx, docs, opts); err != nil {
		return errors.Wrapf(err, "failed to insert telemetry for %s", snap.DeviceID)
	}
	return nil
}

func readingDocuments(snap models.Snapshot) []interface{} {
	readings := flatten(snap)
	docs := make([]interface{}, 0, len(readings))
	for _, r := range readings {
		docs = append(docs, mongoReading{
			Timestamp: snap.Timestamp,
			DeviceID:  snap.DeviceID,
			Metric:    r.metric,
			Value:     r.value,
			Text:      r.text,
			Sequence:  int64(snap.Sequence),
		})
	}
	return docs
}

func newMongoAlert(a models.Alert) mongoAlert {
	return mongoAlert{
		ID:             a.ID.String(),
		DeviceID:       a.DeviceID,
		Severity:       string(a.Severity),
		Metric:         a.Metric,
		Message:        a.Message,
		Value:          a.Value,
		Timestamp:      a.Timestamp,
		Acknowledged:   a.Acknowledged,
		AcknowledgedAt: a.AcknowledgedAt,
	}
}

func (d mongoReading) record() models.TelemetryRecord {
	return models.TelemetryRecord{
		Time:        d.Timestamp,
		EquipmentID: d.DeviceID,
		MetricName:  d.Metric,
		MetricValue: d.Value,
		MetricText:  d.Text,
		Sequence:    uint64(d.Sequence),
	}
}

type latestHead struct {
	DeviceID  string    `bson:"_id"`
	Timestamp time.Time `bson:"timestamp"`
}

func latestFilter(heads []latestHead) bson.M {
	or := make([]bson.M, 0, len(heads))
	for _, h := range heads {
		or = append(or, bson.M{"device_id": h.DeviceID, "timestamp": h.Timestamp})
	}
	return bson.M{"$or": or}
}

func historyFilter(deviceID string, since time.Time) bson.M {
	return bson.M{"device_id": deviceID, "timestamp": bson.M{"$gte": since}}
}

// AppendAlerts inserts alerts into the alerts collection
func (s *MongoStore) AppendAlerts(ctx context.Context, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(alerts))
	for _, a := range alerts {
		docs = append(docs, newMongoAlert(a))
	}
	if _, err := s.alerts.InsertMany(ctx, docs); err != nil {
		return errors.Wrap(err, "failed to insert alerts")
	}
	return nil
}

// AcknowledgeAlert sets the acknowledgement flag of a persisted alert
func (s *MongoStore) AcknowledgeAlert(ctx context.Context, id uuid.UUID, at time.Time) error {
	filter := bson.M{"_id": id.String(), "acknowledged": false}
	update := bson.M{"$set": bson.M{"acknowledged": true, "acknowledged_at": at.UTC()}}
	if _, err := s.alerts.UpdateOne(ctx, filter, update); err != nil {
		return errors.Wrapf(err, "failed to acknowledge alert %s", id)
	}
	return nil
}

// Latest finds each device's most recent timestamp, then loads the readings
// taken at that instant
func (s *MongoStore) Latest(ctx context.Context) (map[string]models.Snapshot, error) {
	pipeline := []bson.M{
		{"$group": bson.M{
			"_id":       "$device_id",
			"timestamp": bson.M{"$max": "$timestamp"},
		}},
	}
	cursor, err := s.readings.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate latest telemetry")
	}
	var heads []latestHead
	if err := cursor.All(ctx, &heads); err != nil {
		return nil, errors.Wrap(err, "failed to decode latest telemetry")
	}
	if len(heads) == 0 {
		return map[string]models.Snapshot{}, nil
	}

	docs, err := s.find(ctx, latestFilter(heads), options.Find())
	if err != nil {
		return nil, err
	}
	return snapshotsFromRecords(docs), nil
}

// History returns readings taken at or after since, newest first
func (s *MongoStore) History(ctx context.Context, deviceID string, since time.Time, limit int) ([]models.HistoryPoint, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit))
	docs, err := s.find(ctx, historyFilter(deviceID, since), opts)
	if err != nil {
		return nil, err
	}
	return historyFromRecords(docs), nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]models.TelemetryRecord, error) {
	cursor, err := s.readings.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query telemetry")
	}
	defer cursor.Close(ctx)

	var docs []mongoReading
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to decode telemetry")
	}

	records := make([]models.TelemetryRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, d.record())
	}
	return records, nil
}

// Ping checks the MongoDB connection
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
