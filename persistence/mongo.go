package persistence

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"water_monitor/models"
)

type sensorDoc struct {
	SensorID          string    `bson:"sensor_id"`
	FlowRate          float64   `bson:"caudal_min"`
	AccumulatedVolume float64   `bson:"total_acumulado"`
	TimeLabel         string    `bson:"hora"`
	ObservedAt        time.Time `bson:"ultima_actualizacion"`
}

type historyDoc struct {
	Seq        int       `bson:"seq"`
	Sensor     sensorDoc `bson:",inline"`
	StorageTag string    `bson:"storage"`
}

func toSensorDoc(r models.Reading) sensorDoc {
	return sensorDoc{
		SensorID:          r.SensorID,
		FlowRate:          r.FlowRate,
		AccumulatedVolume: r.AccumulatedVolume,
		TimeLabel:         r.TimeLabel,
		ObservedAt:        r.ObservedAt,
	}
}

func (d sensorDoc) reading() models.Reading {
	return models.Reading{
		SensorID:          d.SensorID,
		FlowRate:          d.FlowRate,
		AccumulatedVolume: d.AccumulatedVolume,
		TimeLabel:         d.TimeLabel,
		ObservedAt:        d.ObservedAt.UTC(),
	}
}

// Mongo keeps the state in the sensors and history collections of one database
type Mongo struct {
	client  *mongo.Client
	sensors *mongo.Collection
	history *mongo.Collection
}

// NewMongo connects and pings the server; an unreachable server is an error
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connect to MongoDB: %v", ErrPersistence, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping MongoDB: %v", ErrPersistence, err)
	}

	db := client.Database(database)
	history := db.Collection("history")
	_, err = history.Indexes().CreateOne(pingCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "sensor_id", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: create history index: %v", ErrPersistence, err)
	}

	return &Mongo{
		client:  client,
		sensors: db.Collection("sensors"),
		history: history,
	}, nil
}

func (m *Mongo) Name() string { return BackendMongo }

// Save replace-upserts every sensor document and rewrites the history collection
func (m *Mongo) Save(ctx context.Context, snap models.Snapshot) error {
	for id, reading := range snap.Latest {
		_, err := m.sensors.ReplaceOne(ctx,
			bson.M{"sensor_id": id},
			toSensorDoc(reading),
			options.Replace().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("%w: upsert sensor %s: %v", ErrPersistence, id, err)
		}
	}

	if _, err := m.history.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("%w: clear history: %v", ErrPersistence, err)
	}

	entries := flattenHistory(snap.History)
	if len(entries) == 0 {
		return nil
	}
	docs := make([]interface{}, len(entries))
	for i, e := range entries {
		docs[i] = historyDoc{Seq: i, Sensor: toSensorDoc(e.Reading), StorageTag: e.StorageTag}
	}
	if _, err := m.history.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("%w: insert history: %v", ErrPersistence, err)
	}
	return nil
}

func (m *Mongo) Load(ctx context.Context) (models.Snapshot, error) {
	snap := models.NewSnapshot()

	cursor, err := m.sensors.Find(ctx, bson.D{})
	if err != nil {
		return snap, fmt.Errorf("%w: read sensors: %v", ErrPersistence, err)
	}
	var sensors []sensorDoc
	if err := cursor.All(ctx, &sensors); err != nil {
		return snap, fmt.Errorf("%w: decode sensors: %v", ErrPersistence, err)
	}

	cursor, err = m.history.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return snap, fmt.Errorf("%w: read history: %v", ErrPersistence, err)
	}
	var docs []historyDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return snap, fmt.Errorf("%w: decode history: %v", ErrPersistence, err)
	}

	for _, s := range sensors {
		snap.Latest[s.SensorID] = s.reading()
	}
	entries := make([]models.HistoryEntry, len(docs))
	for i, d := range docs {
		entries[i] = models.HistoryEntry{Reading: d.Sensor.reading(), StorageTag: d.StorageTag}
	}
	snap.History = groupHistory(entries)

	return snap, nil
}

func (m *Mongo) Status(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return Status{Connected: m.client.Ping(ctx, readpref.Primary()) == nil, Backing: BackendMongo}
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
