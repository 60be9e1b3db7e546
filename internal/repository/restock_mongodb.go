package repository

import (
	"context"
	"fmt"
	"log"
	"time"

	"chestrestock-api/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBRestockRepository implements RestockRepository using MongoDB.
type MongoDBRestockRepository struct {
	client     *mongo.Client
	db         *mongo.Database
	containers *mongo.Collection
	loot       *mongo.Collection
}

// NewMongoDBRestockRepository connects and ensures indexes.
func NewMongoDBRestockRepository(uri, database string) (*MongoDBRestockRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(5 * time.Minute).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	r := &MongoDBRestockRepository{
		client:     client,
		db:         db,
		containers: db.Collection("restock_containers"),
		loot:       db.Collection("restock_loot_records"),
	}

	indexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "container_id", Value: 1}, {Key: "consumer_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := r.loot.Indexes().CreateOne(ctx, indexModel); err != nil {
		log.Printf("[MongoDB] Warning: failed to create index: %v", err)
	}

	log.Printf("[MongoDB] Connected to %s", database)
	return r, nil
}

// containerDocument is a container snapshot document. The _id is the
// container id.
type containerDocument struct {
	ContainerID string    `bson:"_id"`
	Capacity    int       `bson:"capacity"`
	LastRestock int64     `bson:"last_restock"`
	State       []byte    `bson:"state"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type lootDocument struct {
	ContainerID     string    `bson:"container_id"`
	ConsumerID      string    `bson:"consumer_id"`
	LastRestockTime int64     `bson:"last_restock_time"`
	LootCount       int       `bson:"loot_count"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func lootFilter(containerID, consumerID string) bson.M {
	return bson.M{"container_id": containerID, "consumer_id": consumerID}
}

func lootUpdate(rec model.PlayerLootRecord) bson.M {
	return bson.M{
		"$set": bson.M{
			"last_restock_time": rec.LastRestockTime,
			"loot_count":        rec.LootCount,
			"updated_at":        time.Now(),
		},
	}
}

func containerUpdate(snap model.ContainerSnapshot) (bson.M, error) {
	state, err := encodeState(snap)
	if err != nil {
		return nil, err
	}
	return bson.M{
		"$set": bson.M{
			"capacity":     snap.Capacity,
			"last_restock": snap.LastRestock,
			"state":        state,
			"updated_at":   snapshotTime(snap),
		},
	}, nil
}

// LoadLootRecord retrieves a loot record.
func (r *MongoDBRestockRepository) LoadLootRecord(ctx context.Context, containerID, consumerID string) (*model.PlayerLootRecord, error) {
	var doc lootDocument
	err := r.loot.FindOne(ctx, lootFilter(containerID, consumerID)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loot record: %w", err)
	}
	return &model.PlayerLootRecord{LastRestockTime: doc.LastRestockTime, LootCount: doc.LootCount}, nil
}

// SaveLootRecord upserts a loot record.
func (r *MongoDBRestockRepository) SaveLootRecord(ctx context.Context, containerID, consumerID string, rec model.PlayerLootRecord) error {
	opts := options.Update().SetUpsert(true)
	if _, err := r.loot.UpdateOne(ctx, lootFilter(containerID, consumerID), lootUpdate(rec), opts); err != nil {
		return fmt.Errorf("failed to upsert loot record: %w", err)
	}
	return nil
}

// SaveContainer upserts a container snapshot.
func (r *MongoDBRestockRepository) SaveContainer(ctx context.Context, snap model.ContainerSnapshot) error {
	update, err := containerUpdate(snap)
	if err != nil {
		return err
	}
	opts := options.Update().SetUpsert(true)
	if _, err := r.containers.UpdateOne(ctx, bson.M{"_id": snap.ContainerID}, update, opts); err != nil {
		return fmt.Errorf("failed to upsert container: %w", err)
	}
	return nil
}

// LoadContainer retrieves a container snapshot.
func (r *MongoDBRestockRepository) LoadContainer(ctx context.Context, containerID string) (*model.ContainerSnapshot, error) {
	var doc containerDocument
	err := r.containers.FindOne(ctx, bson.M{"_id": containerID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get container: %w", err)
	}

	snap := model.ContainerSnapshot{
		ContainerID: doc.ContainerID,
		Capacity:    doc.Capacity,
		LastRestock: doc.LastRestock,
		UpdatedAt:   doc.UpdatedAt,
	}
	if err := decodeState(doc.State, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteContainer removes a container snapshot and its loot records.
func (r *MongoDBRestockRepository) DeleteContainer(ctx context.Context, containerID string) error {
	if _, err := r.loot.DeleteMany(ctx, bson.M{"container_id": containerID}); err != nil {
		return fmt.Errorf("failed to delete loot records: %w", err)
	}
	if _, err := r.containers.DeleteOne(ctx, bson.M{"_id": containerID}); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// BatchSave upserts snapshots and loot records with unordered bulk writes.
func (r *MongoDBRestockRepository) BatchSave(ctx context.Context, containers []model.ContainerSnapshot, loot []model.LootEntry) error {
	opts := options.BulkWrite().SetOrdered(false)

	if len(containers) > 0 {
		models := make([]mongo.WriteModel, 0, len(containers))
		for _, snap := range containers {
			update, err := containerUpdate(snap)
			if err != nil {
				log.Printf("[MongoDB] Warning: failed to encode container %s: %v", snap.ContainerID, err)
				continue
			}
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": snap.ContainerID}).
				SetUpdate(update).
				SetUpsert(true))
		}
		if len(models) > 0 {
			if _, err := r.containers.BulkWrite(ctx, models, opts); err != nil {
				return fmt.Errorf("failed to batch upsert containers: %w", err)
			}
		}
	}

	if len(loot) > 0 {
		models := make([]mongo.WriteModel, len(loot))
		for i, entry := range loot {
			models[i] = mongo.NewUpdateOneModel().
				SetFilter(lootFilter(entry.ContainerID, entry.ConsumerID)).
				SetUpdate(lootUpdate(entry.Record)).
				SetUpsert(true)
		}
		if _, err := r.loot.BulkWrite(ctx, models, opts); err != nil {
			return fmt.Errorf("failed to batch upsert loot records: %w", err)
		}
	}

	log.Printf("[MongoDB] Batch upserted %d containers, %d loot records", len(containers), len(loot))
	return nil
}

// GetStats returns statistics about the restock collections.
func (r *MongoDBRestockRepository) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})
	stats["status"] = "connected"

	containers, err := r.containers.CountDocuments(ctx, bson.M{})
	if err != nil {
		return stats, err
	}
	stats["total_containers"] = containers

	records, err := r.loot.CountDocuments(ctx, bson.M{})
	if err != nil {
		return stats, err
	}
	stats["total_loot_records"] = records

	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	var doc containerDocument
	if err := r.containers.FindOne(ctx, bson.M{}, opts).Decode(&doc); err == nil {
		stats["last_update"] = doc.UpdatedAt
	}

	result := r.db.RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}})
	var dbStats bson.M
	if err := result.Decode(&dbStats); err == nil {
		switch size := dbStats["dataSize"].(type) {
		case int64:
			stats["db_size_bytes"] = size
		case int32:
			stats["db_size_bytes"] = int64(size)
		case float64:
			stats["db_size_bytes"] = int64(size)
		}
	}

	return stats, nil
}

// Close closes the MongoDB connection.
func (r *MongoDBRestockRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

var _ RestockRepository = (*MongoDBRestockRepository)(nil)
