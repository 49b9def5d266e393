// Package mongostore keeps a configuration document in a MongoDB collection.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/opsflow/pkg/config/configstore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"
)

const opTimeout = 10 * time.Second

// Ensure MongoStore implements the ConfigStore interface
var _ configstore.ConfigStore = (*MongoStore)(nil)

type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	ID         string // document _id, e.g. the host name
}

func New(uri, dbName, collName, id string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	//  ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		Client:     client,
		Collection: client.Database(dbName).Collection(collName),
		ID:         id,
	}, nil
}

// Load decodes the document into out through its yaml tags.
func (m *MongoStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("Load: output parameter must not be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res := m.Collection.FindOne(ctx, bson.M{"_id": m.ID})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("document with ID %q not found", m.ID)
		}
		return fmt.Errorf("MongoDB FindOne failed: %w", err)
	}
	raw, err := res.Raw()
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	return decodeRaw(raw, out)
}

// Save replaces the document with in, encoded through its yaml tags.
func (m *MongoStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}
	doc, err := encodeDoc(in)
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	doc["_id"] = m.ID

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err = m.Collection.ReplaceOne(ctx, bson.M{"_id": m.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("Save: MongoDB ReplaceOne failed: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (m *MongoStore) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

// decodeRaw converts raw to relaxed extended JSON, which is valid YAML, and
// decodes that into out.
func decodeRaw(raw bson.Raw, out any) error {
	ext, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return fmt.Errorf("failed to convert document: %w", err)
	}
	if err := yaml.Unmarshal(ext, out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

func encodeDoc(in any) (map[string]any, error) {
	data, err := yaml.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to convert document: %w", err)
	}
	return doc, nil
}
