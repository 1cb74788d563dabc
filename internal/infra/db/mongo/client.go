package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const connectTimeout = 10 * time.Second

// ErrNoReplicaSet is returned when the server is a standalone mongod.
var ErrNoReplicaSet = errors.New("mongo: live queries need a replica set or a sharded cluster")

type Client struct {
	DB *mongo.Database
}

// New connects to the chat database with majority read and write concerns.
// Live queries run on change streams and batches on transactions, so a
// standalone server is rejected.
func New(ctx context.Context, uri, database string) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	opts := options.Client().
		ApplyURI(uri).
		SetAppName("chatsync").
		SetRetryWrites(true).
		SetRetryReads(true).
		SetReadConcern(readconcern.Majority()).
		SetWriteConcern(writeconcern.Majority())
	m, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	c := &Client{DB: m.Database(database)}
	if err := c.requireReplicaSet(ctx); err != nil {
		_ = m.Disconnect(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Client) requireReplicaSet(ctx context.Context) error {
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	err := c.DB.Client().Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello)
	if err != nil {
		return fmt.Errorf("mongo: hello: %w", err)
	}
	if hello.SetName == "" && hello.Msg != "isdbgrid" {
		return ErrNoReplicaSet
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.DB.Client().Ping(ctx, nil)
}

func (c *Client) Close(ctx context.Context) error {
	return c.DB.Client().Disconnect(ctx)
}
