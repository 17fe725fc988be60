//go:build integration

package services

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"chatcontext/internal/database"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongodb "github.com/testcontainers/testcontainers-go/modules/mongodb"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.mongodb.org/mongo-driver/bson"
)

// Shared backends for the integration tests. A nil backend means it could
// not be started; tests that need it skip.
var (
	sharedPostgres *database.Postgres
	sharedMongo    *database.MongoDB
)

// TestMain starts pgvector and a single-node Mongo replica set, unless
// CHATCONTEXT_TEST_DATABASE_URL / CHATCONTEXT_TEST_MONGODB_URI point at
// running servers. Unit tests in the package run either way.
func TestMain(m *testing.M) {
	ctx := context.Background()
	var cleanups []func()

	pgURL, pgCleanup, err := postgresURL(ctx)
	if err != nil {
		fmt.Println("postgres integration tests disabled:", err)
	} else {
		cleanups = append(cleanups, pgCleanup)
		if sharedPostgres, err = database.NewPostgres(ctx, pgURL, testDims); err != nil {
			fmt.Println("postgres integration tests disabled:", err)
		} else if err = sharedPostgres.Migrate(ctx); err != nil {
			fmt.Println("postgres integration tests disabled:", err)
			sharedPostgres.Close()
			sharedPostgres = nil
		}
	}

	mongoAddr, mongoCleanup, err := mongoURI(ctx)
	if err != nil {
		fmt.Println("mongodb integration tests disabled:", err)
	} else {
		cleanups = append(cleanups, mongoCleanup)
		if sharedMongo, err = database.NewMongoDB(ctx, mongoAddr); err != nil {
			fmt.Println("mongodb integration tests disabled:", err)
		} else if err = sharedMongo.Initialize(ctx); err != nil {
			fmt.Println("mongodb integration tests disabled:", err)
			_ = sharedMongo.Close(ctx)
			sharedMongo = nil
		}
	}

	code := m.Run()

	if sharedPostgres != nil {
		sharedPostgres.Close()
	}
	if sharedMongo != nil {
		_ = sharedMongo.Close(ctx)
	}
	for _, cleanup := range cleanups {
		cleanup()
	}
	os.Exit(code)
}

// startContainer turns a missing Docker daemon, which testcontainers
// reports by panicking, into an error
func startContainer(start func() (string, func(), error)) (url string, cleanup func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker unavailable: %v", r)
		}
	}()
	return start()
}

func postgresURL(ctx context.Context) (string, func(), error) {
	if url := os.Getenv("CHATCONTEXT_TEST_DATABASE_URL"); url != "" {
		return url, func() {}, nil
	}
	return startContainer(func() (string, func(), error) {
		ctr, err := tcpostgres.Run(ctx, "pgvector/pgvector:pg16",
			tcpostgres.WithDatabase("chatcontext"),
			tcpostgres.WithUsername("chatcontext"),
			tcpostgres.WithPassword("chatcontext"),
			tcpostgres.BasicWaitStrategies(),
		)
		cleanup := func() { _ = testcontainers.TerminateContainer(ctr) }
		if err != nil {
			cleanup()
			return "", nil, err
		}
		url, err := ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			cleanup()
			return "", nil, err
		}
		return url, cleanup, nil
	})
}

func mongoURI(ctx context.Context) (string, func(), error) {
	if uri := os.Getenv("CHATCONTEXT_TEST_MONGODB_URI"); uri != "" {
		return uri, func() {}, nil
	}
	return startContainer(func() (string, func(), error) {
		// transactions need a replica set
		ctr, err := tcmongodb.Run(ctx, "mongo:7", tcmongodb.WithReplicaSet("rs0"))
		cleanup := func() { _ = testcontainers.TerminateContainer(ctr) }
		if err != nil {
			cleanup()
			return "", nil, err
		}
		uri, err := ctr.ConnectionString(ctx)
		if err != nil {
			cleanup()
			return "", nil, err
		}
		return uri, cleanup, nil
	})
}

// requirePostgres returns the shared Postgres with an empty knowledge table
func requirePostgres(t *testing.T) *database.Postgres {
	t.Helper()
	if sharedPostgres == nil {
		t.Skip("postgres unavailable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := sharedPostgres.Pool.Exec(ctx, "TRUNCATE knowledge_fragments")
	require.NoError(t, err)
	return sharedPostgres
}

// requireMongo returns the shared MongoDB with empty cache and insight collections
func requireMongo(t *testing.T) *database.MongoDB {
	t.Helper()
	if sharedMongo == nil {
		t.Skip("mongodb unavailable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, name := range []string{
		database.CollectionSemanticCache,
		database.CollectionInsightProfiles,
		database.CollectionInsightUpdateLog,
	} {
		_, err := sharedMongo.Collection(name).DeleteMany(ctx, bson.M{})
		require.NoError(t, err)
	}
	return sharedMongo
}
