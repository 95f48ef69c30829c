package e2e

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/glizzus/opus-normalize/internal/config"
	"github.com/glizzus/opus-normalize/internal/datalayer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once              sync.Once
	postgresContainer *postgres.PostgresContainer
	connStr           string
	startErr          error
	wg                sync.WaitGroup
)

// UsePostgres signals that the test is using Postgres as its database.
// This will either provision or reuse a Postgres container for the test.
// Do not expect a clean state in the database; it is shared across tests
// to simulate real-world usage.
func UsePostgres(t *testing.T) string {
	t.Helper()

	once.Do(func() {
		ctx := context.Background()
		postgresContainer, startErr = postgres.Run(
			ctx,
			"postgres",
			postgres.WithDatabase("opusnormalize"),
			postgres.WithUsername("user"),
			postgres.WithPassword("password"),
			postgres.BasicWaitStrategies(),
		)
		if startErr != nil {
			return
		}
		connStr, startErr = postgresContainer.ConnectionString(ctx)
		if startErr != nil {
			return
		}

		var pool *pgxpool.Pool
		pool, startErr = pgxpool.New(ctx, connStr)
		if startErr != nil {
			return
		}
		defer pool.Close()

		startErr = datalayer.MigratePostgres(pool)
	})

	if startErr != nil {
		t.Fatalf("failed to start postgres container: %v", startErr)
	}
	wg.Add(1)
	t.Cleanup(wg.Done)

	return connStr
}

// GetPool connects to the shared database. It performs no modifications or
// migrations on the database schema.
func GetPool(t *testing.T, connStr string) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(t.Context(), connStr)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}

	t.Cleanup(pool.Close)
	return pool
}

func TerminatePostgresForE2E() {
	wg.Wait()
	if postgresContainer != nil {
		err := postgresContainer.Terminate(context.Background())
		if err != nil {
			fmt.Printf("failed to terminate postgres container: %v", err)
		}
	}
}

var (
	redisOnce      sync.Once
	redisContainer *tcredis.RedisContainer
	redisOpts      *redis.Options
	redisErr       error
	redisWG        sync.WaitGroup
)

// UseRedis provisions or reuses a Redis container and returns a client
// connected to it. Streams and groups are shared across tests.
func UseRedis(t *testing.T) *redis.Client {
	t.Helper()

	redisOnce.Do(func() {
		ctx := context.Background()
		redisContainer, redisErr = tcredis.Run(ctx, "redis:7")
		if redisErr != nil {
			return
		}
		var uri string
		uri, redisErr = redisContainer.ConnectionString(ctx)
		if redisErr != nil {
			return
		}
		redisOpts, redisErr = redis.ParseURL(uri)
	})

	if redisErr != nil {
		t.Fatalf("failed to start redis container: %v", redisErr)
	}
	redisWG.Add(1)
	t.Cleanup(redisWG.Done)

	client := redis.NewClient(redisOpts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TerminateRedisForE2E() {
	redisWG.Wait()
	if redisContainer != nil {
		if err := redisContainer.Terminate(context.Background()); err != nil {
			fmt.Printf("failed to terminate redis container: %v", err)
		}
	}
}

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

var (
	minioOnce      sync.Once
	minioContainer testcontainers.Container
	minioConfig    *config.MinioConfig
	minioErr       error
	minioWG        sync.WaitGroup
)

// UseMinio provisions or reuses a MinIO container and returns storage for
// bucket, creating the bucket if needed.
func UseMinio(t *testing.T, bucket string) *datalayer.MinioStorage {
	t.Helper()

	minioOnce.Do(func() {
		ctx := context.Background()
		minioContainer, minioErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "minio/minio",
				ExposedPorts: []string{"9000/tcp"},
				Env: map[string]string{
					"MINIO_ROOT_USER":     minioUser,
					"MINIO_ROOT_PASSWORD": minioPassword,
				},
				Cmd:        []string{"server", "/data"},
				WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
			},
			Started: true,
		})
		if minioErr != nil {
			return
		}
		var endpoint string
		endpoint, minioErr = minioContainer.PortEndpoint(ctx, "9000/tcp", "")
		if minioErr != nil {
			return
		}
		minioConfig = &config.MinioConfig{
			Endpoint: endpoint,
			Username: minioUser,
			Password: minioPassword,
		}
	})

	if minioErr != nil {
		t.Fatalf("failed to start minio container: %v", minioErr)
	}
	minioWG.Add(1)
	t.Cleanup(minioWG.Done)

	cfg := *minioConfig
	cfg.Bucket = bucket
	storage, err := datalayer.NewMinioStorage(&cfg)
	if err != nil {
		t.Fatalf("failed to create minio storage: %v", err)
	}
	if err := storage.EnsureBucket(t.Context()); err != nil {
		t.Fatalf("failed to create bucket %s: %v", bucket, err)
	}
	return storage
}

func TerminateMinioForE2E() {
	minioWG.Wait()
	if minioContainer != nil {
		if err := minioContainer.Terminate(context.Background()); err != nil {
			fmt.Printf("failed to terminate minio container: %v", err)
		}
	}
}
