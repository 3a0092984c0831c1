package store

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ikenchina/octopus-tcc/tc/app/codec"
)

// startContainer skips the test when docker is not available.
func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()

	var container testcontainers.Container
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("failed to get container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Skipf("failed to get container port: %v", err)
	}
	return host + ":" + mapped.Port()
}

func TestRedisStoreSuite(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, "6379")

	suite.Run(t, &_storeSuite{
		codec: codec.JSON(),
		open: func() Store {
			st, err := NewRedisStore(Config{Addr: addr, PageSize: 2})
			if err != nil {
				t.Fatal(err)
			}
			return st
		},
		reset: func(st Store) {
			rdb := st.(*RedisStore).rdb.(*redis.Client)
			if err := rdb.FlushDB(context.Background()).Err(); err != nil {
				t.Fatal(err)
			}
		},
	})
}

func TestMongoStoreSuite(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
		Tmpfs:        map[string]string{"/data/db": "rw"},
	}, "27017")

	suite.Run(t, &_storeSuite{
		codec: codec.BSON(),
		open: func() Store {
			st, err := NewMongoStore(Config{Uri: "mongodb://" + addr, Database: "dtx_test", PageSize: 2})
			if err != nil {
				t.Fatal(err)
			}
			return st
		},
		reset: func(st Store) {
			_, err := st.(*MongoStore).collection.DeleteMany(context.Background(), bson.M{})
			if err != nil {
				t.Fatal(err)
			}
		},
	})
}

func TestGormStoreSuite(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "octopus",
			"POSTGRES_DB":       "octopus",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}, "5432")

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	dsn := fmt.Sprintf("host=%s port=%s user=postgres password=octopus dbname=octopus sslmode=disable", host, port)
	suite.Run(t, &_storeSuite{
		codec: codec.JSON(),
		open: func() Store {
			st, err := NewGormStore(Config{Dsn: dsn, AutoMigrate: true, MaxConnections: 20, PageSize: 2})
			if err != nil {
				t.Fatal(err)
			}
			return st
		},
		reset: func(st Store) {
			err := st.(*GormStore).Db.Exec("TRUNCATE dtx.tcc_group, dtx.tcc_participant").Error
			if err != nil {
				t.Fatal(err)
			}
		},
	})
}
