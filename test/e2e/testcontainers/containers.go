// Package testcontainers starts the PostgreSQL and RabbitMQ instances the
// smartmeter e2e suites run against.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	rabbitMQImage = "rabbitmq:3-management-alpine"

	postgresPort = "5432/tcp"
	amqpPort     = "5672/tcp"
)

// PostgresConfig overrides the container defaults; zero values fall back
// to smartmeter/smartmeter on database smartmeter.
type PostgresConfig struct {
	User          string
	Password      string
	Database      string
	ContainerName string
}

// Postgres is a running database container and how to reach it.
type Postgres struct {
	testcontainers.Container
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN returns a libpq connection string without TLS.
func (p *Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		p.Host, p.Port, p.User, p.Password, p.Database)
}

// StartPostgres starts PostgreSQL and waits until it accepts connections.
func StartPostgres(ctx context.Context, cfg *PostgresConfig) (*Postgres, error) {
	c := PostgresConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.User = orDefault(c.User, "smartmeter")
	c.Password = orDefault(c.Password, "smartmeter")
	c.Database = orDefault(c.Database, "smartmeter")

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{postgresPort},
			Env: map[string]string{
				"POSTGRES_USER":     c.User,
				"POSTGRES_PASSWORD": c.Password,
				"POSTGRES_DB":       c.Database,
			},
			// The init script restarts the server once, so the log line
			// shows up twice before the final instance is up.
			WaitingFor: wait.ForAll(
				wait.ForListeningPort(postgresPort),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
			Name: c.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	host, port, err := endpoint(ctx, container, postgresPort)
	if err != nil {
		return nil, err
	}

	return &Postgres{
		Container: container,
		Host:      host,
		Port:      port.Int(),
		User:      c.User,
		Password:  c.Password,
		Database:  c.Database,
	}, nil
}

// RabbitMQConfig overrides the container defaults; zero values fall back
// to guest/guest.
type RabbitMQConfig struct {
	User          string
	Password      string
	ContainerName string
}

// RabbitMQ is a running broker container.
type RabbitMQ struct {
	testcontainers.Container
	URL string
}

// StartRabbitMQ starts RabbitMQ and waits for the broker to finish booting.
func StartRabbitMQ(ctx context.Context, cfg *RabbitMQConfig) (*RabbitMQ, error) {
	c := RabbitMQConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.User = orDefault(c.User, "guest")
	c.Password = orDefault(c.Password, "guest")

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        rabbitMQImage,
			ExposedPorts: []string{amqpPort, "15672/tcp"},
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": c.User,
				"RABBITMQ_DEFAULT_PASS": c.Password,
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort(amqpPort),
				wait.ForLog("Server startup complete"),
			),
			Name: c.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	host, port, err := endpoint(ctx, container, amqpPort)
	if err != nil {
		return nil, err
	}

	return &RabbitMQ{
		Container: container,
		URL:       fmt.Sprintf("amqp://%s:%s@%s:%s/", c.User, c.Password, host, port.Port()),
	}, nil
}

// endpoint resolves the host address of a mapped port and terminates the
// container when that fails.
func endpoint(ctx context.Context, c testcontainers.Container, port nat.Port) (string, nat.Port, error) {
	host, err := c.Host(ctx)
	if err == nil {
		var mapped nat.Port
		if mapped, err = c.MappedPort(ctx, port); err == nil {
			return host, mapped, nil
		}
	}
	if termErr := c.Terminate(ctx); termErr != nil {
		return "", "", fmt.Errorf("failed to resolve %s: %w (cleanup error: %w)", port, err, termErr)
	}
	return "", "", fmt.Errorf("failed to resolve %s: %w", port, err)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
