package health

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/mongo"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 5 * time.Second

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type registration struct {
	checker  Checker
	critical bool
}

type CheckerRegistry struct {
	checkers []registration
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{
		checkers: make([]registration, 0),
	}
}

// Register adds a checker whose failure makes the service unhealthy.
func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, registration{checker: checker, critical: true})
}

// RegisterOptional adds a checker whose failure only degrades the service.
func (r *CheckerRegistry) RegisterOptional(checker Checker) {
	r.checkers = append(r.checkers, registration{checker: checker})
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	results := make(map[string]CheckResult)
	allHealthy := true
	anyDegraded := false

	for _, reg := range r.checkers {
		err := reg.checker.Check(ctx)
		result := CheckResult{
			Timestamp: time.Now(),
		}

		switch {
		case err == nil:
			result.Status = StatusHealthy
		case reg.critical:
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			allHealthy = false
		default:
			result.Status = StatusDegraded
			result.Message = err.Error()
			anyDegraded = true
		}

		results[reg.checker.Name()] = result
	}

	overallStatus := StatusHealthy
	if !allHealthy {
		overallStatus = StatusUnhealthy
	} else if anyDegraded {
		overallStatus = StatusDegraded
	}

	return Health{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

// ClientSource returns the current document store client, connecting if
// needed.
type ClientSource func(ctx context.Context) (*mongo.Client, error)

type MongoDBChecker struct {
	source ClientSource
}

func NewMongoDBChecker(source ClientSource) *MongoDBChecker {
	return &MongoDBChecker{source: source}
}

func (c *MongoDBChecker) Name() string {
	return "mongodb"
}

func (c *MongoDBChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	client, err := c.source(ctx)
	if err != nil {
		return fmt.Errorf("mongodb connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}
	return nil
}

type KafkaChecker struct {
	brokers []string
	dial    func(ctx context.Context, network, address string) (*kafka.Conn, error)
}

func NewKafkaChecker(brokers []string) *KafkaChecker {
	return &KafkaChecker{brokers: brokers, dial: kafka.DialContext}
}

func (c *KafkaChecker) Name() string {
	return "kafka"
}

// Check succeeds when any broker accepts a connection.
func (c *KafkaChecker) Check(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var lastErr error
	for _, broker := range c.brokers {
		conn, err := c.dial(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}
