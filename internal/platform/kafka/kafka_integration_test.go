//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"rollcall/internal/platform/config"
	"rollcall/internal/platform/kafka"
	audit "rollcall/pkg/platform/audit"
	auditkafka "rollcall/pkg/platform/audit/store/kafka"
	"rollcall/pkg/testutil/containers"
)

type KafkaAuditSuite struct {
	suite.Suite
	broker string
}

func TestKafkaAuditSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaAuditSuite))
}

func (s *KafkaAuditSuite) SetupSuite() {
	s.broker = containers.NewRedpandaContainer(s.T()).Broker
}

func (s *KafkaAuditSuite) TestEnsureTopicIsIdempotent() {
	ctx := context.Background()
	client, err := kafka.NewClient(ctx, config.AuditConfig{KafkaBrokers: []string{s.broker}, KafkaTopic: "rollcall.audit.ensure"})
	s.Require().NoError(err)
	defer client.Close()

	s.Require().NoError(kafka.EnsureTopic(ctx, client, "rollcall.audit.ensure"))
	s.Require().NoError(kafka.EnsureTopic(ctx, client, "rollcall.audit.ensure"))
}

func (s *KafkaAuditSuite) TestAuditEventsAreKeyedByOperation() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	const topic = "rollcall.audit.events"

	producer, err := kafka.NewClient(ctx, config.AuditConfig{KafkaBrokers: []string{s.broker}, KafkaTopic: topic})
	s.Require().NoError(err)
	defer producer.Close()
	s.Require().NoError(kafka.EnsureTopic(ctx, producer, topic))

	store := auditkafka.New(producer, topic)
	s.Require().NoError(store.Append(ctx, audit.Event{
		ID:          "evt-1",
		Timestamp:   time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
		Action:      string(audit.EventStudentRetired),
		OperationID: "retire-uid-1",
		Subject:     "uid-1",
	}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	s.Require().NoError(fetches.Err())
	records := fetches.Records()
	s.Require().NotEmpty(records)

	rec := records[0]
	s.Equal("retire-uid-1", string(rec.Key))
	var body map[string]any
	s.Require().NoError(json.Unmarshal(rec.Value, &body))
	s.Equal("student_retired", body["action"])
	s.Equal("compliance", body["category"])
}
