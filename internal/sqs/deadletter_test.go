package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

type mockAPI struct {
	sent     []string
	messages []types.Message
	deleted  []string
	sendErr  error
}

func (m *mockAPI) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (m *mockAPI) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	n := int(in.MaxNumberOfMessages)
	if n > len(m.messages) {
		n = len(m.messages)
	}
	out := m.messages[:n]
	m.messages = m.messages[n:]
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (m *mockAPI) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestProducer_DeadLetter(t *testing.T) {
	api := &mockAPI{}
	p := NewProducerWithClient(api, "https://sqs.example/dlq", zap.NewNop())
	p.now = func() time.Time { return time.Unix(1700000000, 0) }

	id, err := p.DeadLetter(context.Background(), "sms", `{"to":"+1","message":"hi"}`, errors.New("provider down"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("expected msg-1, got %s", id)
	}

	var got Message
	if err := json.Unmarshal([]byte(api.sent[0]), &got); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	want := Message{Channel: "sms", Payload: `{"to":"+1","message":"hi"}`, Error: "provider down", FailedAt: 1700000000}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestProducer_DeadLetterSendError(t *testing.T) {
	api := &mockAPI{sendErr: errors.New("access denied")}
	p := NewProducerWithClient(api, "https://sqs.example/dlq", zap.NewNop())

	if _, err := p.DeadLetter(context.Background(), "email", "x", nil); err == nil {
		t.Error("expected error")
	}
}

func TestConsumer_ReceiveSkipsUnreadable(t *testing.T) {
	api := &mockAPI{messages: []types.Message{
		{Body: aws.String(`{"channel":"email","payload":"p1"}`), ReceiptHandle: aws.String("h1")},
		{Body: aws.String(`not json`), ReceiptHandle: aws.String("h2")},
		{Body: aws.String(`{"payload":"no channel"}`), ReceiptHandle: aws.String("h3")},
	}}
	c := NewConsumerWithClient(api, "https://sqs.example/dlq", zap.NewNop())

	got, err := c.Receive(context.Background(), 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Message.Payload != "p1" || got[0].ReceiptHandle != "h1" {
		t.Errorf("unexpected messages %+v", got)
	}
	if len(api.deleted) != 2 {
		t.Errorf("expected unreadable messages to be deleted, got %v", api.deleted)
	}
}

func TestConsumer_Delete(t *testing.T) {
	api := &mockAPI{}
	c := NewConsumerWithClient(api, "https://sqs.example/dlq", zap.NewNop())

	if err := c.Delete(context.Background(), "h9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "h9" {
		t.Errorf("unexpected deletes %v", api.deleted)
	}
}
