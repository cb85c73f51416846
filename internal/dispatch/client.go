package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inkvoice/inkvoice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrBusy is a scheduling signal: the worker is mid-chapter and the
// request must go elsewhere. It is never counted as a chapter failure.
var ErrBusy = errors.New("worker busy")

// Client is the coordinator's view of one remote worker.
type Client interface {
	// Address identifies the worker; also the deterministic tie-break
	// for scheduling.
	Address() string
	Health(ctx context.Context) (protocol.HealthReply, error)
	Status(ctx context.Context) (protocol.StatusReply, error)
	ProcessChapter(ctx context.Context, req protocol.ProcessRequest) (protocol.ProcessReply, error)
}

type natsClient struct {
	conn *nats.Conn
	name string
}

// NewNATSClient builds a client that reaches the named worker over
// request/reply subjects.
func NewNATSClient(conn *nats.Conn, name string) Client {
	return &natsClient{conn: conn, name: name}
}

func (c *natsClient) Address() string { return c.name }

func (c *natsClient) Health(ctx context.Context) (protocol.HealthReply, error) {
	var reply protocol.HealthReply
	if err := c.request(ctx, protocol.WorkerHealthSubject(c.name), nil, &reply); err != nil {
		return protocol.HealthReply{}, err
	}
	return reply, nil
}

func (c *natsClient) Status(ctx context.Context) (protocol.StatusReply, error) {
	var reply protocol.StatusReply
	if err := c.request(ctx, protocol.WorkerStatusSubject(c.name), nil, &reply); err != nil {
		return protocol.StatusReply{}, err
	}
	return reply, nil
}

func (c *natsClient) ProcessChapter(ctx context.Context, req protocol.ProcessRequest) (protocol.ProcessReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return protocol.ProcessReply{}, err
	}
	var reply protocol.ProcessReply
	if err := c.request(ctx, protocol.WorkerProcessSubject(c.name), payload, &reply); err != nil {
		return protocol.ProcessReply{}, err
	}
	if !reply.Accepted {
		if reply.Reason == protocol.RejectReasonBusy {
			return reply, ErrBusy
		}
		if reply.Error != "" {
			return reply, fmt.Errorf("worker %s failed chapter %d: %s", c.name, req.ChapterIndex, reply.Error)
		}
		return reply, fmt.Errorf("worker %s rejected chapter %d: %s", c.name, req.ChapterIndex, reply.Reason)
	}
	return reply, nil
}

func (c *natsClient) request(ctx context.Context, subject string, payload []byte, out any) error {
	msg, err := c.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	return nil
}
