package cnsingester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/cnsscope/wire"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

var (
	// ErrNoResponders is returned when no producer serves the app's command subject.
	ErrNoResponders = errors.New("no producer is serving commands for this app")
	// ErrInvalidCommand is returned for commands rejected before sending.
	ErrInvalidCommand = errors.New("invalid command")
)

// Requester sends a request and waits for its reply.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// natsRequester uses core NATS request/reply.
type natsRequester struct {
	conn *nats.Conn
}

func (r natsRequester) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := r.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, ErrNoResponders
		}
		return nil, err
	}
	return msg.Data, nil
}

// Relay forwards stimulate commands to the producer serving an app.
type Relay struct {
	requester Requester
	timeout   time.Duration
	validate  *validator.Validate
	metrics   *metrics
}

// NewRelay returns a relay that sends commands over conn.
func NewRelay(conn *nats.Conn, timeout time.Duration) *Relay {
	return newRelay(natsRequester{conn: conn}, timeout, newMetrics())
}

func newRelay(requester Requester, timeout time.Duration, m *metrics) *Relay {
	return &Relay{
		requester: requester,
		timeout:   timeout,
		validate:  validator.New(),
		metrics:   m,
	}
}

// Stimulate sends cmd to appID's producer. A missing command id is generated.
// A reply with accepted=false is not an error.
func (r *Relay) Stimulate(ctx context.Context, appID string, cmd wire.StimulateCommand) (wire.StimulateReply, error) {
	if appID == "" {
		return wire.StimulateReply{}, fmt.Errorf("%w: app id is required", ErrInvalidCommand)
	}
	if cmd.StimulationCommandID == "" {
		cmd.StimulationCommandID = uuid.NewString()
	}
	if err := r.validate.StructCtx(ctx, cmd); err != nil {
		r.metrics.relayed.WithLabelValues("invalid").Inc()
		return wire.StimulateReply{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return wire.StimulateReply{}, fmt.Errorf("marshal command: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	subject := wire.CommandSubject(appID)
	out, err := r.requester.Request(reqCtx, subject, data)
	if err != nil {
		r.metrics.relayed.WithLabelValues("error").Inc()
		return wire.StimulateReply{}, fmt.Errorf("request %s: %w", subject, err)
	}

	var reply wire.StimulateReply
	if err := json.Unmarshal(out, &reply); err != nil {
		r.metrics.relayed.WithLabelValues("error").Inc()
		return wire.StimulateReply{}, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Accepted {
		r.metrics.relayed.WithLabelValues("accepted").Inc()
	} else {
		r.metrics.relayed.WithLabelValues("rejected").Inc()
	}
	return reply, nil
}
