package directory

import (
	"github.com/google/uuid"

	"github.com/sambigeara/msgport/pkg/trust"
)

// ReplyAddress lets a receiver answer the sender without a discovery step.
// The zero value means the message was sent anonymously.
type ReplyAddress struct {
	AppID   string
	Port    string
	Trusted bool
}

func (r ReplyAddress) IsZero() bool { return r == ReplyAddress{} }

// Delivery is a message bound for one port, annotated with its reply address.
type Delivery struct {
	Payload map[string]string
	Reply   ReplyAddress
	Port    Port
}

// Sink is the transport side of a connection: it makes ports addressable on
// the connection and pushes deliveries to it. Implementations must not block
// and must not call back into the Directory.
type Sink interface {
	Export(p Port) error
	Unexport(id uint64)
	Deliver(d Delivery) error
}

// Owner is the daemon's state for one live transport connection.
type Owner struct {
	sink   Sink
	oracle *trust.Oracle
	appID  string
	id     uuid.UUID
}

func NewOwner(appID string, oracle *trust.Oracle, sink Sink) *Owner {
	return &Owner{
		id:     uuid.New(),
		appID:  appID,
		oracle: oracle,
		sink:   sink,
	}
}

func (o *Owner) ID() uuid.UUID         { return o.id }
func (o *Owner) AppID() string         { return o.appID }
func (o *Owner) Oracle() *trust.Oracle { return o.oracle }
func (o *Owner) Sink() Sink            { return o.sink }
