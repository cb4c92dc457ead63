package directory

import "github.com/google/uuid"

// Port is a named endpoint owned by one connection. It is a plain value:
// the owning connection is referenced by id and resolved through the
// Directory, so a port outliving its owner simply fails to resolve.
type Port struct {
	Name    string
	AppID   string
	ID      uint64
	OwnerID uuid.UUID
	Trusted bool
}

type portKey struct {
	name    string
	trusted bool
}

func (p Port) key() portKey { return portKey{name: p.Name, trusted: p.Trusted} }

// Deliver hands payload to whoever listens on the port.
func (p Port) Deliver(owner *Owner, payload map[string]string, reply ReplyAddress) error {
	return owner.sink.Deliver(Delivery{Port: p, Payload: payload, Reply: reply})
}
