// Package msgportv1 holds the wire types of the msgport.v1.PortService RPC
// surface. Messages travel as JSON under the "json" gRPC content subtype.
package msgportv1

type RegisterPortRequest struct {
	Name    string `json:"name"`
	Trusted bool   `json:"isTrusted,omitempty"`
}

type RegisterPortResponse struct {
	PortID uint64 `json:"portId"`
}

type CheckRemotePortRequest struct {
	AppID   string `json:"appId"`
	Name    string `json:"name"`
	Trusted bool   `json:"isTrusted,omitempty"`
}

type CheckRemotePortResponse struct {
	PortID uint64 `json:"portId"`
}

// Address names a port by id, or by application id, port name and trust
// flag when PortID is zero.
type Address struct {
	AppID   string `json:"appId,omitempty"`
	Name    string `json:"name,omitempty"`
	PortID  uint64 `json:"portId,omitempty"`
	Trusted bool   `json:"isTrusted,omitempty"`
}

type SendMessageRequest struct {
	Payload    map[string]string `json:"payload,omitempty"`
	Target     Address           `json:"target"`
	FromPortID uint64            `json:"fromPortId,omitempty"`
}

type SendMessageResponse struct{}

type UnregisterPortRequest struct {
	PortID uint64 `json:"portId"`
}

type UnregisterPortResponse struct{}

type GetPropertiesRequest struct {
	PortID uint64 `json:"portId"`
}

type PortInfo struct {
	AppID   string `json:"appId"`
	Name    string `json:"name"`
	ID      uint64 `json:"id"`
	Trusted bool   `json:"isTrusted"`
}

type GetPropertiesResponse struct {
	Port PortInfo `json:"port"`
}

type ListPortsRequest struct{}

type ListPortsResponse struct {
	Ports       []PortInfo `json:"ports"`
	Connections int        `json:"connections"`
}

type ListenRequest struct{}

// ListenResponse is one event on the Listen stream: the Hello first, then
// one Delivery per message.
type ListenResponse struct {
	Hello    *Hello    `json:"hello,omitempty"`
	Delivery *Delivery `json:"delivery,omitempty"`
}

type Hello struct {
	AppID        string `json:"appId"`
	ConnectionID string `json:"connectionId"`
}

type ReplyAddress struct {
	AppID   string `json:"appId"`
	Port    string `json:"port"`
	Trusted bool   `json:"isTrusted,omitempty"`
}

type Delivery struct {
	Payload  map[string]string `json:"payload"`
	Reply    *ReplyAddress     `json:"reply,omitempty"`
	PortName string            `json:"portName"`
	PortID   uint64            `json:"portId"`
	Trusted  bool              `json:"isTrusted,omitempty"`
}

type GetStatsRequest struct{}

type Metric struct {
	Attrs map[string]string `json:"attrs,omitempty"`
	Name  string            `json:"name"`
	Value int64             `json:"value"`
}

type GetStatsResponse struct {
	Metrics []Metric `json:"metrics"`
}
