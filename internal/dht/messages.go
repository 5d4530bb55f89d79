package dht

import (
	"crypto/sha1"
	"net"
)

// MessageType is KRPC's top-level "y" discriminator.
type MessageType string

const (
	QueryType    MessageType = "q"
	ResponseType MessageType = "r"
	ErrorType    MessageType = "e"
)

// QueryMethod is KRPC's "q" field, naming one of the four RPC verbs this
// DHT speaks.
type QueryMethod string

const (
	PingMethod         QueryMethod = "ping"
	FindNodeMethod     QueryMethod = "find_node"
	GetPeersMethod     QueryMethod = "get_peers"
	AnnouncePeerMethod QueryMethod = "announce_peer"
)

// KRPC error codes (BEP 5 §"Errors").
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

// Message is one KRPC datagram: a query, a response, or an error, as
// bencoded over UDP. A and R are the raw argument/response dictionaries
// exactly as BEP 5 defines them; the typed Get* accessors below decode
// the fields a caller actually needs out of whichever of the two is live
// for this message's type.
type Message struct {
	T string      // transaction id
	Y MessageType // query / response / error
	V string      // client version string, unused on decode

	Q QueryMethod    // query method, set only when Y == QueryType
	A map[string]any // query arguments, set only when Y == QueryType

	R map[string]any // response values, set only when Y == ResponseType

	E []any // [code, message], set only when Y == ErrorType

	Addr *net.UDPAddr // sender/recipient, not part of the wire encoding
}

func NewQuery(method QueryMethod, transactionID string) *Message {
	return &Message{T: transactionID, Y: QueryType, Q: method, A: make(map[string]any)}
}

func NewResponse(transactionID string) *Message {
	return &Message{T: transactionID, Y: ResponseType, R: make(map[string]any)}
}

func NewError(transactionID string, code int, message string) *Message {
	return &Message{T: transactionID, Y: ErrorType, E: []any{code, message}}
}

// idBytes renders a 160-bit ID as the raw 20-byte string KRPC dictionaries
// expect, rather than its hex or textual form.
func idBytes(id [sha1.Size]byte) string {
	return string(id[:])
}

func PingQuery(transactionID string, senderID [sha1.Size]byte) *Message {
	msg := NewQuery(PingMethod, transactionID)
	msg.A["id"] = idBytes(senderID)
	return msg
}

func PingResponse(transactionID string, senderID [sha1.Size]byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = idBytes(senderID)
	return msg
}

func FindNodeQuery(transactionID string, senderID, target [sha1.Size]byte) *Message {
	msg := NewQuery(FindNodeMethod, transactionID)
	msg.A["id"] = idBytes(senderID)
	msg.A["target"] = idBytes(target)
	return msg
}

func FindNodeResponse(transactionID string, senderID [sha1.Size]byte, nodes []byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = idBytes(senderID)
	msg.R["nodes"] = string(nodes)
	return msg
}

func GetPeersQuery(transactionID string, senderID, infoHash [sha1.Size]byte) *Message {
	msg := NewQuery(GetPeersMethod, transactionID)
	msg.A["id"] = idBytes(senderID)
	msg.A["info_hash"] = idBytes(infoHash)
	return msg
}

// GetPeersResponse builds the "we have peers" branch of a get_peers reply:
// a token (required before the sender may announce_peer) plus the
// compact (ip, port) values themselves.
func GetPeersResponse(transactionID string, senderID [sha1.Size]byte, token string, values []string) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = idBytes(senderID)
	msg.R["token"] = token
	msg.R["values"] = values
	return msg
}

// GetPeersResponseNodes builds the "ask someone closer" branch of a
// get_peers reply: no values, just a token and the closest contacts known.
func GetPeersResponseNodes(transactionID string, senderID [sha1.Size]byte, token string, nodes []byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = idBytes(senderID)
	msg.R["token"] = token
	msg.R["nodes"] = string(nodes)
	return msg
}

func AnnouncePeerQuery(transactionID string, senderID, infoHash [sha1.Size]byte, port int, token string) *Message {
	msg := NewQuery(AnnouncePeerMethod, transactionID)
	msg.A["id"] = idBytes(senderID)
	msg.A["info_hash"] = idBytes(infoHash)
	msg.A["port"] = port
	msg.A["token"] = token
	return msg
}

func AnnouncePeerResponse(transactionID string, senderID [sha1.Size]byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = idBytes(senderID)
	return msg
}

// argsOrResults returns whichever of A/R is live for m's type, or nil if
// neither applies — centralizing the Y-dependent dictionary choice every
// Get* accessor below would otherwise repeat.
func (m *Message) argsOrResults() map[string]any {
	switch m.Y {
	case QueryType:
		return m.A
	case ResponseType:
		return m.R
	default:
		return nil
	}
}

func getIDField(dict map[string]any, key string) ([sha1.Size]byte, bool) {
	var id [sha1.Size]byte
	if dict == nil {
		return id, false
	}
	s, ok := dict[key].(string)
	if !ok || len(s) != sha1.Size {
		return id, false
	}
	copy(id[:], s)
	return id, true
}

func (m *Message) GetNodeID() ([sha1.Size]byte, bool) {
	return getIDField(m.argsOrResults(), "id")
}

func (m *Message) GetTarget() ([sha1.Size]byte, bool) {
	if m.Y != QueryType {
		var zero [sha1.Size]byte
		return zero, false
	}
	return getIDField(m.A, "target")
}

func (m *Message) GetInfoHash() ([sha1.Size]byte, bool) {
	if m.Y != QueryType {
		var zero [sha1.Size]byte
		return zero, false
	}
	return getIDField(m.A, "info_hash")
}

func (m *Message) GetToken() (string, bool) {
	token, ok := m.argsOrResults()["token"].(string)
	return token, ok
}

func (m *Message) GetNodes() ([]byte, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}
	nodesStr, ok := m.R["nodes"].(string)
	if !ok {
		return nil, false
	}
	return []byte(nodesStr), true
}

// GetValues extracts the compact (ip, port) peer strings a get_peers
// response carries when the queried node already has peers for the
// info_hash, rather than a closer-contacts list.
func (m *Message) GetValues() ([]string, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}

	valuesRaw, ok := m.R["values"].([]any)
	if !ok {
		return nil, false
	}

	values := make([]string, 0, len(valuesRaw))
	for _, v := range valuesRaw {
		if str, ok := v.(string); ok {
			values = append(values, str)
		}
	}

	return values, len(values) > 0
}

// GetPort reads announce_peer's port argument, tolerating both int and
// int64: a bencode decoder may produce either depending on how it
// represents integers internally.
func (m *Message) GetPort() (int, bool) {
	if m.Y != QueryType || m.A == nil {
		return 0, false
	}

	switch port := m.A["port"].(type) {
	case int:
		return port, true
	case int64:
		return int(port), true
	default:
		return 0, false
	}
}

func (m *Message) IsQuery() bool    { return m.Y == QueryType }
func (m *Message) IsResponse() bool { return m.Y == ResponseType }
func (m *Message) IsError() bool    { return m.Y == ErrorType }
