package protocol

import (
	"encoding/json"
	"fmt"
)

// Ack status codes carried in the first payload byte of ServiceAck.
const (
	AckOK byte = iota
	AckDenied
	AckUnsupported
	AckFailed
)

// UserEntry describes one connected session in a ServiceUserList payload.
type UserEntry struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	Privilege Privilege `json:"privilege"`
	Address   string    `json:"address"`
}

// SystemMessage encodes a human-readable server notice.
func SystemMessage(text string) []byte {
	return NewPacket(ServiceSystemMessage, TransUndefined, []byte(text)).Bytes()
}

// UserList encodes the list of connected users.
func UserList(users []UserEntry) ([]byte, error) {
	if users == nil {
		users = []UserEntry{}
	}
	payload, err := json.Marshal(users)
	if err != nil {
		return nil, fmt.Errorf("encoding user list: %w", err)
	}
	return NewPacket(ServiceUserList, TransUndefined, payload).Bytes(), nil
}

// DecodeUserList parses a ServiceUserList payload.
func DecodeUserList(payload []byte) ([]UserEntry, error) {
	var users []UserEntry
	if err := json.Unmarshal(payload, &users); err != nil {
		return nil, fmt.Errorf("decoding user list: %w", err)
	}
	return users, nil
}

// InvalidPacket encodes the notice sent when a packet with the given
// transaction id was rejected.
func InvalidPacket(transaction uint16) []byte {
	return NewPacket(ServiceInvalidPacket, transaction, nil).Bytes()
}

// Ack encodes an acknowledgement for transaction with a status and detail text.
func Ack(transaction uint16, status byte, detail string) []byte {
	payload := make([]byte, 0, 1+len(detail))
	payload = append(payload, status)
	payload = append(payload, detail...)
	return NewPacket(ServiceAck, transaction, payload).Bytes()
}

// DecodeAck splits a ServiceAck payload into its status and detail text.
func DecodeAck(payload []byte) (byte, string, error) {
	if len(payload) == 0 {
		return 0, "", fmt.Errorf("decoding ack: %w", ErrShortPayload)
	}
	return payload[0], string(payload[1:]), nil
}
