// Package queue defines the messages exchanged over the gateway's Redis
// streams: ceremony tasks handed from the event dispatcher to the
// orchestration workers, and signing responses routed back into a parked
// ceremony.
package queue

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// CeremonyTaskMessage asks a worker to run (or resume) the ceremony for
// one signing session.
type CeremonyTaskMessage struct {
	SessionID string `json:"session_id"`
}

// ToJSON serializes the CeremonyTaskMessage to JSON bytes.
func (m *CeremonyTaskMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ceremony task message: %w", err)
	}
	return data, nil
}

// FromJSONCeremonyTask deserializes JSON bytes into a CeremonyTaskMessage
// and validates it.
func FromJSONCeremonyTask(data []byte) (*CeremonyTaskMessage, error) {
	msg := &CeremonyTaskMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ceremony task message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Validate checks if the CeremonyTaskMessage has all required fields.
func (m *CeremonyTaskMessage) Validate() error {
	if m.SessionID == "" {
		return errors.New("session_id is required")
	}
	return nil
}

// SigningResponseMessage carries a decrypted, dispatcher-validated wallet
// response to the worker holding the parked ceremony.
type SigningResponseMessage struct {
	SessionID   string `json:"session_id"`
	ChallengeID string `json:"challenge_id"`
	Author      string `json:"author"`
	PayloadRef  string `json:"payload_ref"` // hex
	Signature   string `json:"signature"`   // hex
}

// ToJSON serializes the SigningResponseMessage to JSON bytes.
func (m *SigningResponseMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signing response message: %w", err)
	}
	return data, nil
}

// FromJSONSigningResponse deserializes JSON bytes into a
// SigningResponseMessage and validates it.
func FromJSONSigningResponse(data []byte) (*SigningResponseMessage, error) {
	msg := &SigningResponseMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signing response message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Validate checks if the SigningResponseMessage has all required fields
// with valid values.
func (m *SigningResponseMessage) Validate() error {
	if m.SessionID == "" {
		return errors.New("session_id is required")
	}
	if m.ChallengeID == "" {
		return errors.New("challenge_id is required")
	}
	if m.Author == "" {
		return errors.New("author is required")
	}
	if m.PayloadRef == "" {
		return errors.New("payload_ref is required")
	}
	if _, err := hex.DecodeString(m.PayloadRef); err != nil {
		return fmt.Errorf("payload_ref must be valid hexadecimal: %w", err)
	}
	if m.Signature == "" {
		return errors.New("signature is required")
	}
	if _, err := hex.DecodeString(m.Signature); err != nil {
		return fmt.Errorf("signature must be valid hexadecimal: %w", err)
	}
	return nil
}
