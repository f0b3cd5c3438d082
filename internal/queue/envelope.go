// Package queue defines the shared vocabulary between producers, the
// dispatcher and delivery workers: queue naming, the channel topology,
// the wire envelope and the list store they all talk to.
package queue

import (
	"encoding/json"
	"fmt"
)

// Envelope is the record producers write and delivery workers read.
// Field names are part of the wire contract with non-Go producers and
// consumers; the dispatcher moves envelopes without decoding them.
type Envelope struct {
	ID      string `json:"id,omitempty"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// Encode serializes the envelope for a queue.
func (e Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(data), nil
}

// Decode parses a raw queue entry. Entries without a recipient are rejected.
func Decode(raw string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.To == "" {
		return Envelope{}, fmt.Errorf("invalid envelope: missing 'to' field")
	}
	return env, nil
}
