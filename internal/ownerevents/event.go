// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.


package ownerevents

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cardinalhq/varstore/internal/scope"
)

// EventType is the owner lifecycle transition an event reports.
type EventType string

const (
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
)

// Event is the JSON message body: {"owner_id": "...", "event": "connect"}.
type Event struct {
	OwnerID uuid.UUID `json:"owner_id"`
	Type    EventType `json:"event"`
}

var (
	ErrUnknownEvent = errors.New("unknown owner event type")
	ErrGlobalOwner  = errors.New("owner events cannot target the global scope")
)

// ParseEvent decodes and validates one message body.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode owner event: %w", err)
	}
	switch ev.Type {
	case EventConnect, EventDisconnect:
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	if ev.OwnerID == scope.GlobalOwner {
		return Event{}, ErrGlobalOwner
	}
	return ev, nil
}

// Marshal encodes the event as a message body.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
