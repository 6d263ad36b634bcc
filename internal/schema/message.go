package schema

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// MessageType enumerates supported wire commands and pushes.
type MessageType string

const (
	// Control messages.
	MessageConnect      MessageType = "connect"
	MessageDisconnect   MessageType = "disconnect"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageHeartbeatAck MessageType = "heartbeat_ack"
	MessageError        MessageType = "error"
	MessageResponse     MessageType = "response"

	// Backtest control.
	MessageStartBacktest MessageType = "start_backtest"
	MessagePause         MessageType = "pause"
	MessageResume        MessageType = "resume"
	MessageStep          MessageType = "step"
	MessageStop          MessageType = "stop"

	// Data pushes.
	MessageTickUpdate     MessageType = "tick_update"
	MessageBarUpdate      MessageType = "bar_update"
	MessagePositionUpdate MessageType = "position_update"
	MessageAccountUpdate  MessageType = "account_update"
	MessageTradeUpdate    MessageType = "trade_update"

	// Strategy management.
	MessageLoadStrategy   MessageType = "load_strategy"
	MessageReloadStrategy MessageType = "reload_strategy"
	MessageUpdateParams   MessageType = "update_params"

	// Manual trading.
	MessageManualOrder MessageType = "manual_order"
	MessageCancelOrder MessageType = "cancel_order"
	MessageCloseAll    MessageType = "close_all"

	// Snapshots.
	MessageSaveSnapshot MessageType = "save_snapshot"
	MessageLoadSnapshot MessageType = "load_snapshot"

	// Alerts.
	MessageAlert    MessageType = "alert"
	MessageAlertAck MessageType = "alert_ack"

	// State sync.
	MessageStateSync    MessageType = "state_sync"
	MessageRequestState MessageType = "request_state"

	// Playback tuning.
	MessageSetSpeed    MessageType = "set_speed"
	MessageSeekIndex   MessageType = "seek_index"
	MessageSeekTime    MessageType = "seek_time"
	MessageGetStatus   MessageType = "get_status"
)

// Message is the duplex wire envelope exchanged with clients.
// Responses to commands reuse the inbound ID.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope stamped with the current wall time in epoch milliseconds.
func NewMessage(id string, typ MessageType, payload any) (Message, error) {
	msg := Message{
		ID:        id,
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		Payload:   nil,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode message payload: %w", err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// DecodePayload unmarshals the payload into the provided destination.
func (m Message) DecodePayload(dest any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message payload empty")
	}
	if dest == nil {
		return fmt.Errorf("message payload destination nil")
	}
	if err := json.Unmarshal(m.Payload, dest); err != nil {
		return fmt.Errorf("message payload decode: %w", err)
	}
	return nil
}

// ErrorPayload is returned for failed commands.
type ErrorPayload struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// ConnectPayload is sent to a client on connection establishment.
type ConnectPayload struct {
	ClientID   string `json:"client_id"`
	ServerTime int64  `json:"server_time"`
}

// ManualOrderPayload carries the manual order command fields.
type ManualOrderPayload struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Price     string    `json:"price"`
	Volume    string    `json:"volume"`
	Exchange  string    `json:"exchange,omitempty"`
}

// CloseAllResult summarises a close-all command execution.
type CloseAllResult struct {
	ClosedCount int             `json:"closed_count"`
	Closed      []OrderRequest  `json:"closed"`
	Errors      []CloseAllError `json:"errors,omitempty"`
}

// CloseAllError reports a per-position failure during close-all.
type CloseAllError struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error"`
}
