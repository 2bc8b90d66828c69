// Package baresip drives a baresip instance over its ctrl_tcp interface and
// exposes it as a telephony.Transport.
package baresip

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// EventType is the type field of a baresip event
type EventType string

const (
	EventCallIncoming    EventType = "CALL_INCOMING"
	EventCallOutgoing    EventType = "CALL_OUTGOING"
	EventCallRinging     EventType = "CALL_RINGING"
	EventCallProgress    EventType = "CALL_PROGRESS"
	EventCallAnswered    EventType = "CALL_ANSWERED"
	EventCallEstablished EventType = "CALL_ESTABLISHED"
	EventCallClosed      EventType = "CALL_CLOSED"
	EventCallTransfer    EventType = "CALL_TRANSFER"
	EventCallTransferErr EventType = "CALL_TRANSFER_FAILED"
	EventRegisterOK      EventType = "REGISTER_OK"
	EventRegisterFail    EventType = "REGISTER_FAIL"
	EventUnregistering   EventType = "UNREGISTERING"
)

// Event is an unsolicited message from baresip
type Event struct {
	Event      bool      `json:"event"`
	Class      string    `json:"class"`
	Type       EventType `json:"type"`
	AccountAOR string    `json:"accountaor"`
	Direction  string    `json:"direction"`
	PeerURI    string    `json:"peeruri"`
	PeerName   string    `json:"peername"`
	ID         string    `json:"id"`
	Param      string    `json:"param"`
}

// Response answers a Command carrying the same token
type Response struct {
	Response bool   `json:"response"`
	OK       bool   `json:"ok"`
	Data     string `json:"data"`
	Token    string `json:"token"`
}

type Command struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

// message is decoded first to tell events from responses
type message struct {
	Event    *bool `json:"event"`
	Response *bool `json:"response"`
}

func decodeMessage(data []byte) (*Event, *Response, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("invalid json: %w", err)
	}
	switch {
	case m.Event != nil:
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, nil, fmt.Errorf("parse event: %w", err)
		}
		return &evt, nil, nil
	case m.Response != nil:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, nil, fmt.Errorf("parse response: %w", err)
		}
		return nil, &resp, nil
	default:
		return nil, nil, fmt.Errorf("message is neither event nor response")
	}
}

var nonDial = regexp.MustCompile(`[^\d+*#]`)

// UserFromURI reduces a SIP or tel URI to its user part, e.g.
// "Alice" <sip:+1-555-0100@pbx;transport=tls> -> +15550100
func UserFromURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if i := strings.Index(uri, "<"); i != -1 {
		uri = uri[i+1:]
		if j := strings.Index(uri, ">"); j != -1 {
			uri = uri[:j]
		}
	}
	uri = strings.TrimPrefix(uri, "sips:")
	uri = strings.TrimPrefix(uri, "sip:")
	uri = strings.TrimPrefix(uri, "tel:")
	if i := strings.Index(uri, "@"); i != -1 {
		uri = uri[:i]
	}
	if i := strings.Index(uri, ";"); i != -1 {
		uri = uri[:i]
	}
	if digits := nonDial.ReplaceAllString(uri, ""); digits != "" {
		return digits
	}
	return uri
}
