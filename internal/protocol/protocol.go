// Package protocol defines the JSON message schema shared by peers and the tracker.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Peer-to-peer message types. The first message in each direction on a new
// connection must be a handshake; everything else is valid only afterwards.
const (
	TypeHandshake    = "handshake"
	TypeHave         = "have"
	TypeRequestBlock = "request_block"
	TypeBlockData    = "block_data"
	TypeChoke        = "choke"
	TypeUnchoke      = "unchoke"
)

// Tracker commands.
const (
	CmdRegister     = "REGISTER"
	CmdGetPeers     = "GET_PEERS"
	CmdUpdateBlocks = "UPDATE_BLOCKS"
)

// Tracker response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ReasonUnknownCommand is returned by the tracker for commands it does not serve.
const ReasonUnknownCommand = "unknown_command"

// Addr is a (host, port) pair encoded on the wire as a 2-element JSON array.
type Addr struct {
	Host string
	Port int
}

func (a Addr) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{a.Host, a.Port})
}

func (a *Addr) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Wrap(err, "address is not a 2-element array")
	}
	if err := json.Unmarshal(raw[0], &a.Host); err != nil {
		return errors.Wrap(err, "address host")
	}
	if err := json.Unmarshal(raw[1], &a.Port); err != nil {
		return errors.Wrap(err, "address port")
	}
	return nil
}

// Message is the envelope for every peer-to-peer message. Type selects which
// of the remaining fields are meaningful.
type Message struct {
	Type    string `json:"type"`
	PeerID  string `json:"peer_id,omitempty"`  // handshake
	Blocks  []int  `json:"blocks,omitempty"`   // have
	BlockID int    `json:"block_id,omitempty"` // request_block, block_data
	Data    []byte `json:"data,omitempty"`     // block_data; base64 on the wire
}

// Handshake builds the connection-opening message.
func Handshake(peerID string) Message {
	return Message{Type: TypeHandshake, PeerID: peerID}
}

// Have builds an inventory announcement.
func Have(blocks []int) Message {
	return Message{Type: TypeHave, Blocks: blocks}
}

// RequestBlock builds a block request.
func RequestBlock(id int) Message {
	return Message{Type: TypeRequestBlock, BlockID: id}
}

// BlockData builds a block payload message.
func BlockData(id int, data []byte) Message {
	return Message{Type: TypeBlockData, BlockID: id, Data: data}
}

// PeerInfo describes one swarm member in a GET_PEERS response.
type PeerInfo struct {
	PeerID  string `json:"peer_id"`
	Address Addr   `json:"address"`
	Blocks  []int  `json:"blocks"`
}

// TrackerRequest is the envelope for every tracker command.
type TrackerRequest struct {
	Command  string `json:"command"`
	PeerID   string `json:"peer_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
	Address  *Addr  `json:"address,omitempty"` // REGISTER only
	Blocks   []int  `json:"blocks,omitempty"`  // REGISTER, UPDATE_BLOCKS
}

// TrackerResponse is the tracker's reply to any command.
type TrackerResponse struct {
	Status string     `json:"status"`
	Reason string     `json:"reason,omitempty"`
	Peers  []PeerInfo `json:"peers,omitempty"` // GET_PEERS only
}
