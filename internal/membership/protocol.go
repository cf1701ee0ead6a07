// Package membership implements the elastic membership controller
// (spec.md §4.11): the out-of-band TCP channel used to start/stop/ping a
// partition's servers and to trigger expand/shrink, which rehashes every
// file and commits the new partition. Connected clients are not notified;
// a client rebinds its open handles by calling its own ReinitVFHs.
package membership

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ActionCode is the fixed first int32 every controller-channel message
// begins with, mirroring xpn_controller_send.cpp's send_action: a
// constant tag distinguishing a controller request from stray traffic
// before the action itself is read.
const ActionCode int32 = 0x58504e43 // "XPNC"

// Action enumerates the controller operations, in the exact order
// xpn_controller_send.cpp's `action` enum lists them.
type Action int32

const (
	ActionStop Action = iota
	ActionStartServers
	ActionStopServers
	ActionPingServers
	ActionExpandNew
	ActionExpandChange
	ActionShrinkNew
	ActionShrinkChange
)

func (a Action) String() string {
	switch a {
	case ActionStop:
		return "STOP"
	case ActionStartServers:
		return "START_SERVERS"
	case ActionStopServers:
		return "STOP_SERVERS"
	case ActionPingServers:
		return "PING_SERVERS"
	case ActionExpandNew:
		return "EXPAND_NEW"
	case ActionExpandChange:
		return "EXPAND_CHANGE"
	case ActionShrinkNew:
		return "SHRINK_NEW"
	case ActionShrinkChange:
		return "SHRINK_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// Request is the decoded controller-channel message: the action plus
// whichever of its action-specific fields apply (§6 "Controller
// channel"): bool await, int32 server_cores, bool debug, or a
// length-prefixed host list.
type Request struct {
	Action      Action
	Await       bool
	ServerCores int32
	Debug       bool
	HostList    []string
}

func writeInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func writeBool(w io.Writer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// writeStr sends a length-prefixed string, matching socket::send_str's
// wire shape (int64 length, then the raw bytes).
func writeStr(w io.Writer, s string) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readStr(r io.Reader) (string, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

// hostListSep joins/splits a comma-separated host list, matching the
// CLI's --hostlist h1,h2,... shape (§6 "CLI surface").
const hostListSep = ","

func joinHosts(hosts []string) string {
	out := ""
	for i, h := range hosts {
		if i > 0 {
			out += hostListSep
		}
		out += h
	}
	return out
}

func splitHosts(s string) []string {
	if s == "" {
		return nil
	}
	var hosts []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			hosts = append(hosts, s[start:i])
			start = i + 1
		}
	}
	return hosts
}

// WriteRequest encodes req to w in the controller channel's wire format.
func WriteRequest(w io.Writer, req Request) error {
	if err := writeInt32(w, ActionCode); err != nil {
		return err
	}
	if err := writeInt32(w, int32(req.Action)); err != nil {
		return err
	}
	switch req.Action {
	case ActionStop, ActionStopServers:
		return writeBool(w, req.Await)
	case ActionStartServers:
		if err := writeBool(w, req.Await); err != nil {
			return err
		}
		if err := writeInt32(w, req.ServerCores); err != nil {
			return err
		}
		return writeBool(w, req.Debug)
	case ActionPingServers:
		return nil
	case ActionExpandNew, ActionExpandChange, ActionShrinkNew, ActionShrinkChange:
		return writeStr(w, joinHosts(req.HostList))
	default:
		return fmt.Errorf("membership: unknown action %d", req.Action)
	}
}

// ReadRequest decodes a Request from r, including the leading ActionCode
// check.
func ReadRequest(r io.Reader) (Request, error) {
	code, err := readInt32(r)
	if err != nil {
		return Request{}, err
	}
	if code != ActionCode {
		return Request{}, fmt.Errorf("membership: bad action code %#x", code)
	}
	actionInt, err := readInt32(r)
	if err != nil {
		return Request{}, err
	}
	req := Request{Action: Action(actionInt)}
	switch req.Action {
	case ActionStop, ActionStopServers:
		req.Await, err = readBool(r)
	case ActionStartServers:
		if req.Await, err = readBool(r); err != nil {
			return Request{}, err
		}
		if req.ServerCores, err = readInt32(r); err != nil {
			return Request{}, err
		}
		req.Debug, err = readBool(r)
	case ActionPingServers:
		// no payload
	case ActionExpandNew, ActionExpandChange, ActionShrinkNew, ActionShrinkChange:
		var hostList string
		hostList, err = readStr(r)
		req.HostList = splitHosts(hostList)
	default:
		return Request{}, fmt.Errorf("membership: unknown action %d", req.Action)
	}
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

// WriteResponse writes the controller channel's single int32 return code.
func WriteResponse(w io.Writer, code int32) error {
	return writeInt32(w, code)
}

// ReadResponse reads the controller channel's return code.
func ReadResponse(r io.Reader) (int32, error) {
	return readInt32(r)
}
