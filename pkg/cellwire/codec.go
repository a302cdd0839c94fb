// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

package cellwire

import (
	"fmt"
	"strconv"
	"strings"
)

// Control bytes. These are single bytes, deliberately outside the printable
// range used by data commands, so the firmware can act on them even while a
// sequence is in progress.
const (
	// ByteEmergencyStop (CAN) halts the firmware sequence engine and vents
	// every zone.
	ByteEmergencyStop byte = 0x18

	// ByteStart (DC1/XON) resumes the firmware sequence engine after a stop.
	ByteStart byte = 0x11
)

// ResponseKind discriminates the decoded response variant.
type ResponseKind int

const (
	// KindSuccess is an acknowledgement: the bare line "OK", or an empty
	// line, which the firmware emits as a cheap keepalive ack.
	KindSuccess ResponseKind = iota

	// KindFailure is an "ERR:<message>" line.
	KindFailure

	// KindLog is any other non-empty line. The firmware prints free-text
	// diagnostics on the same stream as acks, so anything unrecognized is
	// classified as a log line rather than rejected.
	KindLog
)

// Response is the decoded form of one line received from the device.
// Exactly one of Message/Err/Text is meaningful, selected by Kind.
type Response struct {
	Kind    ResponseKind
	Message string // KindSuccess: optional ack detail
	Err     string // KindFailure: error text after "ERR:"
	Text    string // KindLog: the raw log line
}

// IsLog reports whether the response is a device log line rather than an
// acknowledgement.
func (r Response) IsLog() bool { return r.Kind == KindLog }

// OK reports whether the response acknowledges success.
func (r Response) OK() bool { return r.Kind == KindSuccess }

// EncodeCommand renders a zone command as "Z<zone>:<action>\n".
// ActionNone is a host-side sentinel and has no wire form.
func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd.Action == ActionNone {
		return nil, fmt.Errorf("cellwire: action %q has no wire encoding", cmd.Action)
	}
	return []byte(fmt.Sprintf("Z%d:%s\n", cmd.Zone, cmd.Action)), nil
}

// EncodeSequence renders a relief sequence as "SEQ:<z1>,<z2>,...\n".
// The firmware runs the inflate/hold/deflate timing itself.
func EncodeSequence(zones []int) ([]byte, error) {
	if len(zones) == 0 {
		return nil, fmt.Errorf("cellwire: empty zone sequence")
	}
	parts := make([]string, len(zones))
	for i, z := range zones {
		parts[i] = strconv.Itoa(z)
	}
	return []byte("SEQ:" + strings.Join(parts, ",") + "\n"), nil
}

// DecodeResponse classifies one inbound line. It never fails: malformed
// input degrades to a log line, matching the firmware's habit of printing
// diagnostics on the data stream.
func DecodeResponse(line string) Response {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == "":
		return Response{Kind: KindSuccess}
	case line == "OK":
		return Response{Kind: KindSuccess, Message: "OK"}
	case strings.HasPrefix(line, "ERR:"):
		return Response{Kind: KindFailure, Err: strings.TrimPrefix(line, "ERR:")}
	default:
		return Response{Kind: KindLog, Text: line}
	}
}
