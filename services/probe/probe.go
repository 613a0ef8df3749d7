// Package probe speaks just enough of the RFB (VNC) handshake to tell
// whether a remote desktop server is reachable, which security types it
// offers and what desktop it serves.
package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ClientVersion is the protocol version the probe announces.
const ClientVersion = "RFB 003.003\n"

const (
	securityNone   = 1
	maxReasonBytes = 64 << 10
	maxNameBytes   = 64 << 10
)

// ErrNoServer is reported when the TCP connection cannot be established.
var ErrNoServer = errors.New("no server")

// Step names the stage of the handshake a Result stopped at.
type Step string

const (
	StepConnect        Step = "connect"
	StepBanner         Step = "banner"
	StepClientVersion  Step = "client version"
	StepSecurity       Step = "security"
	StepAuth           Step = "auth"
	StepSecurityResult Step = "security result"
	StepClientInit     Step = "client init"
	StepServerInit     Step = "server init"
	StepDesktopName    Step = "desktop name"
	StepDone           Step = "done"
)

// SecurityForm tells which encoding the server used for its security types.
type SecurityForm string

const (
	// FormLegacy is the 3.3 single 32-bit security type.
	FormLegacy SecurityForm = "legacy"
	// FormModern is a count byte followed by that many type bytes.
	FormModern SecurityForm = "modern"
)

// Result is the outcome of one probe.
type Result struct {
	Host          string       `json:"host"`
	Port          int          `json:"port"`
	ServerVersion string       `json:"server_version,omitempty"`
	Form          SecurityForm `json:"security_form,omitempty"`
	SecurityTypes []uint32     `json:"security_types,omitempty"`
	Width         uint16       `json:"width,omitempty"`
	Height        uint16       `json:"height,omitempty"`
	DesktopName   string       `json:"desktop_name,omitempty"`
	Success       bool         `json:"success"`
	Step          Step         `json:"step"`
	Reason        string       `json:"reason,omitempty"`
}

// String renders the one-line status reported back to the hub.
func (r Result) String() string {
	if r.Success {
		return fmt.Sprintf("%s:%d UP (Auth:%s, Name:%s) %dx%d %s",
			r.Host, r.Port, r.authLabel(), r.DesktopName, r.Width, r.Height, r.ServerVersion)
	}
	return fmt.Sprintf("%s:%d FAIL at %s: %s", r.Host, r.Port, r.Step, r.Reason)
}

func (r Result) authLabel() string {
	if len(r.SecurityTypes) == 0 {
		return "?"
	}
	labels := make([]string, len(r.SecurityTypes))
	for i, t := range r.SecurityTypes {
		labels[i] = strconv.FormatUint(uint64(t), 10)
	}
	return strings.Join(labels, ",")
}

// DialFunc opens a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options tunes timeouts and the ports a sweep visits.
type Options struct {
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	Ports          []int
	Dial           DialFunc
}

// DefaultPorts are the display ports :0 to :5.
var DefaultPorts = []int{5900, 5901, 5902, 5903, 5904, 5905}

func (o Options) withDefaults(connect time.Duration) Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = connect
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = 5 * time.Second
	}
	if len(o.Ports) == 0 {
		o.Ports = DefaultPorts
	}
	if o.Dial == nil {
		o.Dial = (&net.Dialer{}).DialContext
	}
	return o
}

// session wraps one connection and records how far the handshake got.
type session struct {
	conn   net.Conn
	result *Result
}

func (s *session) fail(step Step, err error) {
	s.result.Step = step
	s.result.Reason = describe(err)
}

func (s *session) read(step Step, n int) ([]byte, bool) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		s.fail(step, err)
		return nil, false
	}
	return buf, true
}

func (s *session) readUint32(step Step) (uint32, bool) {
	buf, ok := s.read(step, 4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf), true
}

func (s *session) write(step Step, data []byte) bool {
	if _, err := s.conn.Write(data); err != nil {
		s.fail(step, err)
		return false
	}
	return true
}

// readString reads a 32-bit length followed by that many bytes.
func (s *session) readString(step Step, limit uint32) (string, bool) {
	n, ok := s.readUint32(step)
	if !ok {
		return "", false
	}
	if n > limit {
		s.fail(step, fmt.Errorf("length %d exceeds %d", n, limit))
		return "", false
	}
	buf, ok := s.read(step, int(n))
	if !ok {
		return "", false
	}
	return string(buf), true
}

func connect(ctx context.Context, host string, port int, opts Options) (*session, *Result, error) {
	result := &Result{Host: host, Port: port, Step: StepConnect}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	conn, err := opts.Dial(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		result.Reason = ErrNoServer.Error()
		return nil, result, fmt.Errorf("%w: %v", ErrNoServer, err)
	}

	deadline := time.Now().Add(opts.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	return &session{conn: conn, result: result}, result, nil
}

// greet exchanges protocol versions.
func (s *session) greet() bool {
	banner, ok := s.read(StepBanner, 12)
	if !ok {
		return false
	}
	s.result.ServerVersion = strings.TrimSpace(string(banner))
	return s.write(StepClientVersion, []byte(ClientVersion))
}

// security reads the server's security offer. A refusal in either form is
// returned as an empty type list with the reason length still unread. A 3.7+
// server signals refusal with a zero count byte, older ones with a zero
// 4-byte value.
func (s *session) security() ([]uint32, bool) {
	head, ok := s.read(StepSecurity, 1)
	if !ok {
		return nil, false
	}
	if head[0] == 0 && atLeast(s.result.ServerVersion, 3, 7) {
		s.result.Form = FormModern
		return nil, true
	}
	if head[0] != 0 {
		s.result.Form = FormModern
		raw, ok := s.read(StepSecurity, int(head[0]))
		if !ok {
			return nil, false
		}
		types := make([]uint32, len(raw))
		for i, b := range raw {
			types[i] = uint32(b)
		}
		return types, true
	}

	rest, ok := s.read(StepSecurity, 3)
	if !ok {
		return nil, false
	}
	s.result.Form = FormLegacy
	value := uint32(rest[0])<<16 | uint32(rest[1])<<8 | uint32(rest[2])
	if value == 0 {
		return nil, true
	}
	return []uint32{value}, true
}

// initialise sends ClientInit with the shared flag and reads ServerInit.
func (s *session) initialise() bool {
	if !s.write(StepClientInit, []byte{0x01}) {
		return false
	}
	init, ok := s.read(StepServerInit, 24)
	if !ok {
		return false
	}
	s.result.Width = binary.BigEndian.Uint16(init[0:2])
	s.result.Height = binary.BigEndian.Uint16(init[2:4])

	nameLen := binary.BigEndian.Uint32(init[20:24])
	if nameLen > maxNameBytes {
		s.fail(StepDesktopName, fmt.Errorf("length %d exceeds %d", nameLen, maxNameBytes))
		return false
	}
	name, ok := s.read(StepDesktopName, int(nameLen))
	if !ok {
		return false
	}
	s.result.DesktopName = string(name)
	return true
}

// Handshake runs the complete client handshake against host:port.
func Handshake(ctx context.Context, host string, port int, opts Options) Result {
	opts = opts.withDefaults(5 * time.Second)
	s, result, err := connect(ctx, host, port, opts)
	if err != nil {
		return *result
	}
	defer s.conn.Close()

	if !s.greet() {
		return *result
	}

	types, ok := s.security()
	if !ok {
		return *result
	}
	result.SecurityTypes = types
	if len(types) == 0 {
		reason, ok := s.readString(StepSecurity, maxReasonBytes)
		if ok {
			result.Step = StepSecurity
			result.Reason = reason
		}
		return *result
	}

	if !offersNone(types) {
		result.Step = StepAuth
		result.Reason = fmt.Sprintf("unsupported auth (types %s)", result.authLabel())
		return *result
	}

	if result.Form == FormModern {
		if !s.write(StepAuth, []byte{securityNone}) {
			return *result
		}
		if atLeast(result.ServerVersion, 3, 8) {
			status, ok := s.readUint32(StepSecurityResult)
			if !ok {
				return *result
			}
			if status != 0 {
				reason, ok := s.readString(StepSecurityResult, maxReasonBytes)
				if ok {
					result.Step = StepSecurityResult
					result.Reason = reason
				}
				return *result
			}
		}
	}

	if !s.initialise() {
		return *result
	}
	result.Step = StepDone
	result.Success = true
	return *result
}

// SweepResult is the first responsive port found by Sweep.
type SweepResult struct {
	Found  bool   `json:"found"`
	Port   int    `json:"port,omitempty"`
	Status string `json:"status"`
}

// String renders the sweep outcome as a single status line.
func (r SweepResult) String() string {
	if !r.Found {
		return "RESULT: FAIL | " + r.Status
	}
	return fmt.Sprintf("RESULT: %d | %s", r.Port, r.Status)
}

// Sweep tries each port in turn with an abbreviated handshake and returns
// the first one that answers like an RFB server.
func Sweep(ctx context.Context, host string, opts Options) SweepResult {
	opts = opts.withDefaults(2 * time.Second)
	for _, port := range opts.Ports {
		if ctx.Err() != nil {
			break
		}
		if status, ok := quickProbe(ctx, host, port, opts); ok {
			return SweepResult{Found: true, Port: port, Status: status}
		}
	}
	return SweepResult{Status: "No VNC server found"}
}

// quickProbe skips failure reasons and authentication; it only wants the
// offered type and the desktop name.
func quickProbe(ctx context.Context, host string, port int, opts Options) (string, bool) {
	s, result, err := connect(ctx, host, port, opts)
	if err != nil {
		return "", false
	}
	defer s.conn.Close()

	banner, ok := s.read(StepBanner, 12)
	if !ok || !strings.HasPrefix(string(banner), "RFB") {
		return "", false
	}
	result.ServerVersion = strings.TrimSpace(string(banner))
	if !s.write(StepClientVersion, []byte(ClientVersion)) {
		return "Handshake failed", true
	}

	indicator, ok := s.readUint32(StepSecurity)
	if !ok {
		return "Handshake failed", true
	}

	name := "Unknown"
	if s.initialise() {
		name = result.DesktopName
	}
	return fmt.Sprintf("UP (Auth:%d, Name:%s)", indicator, name), true
}

func offersNone(types []uint32) bool {
	for _, t := range types {
		if t == securityNone {
			return true
		}
	}
	return false
}

// atLeast reports whether a "RFB xxx.yyy" banner is version major.minor or
// newer.
func atLeast(banner string, wantMajor, wantMinor int) bool {
	rest, ok := strings.CutPrefix(banner, "RFB ")
	if !ok {
		return false
	}
	majorText, minorText, ok := strings.Cut(strings.TrimSpace(rest), ".")
	if !ok {
		return false
	}
	major, err := strconv.Atoi(majorText)
	if err != nil {
		return false
	}
	minor, err := strconv.Atoi(minorText)
	if err != nil {
		return false
	}
	return major > wantMajor || (major == wantMajor && minor >= wantMinor)
}

func describe(err error) string {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "connection closed by server"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	return err.Error()
}
