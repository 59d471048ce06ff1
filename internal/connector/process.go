package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

const (
	eventBuffer    = 64
	maxLineBytes   = 64 << 20
	saveTimeout    = 10 * time.Second
	reasonExited   = "DRIVER_EXITED"
	killGraceDelay = 5 * time.Second
)

// CredentialStore persists the blobs a driver needs to resume a session.
type CredentialStore interface {
	SaveCredential(ctx context.Context, tenantID, name string, data []byte) error
	LoadCredentials(ctx context.Context, tenantID string) (map[string][]byte, error)
}

// ProcessOptions configures one driver process.
type ProcessOptions struct {
	Command     string
	Args        []string
	AuthDir     string
	CacheDir    string
	Credentials CredentialStore
	Logger      zerolog.Logger
}

// Process runs the session driver as a child process and talks to it with
// newline-delimited JSON over stdin/stdout. Each request carries an id that
// the matching response echoes; lines without an id are events.
type Process struct {
	tenantID string
	opts     ProcessOptions
	log      zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	closed  bool
	pending map[string]chan response

	writeMu  sync.Mutex
	events   chan types.ConnectorEvent
	stopping chan struct{}
	done     chan struct{}
}

var _ interfaces.Connector = (*Process)(nil)

type request struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage
	Error  string
	err    error
}

// wireMessage is any line the driver writes.
type wireMessage struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	Event   string              `json:"event,omitempty"`
	QR      string              `json:"qr,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	Message *types.InboundEvent `json:"message,omitempty"`
	Name    string              `json:"name,omitempty"`
	Data    []byte              `json:"data,omitempty"`
}

type wireAttachment struct {
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	Data     []byte `json:"data"`
}

type wirePayload struct {
	Text       string          `json:"text,omitempty"`
	Caption    string          `json:"caption,omitempty"`
	Attachment *wireAttachment `json:"attachment,omitempty"`
	Location   *types.Location `json:"location,omitempty"`
	AsDocument bool            `json:"asDocument,omitempty"`
	AsVoice    bool            `json:"asVoice,omitempty"`
}

// NewProcess prepares a driver for tenantID. Nothing is spawned until Initialize.
func NewProcess(tenantID string, opts ProcessOptions) *Process {
	return &Process{
		tenantID: tenantID,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "connector").Str("tenant_id", tenantID).Logger(),
		pending:  make(map[string]chan response),
		events:   make(chan types.ConnectorEvent, eventBuffer),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Initialize spawns the driver, hands it any stored credentials and waits for
// it to acknowledge.
func (p *Process) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}

	cmd := exec.Command(p.opts.Command, p.opts.Args...)
	cmd.Env = append(os.Environ(),
		"ENVIOS_TENANT_ID="+p.tenantID,
		"ENVIOS_AUTH_DIR="+p.opts.AuthDir,
		"ENVIOS_CACHE_DIR="+p.opts.CacheDir,
	)
	cmd.Stderr = p.log.With().Str("stream", "stderr").Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		p.mu.Unlock()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		p.mu.Unlock()
		return fmt.Errorf("failed to start driver: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.started = true
	p.mu.Unlock()

	go p.readLoop(stdout)

	p.log.Debug().Int("pid", cmd.Process.Pid).Msg("driver started")

	params := map[string]interface{}{
		"tenantId": p.tenantID,
		"authDir":  p.opts.AuthDir,
		"cacheDir": p.opts.CacheDir,
	}
	if p.opts.Credentials != nil {
		blobs, err := p.opts.Credentials.LoadCredentials(ctx, p.tenantID)
		if err != nil {
			return fmt.Errorf("failed to load credentials: %w", err)
		}
		if len(blobs) > 0 {
			params["credentials"] = blobs
		}
	}

	return p.call(ctx, "initialize", params, nil)
}

// Events returns the lifecycle channel. It is closed once the driver has
// exited or the connector was destroyed before starting.
func (p *Process) Events() <-chan types.ConnectorEvent {
	return p.events
}

func (p *Process) LiveState(ctx context.Context) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := p.call(ctx, "getState", nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

func (p *Process) Profile(ctx context.Context) (*types.Profile, error) {
	var out types.Profile
	if err := p.call(ctx, "getProfile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Process) ResolveRecipient(ctx context.Context, address string) (string, bool, error) {
	var out struct {
		ID         string `json:"id"`
		Registered bool   `json:"registered"`
	}
	if err := p.call(ctx, "resolveRecipient", map[string]string{"address": address}, &out); err != nil {
		return "", false, err
	}
	if !out.Registered || out.ID == "" {
		return "", false, nil
	}
	return out.ID, true, nil
}

func (p *Process) Send(ctx context.Context, recipientID string, payload types.Payload) (*types.SendReceipt, error) {
	wire := wirePayload{
		Text:       payload.Text,
		Caption:    payload.Caption,
		Location:   payload.Location,
		AsDocument: payload.AsDocument,
		AsVoice:    payload.AsVoice,
	}
	if a := payload.Attachment; a != nil {
		wire.Attachment = &wireAttachment{MimeType: a.MimeType, FileName: a.FileName, Data: a.Data}
	}

	var out struct {
		MessageID string `json:"messageId"`
		Timestamp int64  `json:"timestamp"`
		Ack       int    `json:"ack"`
	}
	params := map[string]interface{}{"to": recipientID, "payload": wire}
	if err := p.call(ctx, "send", params, &out); err != nil {
		return nil, err
	}
	return &types.SendReceipt{MessageID: out.MessageID, Timestamp: out.Timestamp, Ack: out.Ack}, nil
}

func (p *Process) DownloadMedia(ctx context.Context, messageID string) (*types.Attachment, error) {
	var out wireAttachment
	if err := p.call(ctx, "downloadMedia", map[string]string{"messageId": messageID}, &out); err != nil {
		return nil, err
	}
	return &types.Attachment{Data: out.Data, MimeType: out.MimeType, FileName: out.FileName}, nil
}

func (p *Process) Logout(ctx context.Context) error {
	return p.call(ctx, "logout", nil, nil)
}

// Destroy closes the driver's stdin and waits for it to exit, killing it if
// ctx expires first.
func (p *Process) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if !p.started {
		p.mu.Unlock()
		close(p.events)
		close(p.done)
		return nil
	}
	cmd := p.cmd
	stdin := p.stdin
	p.mu.Unlock()

	close(p.stopping)
	_ = stdin.Close()

	grace := time.NewTimer(killGraceDelay)
	defer grace.Stop()

	select {
	case <-p.done:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-p.done
	case <-grace.C:
		p.log.Warn().Msg("driver did not exit, killing")
		_ = cmd.Process.Kill()
		<-p.done
	}

	if err := cmd.Wait(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			p.log.Debug().Err(err).Msg("driver exited")
			return nil
		}
		return fmt.Errorf("failed to reap driver: %w", err)
	}
	return nil
}

func (p *Process) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotInitialized
	}
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	id := uuid.NewString()
	ch := make(chan response, 1)
	p.pending[id] = ch
	stdin := p.stdin
	p.mu.Unlock()

	line, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		p.forget(id)
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	line = append(line, '\n')

	p.writeMu.Lock()
	_, err = stdin.Write(line)
	p.writeMu.Unlock()
	if err != nil {
		p.forget(id)
		return fmt.Errorf("failed to write %s request: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return resp.err
		}
		if resp.Error != "" {
			return &RemoteError{Method: method, Message: resp.Error}
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		p.forget(id)
		return ctx.Err()
	case <-p.done:
		p.forget(id)
		return ErrClosed
	}
}

func (p *Process) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// readLoop is the only sender on p.events and closes it on exit.
func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.done)
	defer close(p.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			p.log.Warn().Err(err).Msg("unparsable driver line")
			continue
		}

		if msg.ID != "" {
			p.resolve(msg)
			continue
		}
		p.dispatchEvent(msg)
	}
	if err := scanner.Err(); err != nil {
		p.log.Warn().Err(err).Msg("driver stdout read failed")
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]chan response)
	closing := p.closed
	p.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: ErrClosed}
	}

	if !closing {
		p.log.Warn().Msg("driver exited unexpectedly")
		p.emit(types.ConnectorEvent{Kind: types.EventDisconnected, Reason: reasonExited})
	}
}

// emit drops events once Destroy has begun so a stalled reader cannot block
// teardown.
func (p *Process) emit(ev types.ConnectorEvent) {
	select {
	case p.events <- ev:
	case <-p.stopping:
	}
}

func (p *Process) resolve(msg wireMessage) {
	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	delete(p.pending, msg.ID)
	p.mu.Unlock()

	if !ok {
		p.log.Debug().Str("request_id", msg.ID).Msg("response for unknown request")
		return
	}
	ch <- response{Result: msg.Result, Error: msg.Error}
}

func (p *Process) dispatchEvent(msg wireMessage) {
	switch msg.Event {
	case "qr":
		p.emit(types.ConnectorEvent{Kind: types.EventPairing, QR: msg.QR})
	case "authenticated":
		p.emit(types.ConnectorEvent{Kind: types.EventAuthenticated})
	case "ready":
		p.emit(types.ConnectorEvent{Kind: types.EventReady})
	case "disconnected":
		p.emit(types.ConnectorEvent{Kind: types.EventDisconnected, Reason: msg.Reason})
	case "auth_failure":
		p.emit(types.ConnectorEvent{Kind: types.EventAuthFailure, Err: errors.New(msg.Error)})
	case "protocol_error":
		p.emit(types.ConnectorEvent{Kind: types.EventProtocolError, Err: errors.New(msg.Error)})
	case "message":
		if msg.Message != nil {
			p.emit(types.ConnectorEvent{Kind: types.EventInboundMessage, Message: msg.Message})
		}
	case "credentials":
		p.saveCredential(msg.Name, msg.Data)
	default:
		p.log.Debug().Str("event", msg.Event).Msg("ignoring driver event")
	}
}

func (p *Process) saveCredential(name string, data []byte) {
	if p.opts.Credentials == nil || name == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := p.opts.Credentials.SaveCredential(ctx, p.tenantID, name, data); err != nil {
		p.log.Error().Err(err).Str("credential", name).Msg("failed to persist credential")
	}
}
