package wasi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/caffeineduck/moonrun/hostfunc"
)

// Guests call host functions by writing a framed request to stderr and
// reading one JSON line back from stdin.
// Format: \x00MOONRUN:{json}\x00
const (
	protocolPrefix = "\x00MOONRUN:"
	protocolSuffix = "\x00"
)

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// protocolHandler sits on the guest's stderr. Plain output passes through;
// framed requests are dispatched through the registry.
type protocolHandler struct {
	ctx      context.Context
	registry *hostfunc.Registry
	replies  io.Writer
	stderr   bytes.Buffer
	buf      bytes.Buffer
	calls    int
	mu       sync.Mutex
}

func newProtocolHandler(ctx context.Context, registry *hostfunc.Registry, replies io.Writer) *protocolHandler {
	return &protocolHandler{
		ctx:      ctx,
		registry: registry,
		replies:  replies,
	}
}

func (p *protocolHandler) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)

	prefix := []byte(protocolPrefix)
	for {
		content := p.buf.Bytes()
		start := bytes.Index(content, prefix)
		if start == -1 {
			// Keep a partial prefix at the tail for the next write.
			keep := partialPrefix(content, prefix)
			p.stderr.Write(content[:len(content)-keep])
			rest := append([]byte(nil), content[len(content)-keep:]...)
			p.buf.Reset()
			p.buf.Write(rest)
			break
		}

		p.stderr.Write(content[:start])

		body := content[start+len(prefix):]
		end := bytes.Index(body, []byte(protocolSuffix))
		if end == -1 {
			rest := append([]byte(nil), content[start:]...)
			p.buf.Reset()
			p.buf.Write(rest)
			break
		}

		payload := append([]byte(nil), body[:end]...)
		rest := append([]byte(nil), body[end+len(protocolSuffix):]...)
		p.buf.Reset()
		p.buf.Write(rest)

		var req callRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			p.respond(callResponse{Error: "invalid call format"})
			continue
		}

		p.calls++
		p.respond(p.handleCall(req))
	}

	return len(data), nil
}

// partialPrefix returns how many trailing bytes of b could begin prefix.
func partialPrefix(b, prefix []byte) int {
	for n := min(len(prefix)-1, len(b)); n > 0; n-- {
		if bytes.Equal(b[len(b)-n:], prefix[:n]) {
			return n
		}
	}
	return 0
}

func (p *protocolHandler) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(callResponse{Error: "unencodable result: " + err.Error()})
	}
	// The guest reads the reply only after this write returns.
	go p.replies.Write(append(data, '\n'))
}

func (p *protocolHandler) handleCall(req callRequest) callResponse {
	if p.registry == nil {
		return callResponse{Error: "unknown function: " + req.Fn}
	}
	fn, ok := p.registry.Get(req.Fn)
	if !ok {
		return callResponse{Error: "unknown function: " + req.Fn}
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}

	result, err := fn(p.ctx, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

// Stderr returns guest stderr with protocol frames removed. An unterminated
// frame is returned as-is.
func (p *protocolHandler) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.String() + p.buf.String()
}

// Calls returns the number of dispatched requests.
func (p *protocolHandler) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
