package sandbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
)

// maxFrameSize bounds a single RPC frame. Detector responses are detection
// lists, not images, so anything larger indicates a broken peer.
const maxFrameSize = 16 << 20

// ErrConnClosed is returned for calls issued on, or interrupted by, a closed
// connection.
var ErrConnClosed = errors.New("sandbox connection closed")

// Request is one RPC call to the sandbox process
type Request struct {
	ID     uint64                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

// Response is the sandbox's reply. Data is left raw; its shape depends on
// the method.
type Response struct {
	ID      uint64          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Transport is the request/response surface the adapter drives. Satisfied
// by *Client; tests substitute their own.
type Transport interface {
	Call(ctx context.Context, method string, params map[string]interface{}) (Response, error)
	Close() error
}

// Client speaks length-prefixed JSON over a byte stream. Each frame is a
// 4-byte big-endian payload length followed by the JSON payload. Responses
// are matched to in-flight calls by id, so calls may overlap.
type Client struct {
	rwc    io.ReadWriteCloser
	nextID uint64

	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan Response
	closed  bool

	done chan struct{}
}

// NewClient starts the receive loop over rwc and takes ownership of it
func NewClient(rwc io.ReadWriteCloser) *Client {
	c := &Client{
		rwc:     rwc,
		pending: make(map[uint64]chan Response),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Call sends one request and blocks until the matching response, the
// context ends, or the connection dies.
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}) (Response, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	req := Request{ID: id, Method: method, Params: params}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, ErrConnClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrConnClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

func (c *Client) send(req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := c.rwc.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := c.rwc.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

func (c *Client) recvLoop() {
	defer close(c.done)
	for {
		resp, err := readResponse(c.rwc)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Printf("[Sandbox] Receive error: %v", err)
			}
			c.failPending()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// failPending closes every in-flight call's channel so waiters see
// ErrConnClosed rather than hanging.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Close tears down the connection and unblocks in-flight calls
func (c *Client) Close() error {
	err := c.rwc.Close()
	<-c.done
	return err
}

func readResponse(r io.Reader) (Response, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Response{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return Response{}, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

// ReadRequest decodes one request frame. Used by tests standing in for a
// sandbox process.
func ReadRequest(r io.Reader) (Request, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Request{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return Request{}, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Request{}, err
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("failed to decode request: %w", err)
	}
	return req, nil
}

// WriteResponse encodes one response frame. Counterpart of ReadRequest.
func WriteResponse(w io.Writer, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
