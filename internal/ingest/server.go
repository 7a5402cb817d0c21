// Package ingest accepts newline-delimited JSON telemetry over TCP and
// routes each document to the plugin tracker or the metrics collector.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "ingest")

const (
	// DefaultDocumentChannelSize is the default buffer size for assembled documents.
	DefaultDocumentChannelSize = 100_000

	// DefaultMaxLineSize is the default maximum size (in bytes) of a single line.
	DefaultMaxLineSize = 1024 * 1024 // 1MB
)

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	DocumentChannelSize int
	MaxLineSize         int
}

// Envelope is one complete JSON document and the connection it came from.
type Envelope struct {
	Source  string
	Payload string
}

// Server listens for newline-delimited JSON documents over TCP. A document
// may span several lines; each connection assembles its own.
type Server struct {
	listener    net.Listener
	addr        string
	docs        chan Envelope
	maxLineSize int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// NewServer creates a new TCP server. Default addr is "127.0.0.1:4000".
func NewServer(addr string, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = "127.0.0.1:4000"
	}
	channelSize := DefaultDocumentChannelSize
	maxLineSize := DefaultMaxLineSize
	if len(conf) > 0 {
		if conf[0].DocumentChannelSize > 0 {
			channelSize = conf[0].DocumentChannelSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		docs:        make(chan Envelope, channelSize),
		maxLineSize: maxLineSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	log.Infof("ingest: listening on %s", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					continue
				}
			}
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()

	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Stop unblocks the scanner by closing the connection.
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	source := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	buf := make([]byte, min(64*1024, s.maxLineSize))
	scanner.Buffer(buf, s.maxLineSize)

	var asm assembler
	for scanner.Scan() {
		doc, ok := asm.feed(scanner.Text())
		if !ok {
			continue
		}
		select {
		case s.docs <- Envelope{Source: source, Payload: doc}:
		case <-s.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			log.Warnf("ingest: dropped connection %s due to line exceeding max size (%d bytes)", source, s.maxLineSize)
			return
		}
		if s.ctx.Err() == nil {
			log.WithError(err).Warnf("ingest: read error from %s", source)
		}
	}
	if rest, ok := asm.flush(); ok {
		log.Debugf("ingest: %s closed with an incomplete document (%d bytes)", source, len(rest))
	}
}

// Stop closes the listener and open connections, waits for handlers and
// closes the document channel. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		close(s.docs)
	})
	return nil
}

// Documents returns the channel of assembled documents.
func (s *Server) Documents() <-chan Envelope {
	return s.docs
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
