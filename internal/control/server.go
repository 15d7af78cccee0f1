// Package control provides a Unix socket control interface for stunwire.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/postalsys/stunwire/internal/stack"
	"github.com/postalsys/stunwire/internal/sysinfo"
)

// EngineInfo provides engine state for the control interface.
// *stack.Stack satisfies it.
type EngineInfo interface {
	// IsRunning returns true if the engine is running.
	IsRunning() bool

	// Stats returns engine statistics.
	Stats() stack.Stats

	// Sockets returns the local address of every engine socket.
	Sockets() []netip.AddrPort

	// Transactions lists the open client transactions.
	Transactions() []stack.TransactionInfo
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Version            string `json:"version"`
	Hostname           string `json:"hostname"`
	Running            bool   `json:"running"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
	Sockets            int    `json:"sockets"`
	ClientTransactions int    `json:"client_transactions"`
	ServerTransactions int    `json:"server_transactions"`
}

// SocketsResponse is the response for the sockets endpoint.
type SocketsResponse struct {
	Sockets []string `json:"sockets"`
}

// TransactionsResponse is the response for the transactions endpoint.
type TransactionsResponse struct {
	Transactions []stack.TransactionInfo `json:"transactions"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./stunwire.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	engine   EngineInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, engine EngineInfo) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sockets", s.handleSockets)
	mux.HandleFunc("/transactions", s.handleTransactions)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove existing socket file if it exists
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Shutdown server
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	// Remove socket file
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// handleStatus handles the status endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.engine.Stats()
	hostname, _ := os.Hostname()

	response := StatusResponse{
		Version:            sysinfo.Version,
		Hostname:           hostname,
		Running:            stats.Running,
		UptimeSeconds:      sysinfo.UptimeSeconds(),
		Sockets:            stats.Sockets,
		ClientTransactions: stats.ClientTransactions,
		ServerTransactions: stats.ServerTransactions,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSockets handles the sockets endpoint.
func (s *Server) handleSockets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	addrs := s.engine.Sockets()
	sockets := make([]string, len(addrs))
	for i, a := range addrs {
		sockets[i] = a.String()
	}
	sort.Strings(sockets)

	response := SocketsResponse{
		Sockets: sockets,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleTransactions handles the transactions endpoint.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := TransactionsResponse{
		Transactions: s.engine.Transactions(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
