// Package redisstub runs a minimal RESP server for tests that need a Redis
// endpoint without a real instance. It answers the connection handshake,
// PING and INFO.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type Options struct {
	Password string
	// Info maps INFO section names (lower case) to "field:value" pairs.
	Info map[string]map[string]string
	// FailPing makes PING reply with an error.
	FailPing bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	commands map[string]int
	closed   chan struct{}
}

// DefaultInfo is served when Options.Info is nil.
func DefaultInfo() map[string]map[string]string {
	return map[string]map[string]string{
		"server":  {"redis_version": "7.2.4", "uptime_in_seconds": "3600"},
		"clients": {"connected_clients": "3"},
		"memory":  {"used_memory": "1048576"},
	}
}

func Start(opts Options) (*Server, error) {
	if opts.Info == nil {
		opts.Info = DefaultInfo()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		commands: make(map[string]int),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Count reports how many times the named command was received.
func (s *Server) Count(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(command)]
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.record(cmd)

		switch {
		case cmd == "AUTH":
			if args[len(args)-1] == s.opts.Password {
				authenticated = true
				err = writeSimpleString(writer, "OK")
			} else {
				err = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case !authenticated:
			err = writeError(writer, "NOAUTH Authentication required.")
		case cmd == "PING":
			if s.opts.FailPing {
				err = writeError(writer, "LOADING Redis is loading the dataset in memory")
			} else {
				err = writeSimpleString(writer, "PONG")
			}
		case cmd == "INFO":
			err = writeBulkString(writer, s.info(args[1:]))
		case cmd == "SELECT":
			err = writeSimpleString(writer, "OK")
		default:
			// HELLO and CLIENT land here, which makes clients fall back to RESP2.
			err = writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) record(cmd string) {
	s.mu.Lock()
	s.commands[cmd]++
	s.mu.Unlock()
}

func (s *Server) info(sections []string) string {
	if len(sections) == 0 {
		for name := range s.opts.Info {
			sections = append(sections, name)
		}
		sort.Strings(sections)
	}
	var b strings.Builder
	for _, section := range sections {
		fields, ok := s.opts.Info[strings.ToLower(section)]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "# %s\r\n", strings.ToUpper(section[:1])+strings.ToLower(section[1:]))
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "%s:%s\r\n", key, fields[key])
		}
		b.WriteString("\r\n")
	}
	return b.String()
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
