package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"chatrelay/server"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

type shutdownRequest struct {
	reason     string
	completion time.Time
}

// Control socket commands, one line each:
//
//	stats
//	shutdown|reason|RFC3339 completion time
func startControlSocket(path string, srv *server.Server, shutdown chan<- shutdownRequest) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		jww.WARN.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()

	jww.INFO.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		go handleControlCommand(srv, conn, shutdown)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, shutdown chan<- shutdownRequest) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		req := shutdownRequest{reason: "maintenance"}
		if len(parts) >= 2 && parts[1] != "" {
			req.reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			t, err := time.Parse(time.RFC3339, parts[2])
			if err != nil {
				conn.Write([]byte("ERROR|Invalid completion time\n"))
				return
			}
			req.completion = t
		}

		select {
		case shutdown <- req:
			conn.Write([]byte("OK|Shutting down\n"))
		default:
			conn.Write([]byte("ERROR|Shutdown already in progress\n"))
		}

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// controlRequest sends one command to a running node and returns its reply.
func controlRequest(command string) (string, error) {
	path := viper.GetString("control_socket")
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return "", errors.Wrapf(err, "connect to %s", path)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", errors.Wrap(err, "send command")
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "read reply")
	}

	reply = strings.TrimSpace(reply)
	if rest, ok := strings.CutPrefix(reply, "ERROR|"); ok {
		return "", errors.New(rest)
	}
	return strings.TrimPrefix(reply, "OK|"), nil
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print connection statistics of a running node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := controlRequest("stats")
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown [reason] [completion time, RFC3339]",
	Short: "Disconnect all clients of a running node and stop it",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := "shutdown"
		if len(args) > 0 {
			command += "|" + args[0]
		}
		if len(args) > 1 {
			if _, err := time.Parse(time.RFC3339, args[1]); err != nil {
				return errors.Wrap(err, "completion time")
			}
			command += "|" + args[1]
		}

		reply, err := controlRequest(command)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}
