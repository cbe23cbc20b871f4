package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/bundler"
)

const replBundleTimeout = 3 * time.Minute

func (srv *Server) stopRepl() {
	if srv.replListener != nil {
		srv.replListener.Close()
	}
}

func (srv *Server) startRepl() error {
	if srv.config.SocketPath == "" {
		return nil
	}

	// a socket left behind by a crashed process blocks Listen
	_ = os.Remove(srv.config.SocketPath)

	listener, err := net.Listen("unix", srv.config.SocketPath)
	if err != nil {
		return err
	}
	srv.replListener = listener

	goSafe(func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || srv.IsShutdown() {
					return
				}
				srv.logger.Warn("Failed to accept repl connection", "error", err)
				continue
			}

			goSafe(func() {
				defer conn.Close()
				srv.handleRepl(conn, conn)
			})
		}
	})
	return nil
}

func (srv *Server) handleRepl(in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	fmt.Fprintln(out, "AP Bundler REPL")
	fmt.Fprintln(out, "-------------------------")

	for {
		fmt.Fprint(out, "> ")
		input, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(out, "\nExiting...")
			}
			return
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		parts := strings.SplitN(input, " ", 2)
		command := strings.ToLower(parts[0])

		switch command {
		case "pending":
			pending := srv.bundler.ListPending()
			for _, e := range pending {
				fmt.Fprintf(out, "%s sender=%s nonce=%s submitted=%s\n",
					e.Hash.Hex(), e.Sender.Hex(), e.Nonce, e.SubmitTime.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "%d pending\n", len(pending))
		case "get":
			if len(parts) != 2 {
				fmt.Fprintln(out, "Usage: get <userOpHash>")
				continue
			}
			info, err := lookupUserOp(srv.bundler, common.HexToHash(strings.TrimSpace(parts[1])))
			switch {
			case err != nil:
				fmt.Fprintln(out, "error:", err)
			case info == nil:
				fmt.Fprintln(out, "not found")
			default:
				fmt.Fprintf(out, "%s status=%s reason=%q\n", info.UserOpHash.Hex(), info.Status, info.Reason)
			}
		case "stats":
			fmt.Fprintln(out, srv.bundler.Stats().String())
		case "health":
			h := srv.bundler.Health()
			fmt.Fprintf(out, "%s consecutiveFailures=%d mempool=%d\n", h.Status, h.ConsecutiveFailures, h.MempoolSize)
		case "bundle":
			ctx, cancel := context.WithTimeout(context.Background(), replBundleTimeout)
			result, err := srv.bundler.SendBundleNow(ctx)
			cancel()
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintf(out, "bundle %s tx=%s ops=%d\n", result.BatchID.Hex(), result.TransactionHash.Hex(), len(result.Outcomes))
		case "mode":
			if len(parts) == 2 {
				if err := srv.bundler.SetBundlingMode(bundler.BundlingMode(strings.TrimSpace(parts[1]))); err != nil {
					fmt.Fprintln(out, "error:", err)
					continue
				}
			}
			fmt.Fprintln(out, srv.bundler.BundlingMode())
		case "list":
			if len(parts) != 2 {
				fmt.Fprintln(out, "Usage: list <prefix>* or list *")
				continue
			}
			if keys, err := srv.db.ListKeys(parts[1]); err == nil {
				for _, k := range keys {
					fmt.Fprintln(out, k)
				}
			}
		case "dump":
			if len(parts) != 2 {
				fmt.Fprintln(out, "Usage: dump <prefix>")
				continue
			}
			items, err := srv.db.GetByPrefix([]byte(strings.TrimSpace(parts[1])))
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			for _, item := range items {
				fmt.Fprintf(out, "%s %s\n", item.Key, item.Value)
			}
		case "count":
			if len(parts) != 2 {
				fmt.Fprintln(out, "Usage: count <prefix>")
				continue
			}
			if total, err := srv.db.CountKeysByPrefix([]byte(strings.TrimSpace(parts[1]))); err == nil {
				fmt.Fprintln(out, total)
			} else {
				fmt.Fprintln(out, "error:", err)
			}
		case "key":
			if len(parts) != 2 {
				fmt.Fprintln(out, "Usage: key <key>")
				continue
			}
			if value, err := srv.db.GetKey([]byte(parts[1])); err == nil {
				fmt.Fprintln(out, string(value))
			} else {
				fmt.Fprintln(out, "error:", err)
			}
		case "backup":
			if srv.backup == nil {
				fmt.Fprintln(out, "backup_dir is not configured")
				continue
			}
			fmt.Fprintf(out, "running backup to %s\n", srv.config.BackupDir)
			if backupFile, err := srv.backup.PerformBackup(context.Background()); err == nil {
				fmt.Fprintln(out, "backup success to", backupFile)
			} else {
				fmt.Fprintln(out, "backup failed:", err)
			}
		case "gc":
			if err := srv.db.Vacuum(); err != nil {
				fmt.Fprintln(out, "gc failed:", err)
				continue
			}
			fmt.Fprintln(out, "gc done", srv.db.DbPath())
		case "exit":
			fmt.Fprintln(out, "Exiting...")
			return
		default:
			fmt.Fprintln(out, "Unknown command:", command)
		}
	}
}
