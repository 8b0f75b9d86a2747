package main

import (
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/goburrow/quic"
	"github.com/goburrow/quic/transport"
)

func newClientCommand() *cobra.Command {
	var (
		listenAddr string
		insecure   bool
		data       string
		verbosity  int
	)
	cmd := &cobra.Command{
		Use:   "client <address>",
		Short: "Connect to a QUIC server and send data on stream 4",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]
			zlog, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer zlog.Sync()

			config := quic.NewConfig()
			config.TLS.ServerName = serverName(addr)
			config.TLS.InsecureSkipVerify = insecure

			handler := &clientHandler{data: data, zlog: zlog}
			client := quic.NewClient(config)
			client.SetHandler(handler)
			client.SetLogger(verbosity, os.Stdout)
			client.SetZapLogger(zlog)
			if err := client.ListenAndServe(listenAddr); err != nil {
				return err
			}
			handler.wg.Add(1)
			if err := client.Connect(addr); err != nil {
				return err
			}
			handler.wg.Wait()
			return client.Close()
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "0.0.0.0:0", "local address to listen on")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip verifying server certificate")
	cmd.Flags().StringVar(&data, "data", "GET /\r\n", "data to send once connected")
	cmd.Flags().IntVar(&verbosity, "v", 2, "transaction log verbosity: 0=off 1=error 2=info 3=debug 4=trace")
	return cmd
}

type clientHandler struct {
	wg   sync.WaitGroup
	data string
	zlog *zap.Logger
}

func (h *clientHandler) Serve(c quic.Conn, events []transport.Event) {
	for _, e := range events {
		h.zlog.Debug("connection event", zap.Stringer("addr", c.RemoteAddr()), zap.Uint8("type", uint8(e.Type)))
		switch e.Type {
		case quic.EventConnAccept:
			st, err := c.OpenStream(true)
			if err != nil {
				h.zlog.Error("open stream failed", zap.Error(err))
				continue
			}
			_, _ = st.Write([]byte(h.data))
			_ = st.Close()
		case transport.EventStream:
			st := c.Stream(e.StreamID)
			if st != nil {
				buf := make([]byte, 512)
				n, _ := st.Read(buf)
				h.zlog.Info("stream data", zap.Uint64("stream", e.StreamID), zap.ByteString("data", buf[:n]))
			}
		case quic.EventConnClose:
			h.wg.Done()
		}
	}
}

func serverName(addr string) string {
	colon := strings.LastIndex(addr, ":")
	if colon > 0 {
		bracket := strings.LastIndex(addr, "]")
		if colon > bracket {
			return addr[:colon]
		}
	}
	return addr
}
