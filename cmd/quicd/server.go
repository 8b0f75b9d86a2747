package main

import (
	"crypto/tls"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/goburrow/quic"
	"github.com/goburrow/quic/transport"
)

func newServerCommand() *cobra.Command {
	var (
		listenAddr string
		certFile   string
		keyFile    string
		verbosity  int
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept QUIC connections and echo stream data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			zlog, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer zlog.Sync()

			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return err
			}
			config := quic.NewConfig()
			config.TLS.Certificates = []tls.Certificate{cert}

			handler := &serverHandler{zlog: zlog}
			server := quic.NewServer(config)
			server.SetHandler(handler)
			server.SetLogger(verbosity, os.Stdout)
			server.SetZapLogger(zlog)
			if err := server.ListenAndServe(listenAddr); err != nil {
				return err
			}
			zlog.Info("serving", zap.String("addr", listenAddr))
			select {}
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "0.0.0.0:4433", "address to listen on")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS private key file")
	cmd.Flags().IntVar(&verbosity, "v", 2, "transaction log verbosity: 0=off 1=error 2=info 3=debug 4=trace")
	cmd.MarkFlagRequired("cert")
	cmd.MarkFlagRequired("key")
	return cmd
}

type serverHandler struct {
	zlog *zap.Logger
}

func (h *serverHandler) Serve(c quic.Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case quic.EventConnAccept:
			h.zlog.Info("connection accepted", zap.Stringer("addr", c.RemoteAddr()))
		case transport.EventStream:
			st := c.Stream(e.StreamID)
			if st == nil {
				continue
			}
			buf := make([]byte, 512)
			n, _ := st.Read(buf)
			if n > 0 {
				_, _ = st.Write(buf[:n])
				_ = st.Close()
			}
		case quic.EventConnClose:
			h.zlog.Info("connection closed", zap.Stringer("addr", c.RemoteAddr()))
		}
	}
}
