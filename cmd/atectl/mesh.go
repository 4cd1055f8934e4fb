package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	core "ate/core"
)

func meshCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mesh", Short: "run or connect to a mesh replication endpoint"}
	cmd.AddCommand(meshServeCmd())
	cmd.AddCommand(meshSubscribeCmd())
	return cmd
}

func meshServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "accept mesh replication connections for this chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseWireFormat(viper.GetString("format"))
			if err != nil {
				return err
			}
			chain, err := openChainFromFlags()
			if err != nil {
				return err
			}
			defer chain.Close()

			server := core.NewMeshServer(chain, format)
			log.WithField("addr", addr).Info("mesh server listening")

			httpServer := &http.Server{Addr: addr, Handler: server}
			errCh := make(chan error, 1)
			go func() { errCh <- httpServer.ListenAndServe() }()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			select {
			case err := <-errCh:
				return err
			case <-sig:
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":7070", "listen address for mesh replication")
	return cmd
}

func meshSubscribeCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "connect to a remote chain and print events as they commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := openChainFromFlags()
			if err != nil {
				return err
			}
			defer chain.Close()

			session, err := core.Dial(url, chain, core.RecoverySilentRetry)
			if err != nil {
				return err
			}
			defer session.Close()

			events, err := session.Subscribe(64)
			if err != nil {
				return err
			}
			for evt := range events {
				fmt.Printf("%s %s\n", evt.Header.PrimaryKey, evt.Data)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:7070", "upstream mesh URL")
	return cmd
}
